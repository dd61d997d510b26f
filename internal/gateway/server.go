package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/harsh7274v/confiido-paywatch/internal/events"
	"github.com/harsh7274v/confiido-paywatch/internal/sessions"
)

// Message types pushed to clients.
const (
	MessageTimerTick    = "TimerTick"
	MessageSessionEvent = "SessionEvent"
)

// Message is the envelope for everything sent over a gateway connection.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TimerTickPayload carries the remaining time of a user's open payment
// windows. Clients only render it; the server stays authoritative.
type TimerTickPayload struct {
	Countdowns []sessions.Countdown `json:"countdowns"`
	TickedAt   time.Time            `json:"ticked_at"`
}

// CountdownSource supplies the live countdowns to broadcast.
type CountdownSource interface {
	Countdowns() []sessions.Countdown
}

// Server is the WebSocket gateway: connection management, the per-second
// countdown broadcast, and a health endpoint.
type Server struct {
	manager *ConnectionManager
	source  CountdownSource
	clock   clockwork.Clock
	addr    string
}

// NewServer creates a gateway server listening on addr.
func NewServer(addr string, source CountdownSource, clock clockwork.Clock, config ConnectionConfig) *Server {
	return &Server{
		manager: NewConnectionManager(config),
		source:  source,
		clock:   clock,
		addr:    addr,
	}
}

// NotifySession implements sessions.Notifier: session state transitions are
// pushed to the owning user's connections as they happen.
func (s *Server) NotifySession(userID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("marshal session event for gateway")
		return
	}
	s.manager.BroadcastToUser(userID, Message{
		Type:      MessageSessionEvent,
		Timestamp: s.clock.Now(),
		Data:      data,
	})
}

// Run serves until ctx is cancelled. The countdown broadcaster and the
// connection manager run alongside the HTTP listener.
func (s *Server) Run(ctx context.Context) error {
	go s.manager.Run(ctx.Done())
	go s.runTicker(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	server := &http.Server{
		Addr:         s.addr,
		Handler:      cors.AllowAll().Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown failed")
		}
	}()

	log.Info().Str("addr", s.addr).Msg("gateway listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runTicker pushes a TimerTick to every connected user once per second while
// that user has open payment windows.
func (s *Server) runTicker(ctx context.Context) {
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.broadcastTicks()
		}
	}
}

func (s *Server) broadcastTicks() {
	countdowns := s.source.Countdowns()
	if len(countdowns) == 0 {
		return
	}

	byUser := make(map[string][]sessions.Countdown)
	for _, cd := range countdowns {
		byUser[cd.UserID] = append(byUser[cd.UserID], cd)
	}

	now := s.clock.Now()
	for _, userID := range s.manager.ActiveUsers() {
		userCountdowns, ok := byUser[userID]
		if !ok {
			continue
		}
		data, err := json.Marshal(TimerTickPayload{Countdowns: userCountdowns, TickedAt: now})
		if err != nil {
			log.Error().Err(err).Msg("marshal timer tick")
			continue
		}
		s.manager.BroadcastToUser(userID, Message{
			Type:      MessageTimerTick,
			Timestamp: now,
			Data:      data,
		})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if err := s.manager.Upgrade(w, r, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"stats":  s.manager.Stats(),
	})
}
