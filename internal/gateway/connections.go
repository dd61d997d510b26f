// Package gateway pushes live payment-window updates to browser surfaces
// over WebSocket: per-second countdown ticks and session state transitions.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionConfig holds tunables for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default WebSocket tunables.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Connection is one WebSocket client observing a user's pending sessions.
type Connection struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Send    chan []byte
	manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionManager keeps the per-user connection pools and fans broadcast
// messages out to them. Multiple tabs of the same user each get their own
// connection; they all observe the same countdowns.
type ConnectionManager struct {
	userConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcast
}

type broadcast struct {
	UserID  string
	Payload []byte
}

// NewConnectionManager creates a manager with the given config.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		userConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcast, 1000),
	}
}

// Run processes queued broadcasts until ctx is done.
func (cm *ConnectionManager) Run(done <-chan struct{}) {
	log.Info().Msg("gateway connection manager started")
	for {
		select {
		case <-done:
			log.Info().Msg("gateway connection manager shutting down")
			return
		case msg := <-cm.broadcastCh:
			cm.deliver(msg)
		}
	}
}

// Upgrade turns an HTTP request into a managed WebSocket connection.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.register(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Msg("websocket connection established")
	return nil
}

// BroadcastToUser queues a JSON payload for every connection of one user.
func (cm *ConnectionManager) BroadcastToUser(userID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("marshal gateway payload")
		return
	}
	select {
	case cm.broadcastCh <- broadcast{UserID: userID, Payload: data}:
	default:
		log.Warn().Str("user_id", userID).Msg("broadcast channel full, dropping message")
	}
}

// ActiveUsers returns the user IDs with at least one open connection.
func (cm *ConnectionManager) ActiveUsers() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	users := make([]string, 0, len(cm.userConnections))
	for userID := range cm.userConnections {
		users = append(users, userID)
	}
	return users
}

// Stats reports connection counts for the health endpoint.
func (cm *ConnectionManager) Stats() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	for _, conns := range cm.userConnections {
		total += len(conns)
	}
	return map[string]any{
		"total_connections": total,
		"active_users":      len(cm.userConnections),
	}
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.userConnections[conn.UserID] == nil {
		cm.userConnections[conn.UserID] = make(map[*Connection]bool)
	}
	cm.userConnections[conn.UserID][conn] = true
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conns, exists := cm.userConnections[conn.UserID]; exists {
		if _, exists := conns[conn]; exists {
			delete(conns, conn)
			close(conn.Send)
			if len(conns) == 0 {
				delete(cm.userConnections, conn.UserID)
			}
			log.Info().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("websocket connection closed")
		}
	}
}

func (cm *ConnectionManager) deliver(msg broadcast) {
	cm.mu.RLock()
	conns, exists := cm.userConnections[msg.UserID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(conns))
	for conn := range conns {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- msg.Payload:
		default:
			// Slow or dead client, drop it rather than block the fan-out.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("send buffer full, closing connection")
			cm.unregister(conn)
			conn.Conn.Close()
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		// Clients only listen; inbound messages are logged and ignored.
		log.Debug().
			Str("connection_id", c.ID).
			RawJSON("message", message).
			Msg("client message ignored")
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
