package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Contract errors surfaced to callers. Checked with errors.Is.
var (
	// ErrUnauthenticated means no usable credential; never retried.
	ErrUnauthenticated = errors.New("booking: no valid credential")
	// ErrNotExpiredOrNotPending means the server rejected the expiry
	// assumption; never retried, caller should refetch.
	ErrNotExpiredOrNotPending = errors.New("booking: session not expired or not pending")
	// ErrRetriesExhausted means transient failures outlived the retry budget.
	ErrRetriesExhausted = errors.New("booking: retries exhausted")
)

const (
	defaultTimeout     = 30 * time.Second
	cancelMaxAttempts  = 5
	cancelBackoffStep  = 2 * time.Second
	defaultPageLimit   = 20
	sessionsPath       = "/api/v1/sessions/user"
	cancelPathFmt      = "/api/v1/sessions/%s/%s/cancel-expired"
	completePathFmt    = "/api/v1/sessions/%s/%s/complete-payment"
	errCodeNotEligible = "SESSION_NOT_EXPIRED_OR_NOT_PENDING"
)

// Client talks to the booking backend's session endpoints.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	clock   clockwork.Clock

	maxAttempts int
	backoffStep time.Duration
}

// Option tweaks client construction.
type Option func(*Client)

// WithClock swaps the wall clock, used by tests to control backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithBackoff overrides the cancel retry budget.
func WithBackoff(attempts int, step time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.backoffStep = step
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a booking API client. An empty token is allowed at
// construction; calls that need it fail with ErrUnauthenticated.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		token:       token,
		client:      &http.Client{Timeout: defaultTimeout},
		clock:       clockwork.NewRealClock(),
		maxAttempts: cancelMaxAttempts,
		backoffStep: cancelBackoffStep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the standard response wrapper of the booking API.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// SessionPage is one page of the user's sessions.
type SessionPage struct {
	Sessions   []PaymentSession `json:"sessions"`
	Pagination Pagination       `json:"pagination"`
}

// FetchSessions returns one page of the user's payment sessions.
func (c *Client) FetchSessions(ctx context.Context, page, limit int) (*SessionPage, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	endpoint := fmt.Sprintf("%s?page=%d&limit=%d", sessionsPath, page, limit)
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var pageResp SessionPage
	if err := json.Unmarshal(body, &pageResp); err != nil {
		return nil, fmt.Errorf("decode sessions page: %w", err)
	}
	return &pageResp, nil
}

// CancelExpiredSession tells the backend a session's payment window lapsed.
// Transient failures are retried up to the budget with linearly scaled
// backoff; ErrUnauthenticated and ErrNotExpiredOrNotPending short-circuit.
func (c *Client) CancelExpiredSession(ctx context.Context, bookingID, sessionID string) error {
	if c.token == "" {
		return ErrUnauthenticated
	}

	endpoint := fmt.Sprintf(cancelPathFmt, bookingID, sessionID)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		_, err := c.do(ctx, http.MethodPut, endpoint, nil)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrNotExpiredOrNotPending) {
			return err
		}
		lastErr = err

		log.Warn().
			Err(err).
			Str("booking_id", bookingID).
			Str("session_id", sessionID).
			Int("attempt", attempt).
			Msg("cancel-expired call failed, will retry")

		if attempt == c.maxAttempts {
			break
		}
		// Linear backoff: attempt 1 waits one step, attempt 2 two steps, etc.
		select {
		case <-c.clock.After(time.Duration(attempt) * c.backoffStep):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// CompletePaymentRequest is the body of the complete-payment call.
type CompletePaymentRequest struct {
	PaymentMethod     string `json:"paymentMethod"`
	LoyaltyPointsUsed int    `json:"loyaltyPointsUsed"`
}

// CompletePayment transitions a session to paid/completed on the backend.
// Not retried here: payment completion is rolled back by the caller on error.
func (c *Client) CompletePayment(ctx context.Context, bookingID, sessionID string, req CompletePaymentRequest) error {
	if c.token == "" {
		return ErrUnauthenticated
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal complete-payment request: %w", err)
	}

	endpoint := fmt.Sprintf(completePathFmt, bookingID, sessionID)
	if _, err := c.do(ctx, http.MethodPut, endpoint, payload); err != nil {
		return err
	}
	return nil
}

// do performs one request and maps the response onto the error contract.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		// Tolerate non-JSON error bodies; classification falls back to status.
		_ = json.Unmarshal(raw, &env)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthenticated, resp.StatusCode)
	case resp.StatusCode == http.StatusConflict || env.Code == errCodeNotEligible:
		return nil, fmt.Errorf("%w: %s", ErrNotExpiredOrNotPending, env.Message)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, env.Message)
	}

	if !env.Success && env.Message != "" {
		return nil, fmt.Errorf("%s %s: %s", method, endpoint, env.Message)
	}
	return env.Data, nil
}
