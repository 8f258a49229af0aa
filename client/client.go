// Package client implements the connection supervisor used by gateway
// consumers. It owns the full connection lifecycle: fetching a ticket,
// dialing the WebSocket, application-level liveness pings, and
// reconnection with doubling backoff. Callers send messages and receive
// events; everything else is the supervisor's problem.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltfleet/agentgate/wire"
)

const (
	// DefaultPingInterval is how often the supervisor pings the gateway.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxAttempts is how many consecutive unhealthy connection
	// attempts are made before the supervisor gives up.
	DefaultMaxAttempts = 5

	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second

	// missedPongLimit is how many unanswered pings declare a connection
	// dead.
	missedPongLimit = 2
)

// ErrClosed is returned by Send and Run after Close has been called.
var ErrClosed = errors.New("supervisor closed")

// ErrGaveUp is returned by Run when every reconnection attempt failed.
var ErrGaveUp = errors.New("gave up reconnecting")

// EventHandler receives every server event except liveness pongs, which
// the supervisor consumes internally.
type EventHandler func(ev wire.Event)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHTTPClient overrides the client used for ticket fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.httpc = c
		}
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Supervisor) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithPingInterval overrides the liveness ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithMaxAttempts overrides how many consecutive unhealthy attempts are
// made before giving up.
func WithMaxAttempts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff overrides the reconnect backoff bounds. Test hook, mostly.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Supervisor) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if max >= initial {
			s.maxBackoff = max
		}
	}
}

// Supervisor maintains one live session connection to the gateway.
type Supervisor struct {
	baseURL     string
	accessToken string
	onEvent     EventHandler

	httpc          *http.Client
	dialer         *websocket.Dialer
	log            *slog.Logger
	pingInterval   time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.Mutex
	closed  bool
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New builds a supervisor for the gateway mounted at baseURL (an http
// or https URL, without the /ticket or /session suffix). The access
// token is the dashboard credential used to fetch tickets; it never
// appears in WebSocket URLs.
func New(baseURL, accessToken string, onEvent EventHandler, opts ...Option) *Supervisor {
	s := &Supervisor{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		accessToken:    accessToken,
		onEvent:        onEvent,
		httpc:          http.DefaultClient,
		dialer:         websocket.DefaultDialer,
		log:            slog.Default(),
		pingInterval:   DefaultPingInterval,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run connects and keeps the connection alive until ctx ends, Close is
// called, or too many consecutive attempts fail without ever becoming
// healthy. A connection counts as healthy once any server event or pong
// arrives; healthy connections reset the attempt budget.
func (s *Supervisor) Run(ctx context.Context) error {
	attempts := 0
	backoff := s.initialBackoff

	for {
		if s.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		healthy, err := s.runOnce(ctx)
		if s.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if healthy {
			attempts = 0
			backoff = s.initialBackoff
		} else {
			attempts++
			if attempts >= s.maxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts, err)
			}
		}

		s.log.InfoContext(ctx, "client.reconnect.wait",
			slog.Duration("backoff", backoff), slog.Int("attempts", attempts))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// Send delivers one client message over the current connection.
func (s *Supervisor) Send(msg wire.ClientMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ws.WriteJSON(msg)
}

// Close tears down the current connection and suppresses any further
// reconnection. Safe to call more than once.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type ticketResponse struct {
	Ticket           string `json:"ticket"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

func (s *Supervisor) fetchTicket(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/ticket", nil)
	if err != nil {
		return "", fmt.Errorf("build ticket request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch ticket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("fetch ticket: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	if tr.Ticket == "" {
		return "", errors.New("ticket response missing ticket")
	}
	return tr.Ticket, nil
}

func (s *Supervisor) sessionURL(tok string) string {
	u := s.baseURL + "/session?ticket=" + tok
	if strings.HasPrefix(u, "https") {
		return "wss" + strings.TrimPrefix(u, "https")
	}
	return "ws" + strings.TrimPrefix(u, "http")
}

// runOnce runs one connection to completion. It reports whether the
// connection ever became healthy.
func (s *Supervisor) runOnce(ctx context.Context) (bool, error) {
	tok, err := s.fetchTicket(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "client.ticket.fail", slog.String("err", err.Error()))
		return false, err
	}

	ws, resp, err := s.dialer.DialContext(ctx, s.sessionURL(tok), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		s.log.WarnContext(ctx, "client.dial.fail", slog.String("err", err.Error()))
		return false, err
	}
	defer func() { _ = ws.Close() }()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	s.ws = ws
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ws == ws {
			s.ws = nil
		}
		s.mu.Unlock()
	}()

	s.log.InfoContext(ctx, "client.connect.ok")

	// pongs carries a signal per pong; events mark the connection healthy.
	pongs := make(chan struct{}, 8)
	readErr := make(chan error, 1)
	healthyCh := make(chan struct{}, 1)

	go func() {
		for {
			var ev wire.Event
			if err := ws.ReadJSON(&ev); err != nil {
				readErr <- err
				return
			}
			select {
			case healthyCh <- struct{}{}:
			default:
			}
			if ev.Type == wire.EventPong {
				select {
				case pongs <- struct{}{}:
				default:
				}
				continue
			}
			if s.onEvent != nil {
				s.onEvent(ev)
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	healthy := false
	outstanding := 0
	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()
		case err := <-readErr:
			s.log.InfoContext(ctx, "client.conn.lost", slog.String("err", err.Error()))
			return healthy, err
		case <-healthyCh:
			healthy = true
		case <-pongs:
			outstanding = 0
		case <-ticker.C:
			if outstanding >= missedPongLimit {
				s.log.WarnContext(ctx, "client.conn.dead", slog.Int("missed_pongs", outstanding))
				return healthy, errors.New("connection dead: missed pongs")
			}
			outstanding++
			s.writeMu.Lock()
			err := ws.WriteJSON(wire.ClientMessage{Type: wire.MessagePing})
			s.writeMu.Unlock()
			if err != nil {
				return healthy, fmt.Errorf("write ping: %w", err)
			}
		}
	}
}
