// Package socket keeps one reconnecting chat socket per signed-in user.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"

	"github.com/swipehire/matchchat/internal/model"
)

var (
	// ErrNotConnected is returned by Emit while the socket is down.
	ErrNotConnected = errors.New("socket: not connected")
	// ErrClosed is returned once Disconnect has been called.
	ErrClosed = errors.New("socket: closed")
)

// Handler receives the payload of one event. Handlers run on the
// manager's read goroutine, one at a time.
type Handler func(data json.RawMessage)

type Config struct {
	// URL of the socket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxAttempts caps consecutive failed dials. Zero retries forever.
	MaxAttempts uint64

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

type handlerEntry struct {
	id int
	fn Handler
}

// Manager owns a single connection and its reconnect loop.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]handlerEntry
	nextID   int
	running  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		handlers: make(map[string][]handlerEntry),
	}
}

// On registers h for event and returns a func that removes it.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.handlers[event]
		for i, e := range list {
			if e.id == id {
				m.handlers[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Connected reports whether frames can be emitted right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Connect starts the connection loop in the background. It is a no-op when
// the loop is already running. The loop stops on Disconnect, when ctx is
// cancelled, or when the server closes the connection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
	return nil
}

// Disconnect closes the connection for good and waits for the loop to exit.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Emit sends one event frame.
func (m *Manager) Emit(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn, closed := m.conn, m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := model.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("socket: emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.conn = nil
		m.mu.Unlock()
		close(done)
	}()

	for {
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.dispatch(model.EventDisconnect, model.DisconnectEvent{Reason: model.ReasonClientDisconnect})
				return
			}
			slog.Warn("giving up on chat socket", "error", err)
			m.dispatch(model.EventDisconnect, model.DisconnectEvent{Reason: model.ReasonServerDisconnect})
			return
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()

		m.dispatch(model.EventConnect, struct{}{})

		reason := m.readLoop(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		m.dispatch(model.EventDisconnect, model.DisconnectEvent{Reason: reason})
		if reason != model.ReasonTransportClose {
			return
		}
	}
}

// dial connects with exponential backoff. Every failed attempt is
// reported as connect_error. Rejected credentials are not retried.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	b := retry.NewExponential(m.cfg.MinBackoff)
	b = retry.WithCappedDuration(m.cfg.MaxBackoff, b)
	b = retry.WithJitterPercent(10, b)
	if m.cfg.MaxAttempts > 0 {
		b = retry.WithMaxRetries(m.cfg.MaxAttempts-1, b)
	}

	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	var conn *websocket.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, resp, err := websocket.Dial(ctx, m.cfg.URL, &websocket.DialOptions{
			HTTPClient: m.cfg.HTTPClient,
			HTTPHeader: header,
		})
		if err == nil {
			conn = c
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()
		m.dispatch(model.EventConnectError, model.ConnectErrorEvent{Message: err.Error(), Attempt: attempt})

		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop dispatches frames until the connection ends and reports why.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) string {
	for {
		_, p, err := conn.Read(ctx)
		if err == nil {
			var frame model.Envelope
			if err := json.Unmarshal(p, &frame); err != nil {
				slog.Debug("skipping malformed frame", "error", err)
				continue
			}
			m.dispatchRaw(frame.Event, frame.Data)
			continue
		}

		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return model.ReasonClientDisconnect
		}

		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusPolicyViolation:
			return model.ReasonServerDisconnect
		}

		conn.CloseNow()
		return model.ReasonTransportClose
	}
}

func (m *Manager) dispatch(event string, data any) {
	p, err := json.Marshal(data)
	if err != nil {
		slog.Error("could not encode local event", "error", err, "event", event)
		return
	}
	m.dispatchRaw(event, p)
}

func (m *Manager) dispatchRaw(event string, data json.RawMessage) {
	m.mu.Lock()
	list := make([]Handler, 0, len(m.handlers[event]))
	for _, e := range m.handlers[event] {
		list = append(list, e.fn)
	}
	m.mu.Unlock()

	for _, h := range list {
		h(data)
	}
}
