package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vibe/go-agent/internal/metrics"
	"vibe/go-agent/internal/platform/oplock"
)

type SocketState int

const (
	StateClosed SocketState = iota
	StateConnecting
	StateOpen
)

func (s SocketState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type clientFrame struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
}

type serverFrame struct {
	Type       string          `json:"type,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Status     string          `json:"status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
}

const defaultDialTimeout = 10 * time.Second

// Mux owns the session's single WebSocket and fans incoming updates out to
// per-collection handlers. Subscriptions arriving while the socket is still
// connecting are queued and flushed exactly once when it opens. A socket
// error drops every registration: subscribers re-subscribe, the mux does
// not reconnect on its own.
type Mux struct {
	urlFn       func() string
	policy      UpdatePolicy
	logger      *slog.Logger
	dialTimeout time.Duration

	connectLock *oplock.Lock

	// wmu serializes frame writes; gorilla allows one writer at a time.
	wmu sync.Mutex

	mu       sync.Mutex
	state    SocketState
	conn     *websocket.Conn
	pending  map[string]struct{}
	handlers map[string]Handler
}

// NewMux prepares a multiplexer for one (identity, app) session. urlFn is
// re-evaluated on each connect so a refreshed token is picked up.
func NewMux(urlFn func() string, policy UpdatePolicy, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		urlFn:       urlFn,
		policy:      policy,
		logger:      logger,
		dialTimeout: defaultDialTimeout,
		connectLock: oplock.New(),
		pending:     map[string]struct{}{},
		handlers:    map[string]Handler{},
	}
}

func (m *Mux) State() SocketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a handler for a collection's updates, establishing
// the socket if needed.
func (m *Mux) Subscribe(ctx context.Context, collection string, handler Handler) error {
	m.mu.Lock()
	m.handlers[collection] = handler
	metrics.ActiveSubscriptions.Set(float64(len(m.handlers)))
	switch m.state {
	case StateOpen:
		conn := m.conn
		m.mu.Unlock()
		return m.send(conn, clientFrame{Action: "subscribe", Collection: collection})
	case StateConnecting:
		m.pending[collection] = struct{}{}
		m.mu.Unlock()
		return nil
	default:
		m.pending[collection] = struct{}{}
		m.state = StateConnecting
		metrics.SocketState.Set(1)
		m.mu.Unlock()
		return m.connect(ctx)
	}
}

// Unsubscribe drops the local registration regardless of socket state and
// tells the backend when the socket is up.
func (m *Mux) Unsubscribe(collection string) error {
	m.mu.Lock()
	delete(m.handlers, collection)
	delete(m.pending, collection)
	metrics.ActiveSubscriptions.Set(float64(len(m.handlers)))
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open {
		return nil
	}
	return m.send(conn, clientFrame{Action: "unsubscribe", Collection: collection})
}

// Close tears the socket down and clears every registration.
func (m *Mux) Close() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.teardown(nil)
}

func (m *Mux) connect(ctx context.Context) error {
	// One dial at a time; later connect attempts wait their turn.
	if err := m.connectLock.Acquire(ctx); err != nil {
		m.teardown(err)
		return err
	}
	defer m.connectLock.Release()

	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.urlFn(), nil)
	if err != nil {
		err = fmt.Errorf("%w: websocket dial: %v", ErrNetwork, err)
		m.teardown(err)
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	metrics.SocketState.Set(2)
	queued := make([]string, 0, len(m.pending))
	for collection := range m.pending {
		queued = append(queued, collection)
	}
	// The pending set is cleared before the frames go out so a frame is
	// never flushed twice.
	m.pending = map[string]struct{}{}
	m.mu.Unlock()

	for _, collection := range queued {
		if err := m.send(conn, clientFrame{Action: "subscribe", Collection: collection}); err != nil {
			m.teardown(err)
			return err
		}
	}

	go m.readLoop(conn)
	return nil
}

func (m *Mux) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.teardown(err)
			return
		}
		var frame serverFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.logger.Warn("dropping malformed socket frame", slog.String("error", err.Error()))
			continue
		}
		switch {
		case frame.Error != "":
			m.logger.Warn("socket error frame", slog.String("error", frame.Error))
		case frame.Type == "update":
			m.dispatch(frame)
		case frame.Status != "":
			m.logger.Debug("socket status frame",
				slog.String("status", frame.Status),
				slog.String("collection", frame.Collection),
				slog.String("reason", frame.Reason))
		}
	}
}

func (m *Mux) dispatch(frame serverFrame) {
	m.mu.Lock()
	handler, ok := m.handlers[frame.Collection]
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	docs, err := m.policy.Resolve(ctx, frame.Collection, frame.Data)
	if err != nil {
		m.logger.Warn("update delivery failed",
			slog.String("collection", frame.Collection),
			slog.String("error", err.Error()))
		return
	}
	handler(validDocuments(m.logger, frame.Collection, docs))
}

// teardown moves to CLOSED and forgets all subscriptions, pending and
// active alike.
func (m *Mux) teardown(cause error) {
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateClosed
	m.pending = map[string]struct{}{}
	m.handlers = map[string]Handler{}
	metrics.SocketState.Set(0)
	metrics.ActiveSubscriptions.Set(0)
	m.mu.Unlock()

	if cause != nil {
		m.logger.Info("socket closed", slog.String("cause", cause.Error()))
	}
}

func (m *Mux) send(conn *websocket.Conn, frame clientFrame) error {
	if conn == nil {
		return fmt.Errorf("%w: socket is not open", ErrNetwork)
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	m.wmu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, raw)
	m.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: websocket write: %v", ErrNetwork, err)
	}
	return nil
}
