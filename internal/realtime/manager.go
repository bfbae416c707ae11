package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle phase of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Synthetic events delivered alongside server frames.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Handler receives the raw data payload of a frame. Synthetic events
// carry a nil payload.
type Handler func(data json.RawMessage)

const (
	defaultMaxReconnects = 5
	defaultReconnectBase = 1000 * time.Millisecond
)

type ManagerOptions struct {
	// URL of the realtime endpoint.
	URL string

	// Token authenticates the session. A manager built without a
	// token never dials and stays disconnected.
	Token string

	// Transports are tried in order on every connection attempt.
	// Defaults to websocket then polling.
	Transports []Transport

	// MaxReconnects bounds the reconnection cycles after a drop.
	// Defaults to 5.
	MaxReconnects int

	// ReconnectBase is the first reconnect delay; each further
	// attempt doubles it. Defaults to 1s.
	ReconnectBase time.Duration

	Logger zerolog.Logger
}

// Manager owns one realtime session: it negotiates a transport,
// dispatches incoming frames to registered handlers and reconnects
// with exponential backoff when the connection drops. Connection
// faults are logged and reflected in the state, never returned to
// callers.
type Manager struct {
	url           string
	token         string
	transports    []Transport
	maxReconnects int
	reconnectBase time.Duration
	logger        zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	handlers map[string][]Handler
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

func NewManager(opts ManagerOptions) *Manager {
	transports := opts.Transports
	if len(transports) == 0 {
		transports = DefaultTransports()
	}
	maxReconnects := opts.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = defaultMaxReconnects
	}
	reconnectBase := opts.ReconnectBase
	if reconnectBase <= 0 {
		reconnectBase = defaultReconnectBase
	}
	return &Manager{
		url:           strings.TrimSpace(opts.URL),
		token:         strings.TrimSpace(opts.Token),
		transports:    transports,
		maxReconnects: maxReconnects,
		reconnectBase: reconnectBase,
		logger:        opts.Logger,
		state:         StateDisconnected,
		handlers:      make(map[string][]Handler),
	}
}

// On registers a handler for an event. Handlers for the same event run
// in registration order. Registration after Open is allowed.
func (m *Manager) On(event string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// State reports the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a live connection is established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Open starts the session loop. A manager without a token logs the
// fact and stays disconnected. Open never reports an error; dial
// failures drive the reconnect cycle and eventually the failed state.
func (m *Manager) Open() {
	m.mu.Lock()
	if m.started || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if m.token == "" {
		m.mu.Unlock()
		m.logger.Warn().Msg("realtime: no auth token, staying disconnected")
		return
	}
	m.started = true
	m.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Close tears down the session. It is idempotent and valid in any
// state.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	conn := m.dial(ctx)
	if conn == nil && ctx.Err() == nil {
		m.dispatch(EventConnectError, nil)
	}
	for {
		if conn == nil {
			conn = m.reconnect(ctx)
			if conn == nil {
				return
			}
		}
		m.setConn(conn)
		if !m.transition(StateConnected) {
			_ = conn.Close()
			return
		}
		m.logger.Info().Str("url", m.url).Msg("realtime: connected")
		m.dispatch(EventConnect, nil)

		err := m.readLoop(ctx, conn)
		m.setConn(nil)
		_ = conn.Close()
		conn = nil
		if ctx.Err() != nil || m.State() == StateClosed {
			return
		}
		m.logger.Warn().Err(err).Msg("realtime: connection lost")
		m.dispatch(EventDisconnect, nil)
	}
}

// dial tries each transport once, in order, and returns the first live
// connection or nil when every transport fails.
func (m *Manager) dial(ctx context.Context) Conn {
	for _, transport := range m.transports {
		conn, err := transport.Connect(ctx, m.url, m.token)
		if err != nil {
			m.logger.Warn().
				Err(err).
				Str("transport", transport.Name()).
				Msg("realtime: transport connect failed")
			continue
		}
		m.logger.Debug().Str("transport", transport.Name()).Msg("realtime: transport negotiated")
		return conn
	}
	return nil
}

// reconnect runs the bounded backoff cycle. It returns nil once the
// attempts are exhausted or the manager is closed; exhaustion moves
// the manager to the terminal failed state.
func (m *Manager) reconnect(ctx context.Context) Conn {
	if !m.transition(StateReconnecting) {
		return nil
	}
	for attempt := 1; attempt <= m.maxReconnects; attempt++ {
		delay := m.reconnectBase << (attempt - 1)
		m.logger.Info().
			Int("attempt", attempt).
			Int("max", m.maxReconnects).
			Dur("delay", delay).
			Msg("realtime: reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if conn := m.dial(ctx); conn != nil {
			return conn
		}
		m.dispatch(EventConnectError, nil)
	}
	if m.transition(StateFailed) {
		m.logger.Error().
			Int("attempts", m.maxReconnects).
			Msg("realtime: reconnect attempts exhausted, giving up")
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if frame.Event == "" {
			m.logger.Debug().Msg("realtime: dropping frame without event name")
			continue
		}
		m.dispatch(frame.Event, frame.Data)
	}
}

// dispatch calls the handlers of an event synchronously in
// registration order. A panicking handler must not take the session
// down.
func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.mu.Lock()
	registered := m.handlers[event]
	handlers := make([]Handler, len(registered))
	copy(handlers, registered)
	m.mu.Unlock()

	for _, handler := range handlers {
		m.callHandler(event, handler, data)
	}
}

func (m *Manager) callHandler(event string, handler Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("event", event).
				Interface("panic", r).
				Msg("realtime: handler panicked")
		}
	}()
	handler(data)
}

func (m *Manager) setConn(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

// transition moves to next unless the manager is closed or failed.
func (m *Manager) transition(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed || m.state == StateFailed {
		return false
	}
	m.state = next
	return true
}
