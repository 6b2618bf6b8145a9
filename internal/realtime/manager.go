package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/presence/internal/api"
	"github.com/haasonsaas/presence/internal/backoff"
)

// ErrNotAuthenticated is returned by Connect without a valid session.
var ErrNotAuthenticated = errors.New("realtime: not authenticated")

const defaultInboxSize = 256

// State is the channel connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is an open push channel connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens push channel connections. Handshake rejections must wrap
// api.ErrUnauthorized.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Authenticator reports whether a usable session exists.
type Authenticator interface {
	Valid() bool
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Backoff   backoff.Policy
	InboxSize int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(observer Observer) ManagerOption {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// WithWait overrides how the manager sleeps between reconnect attempts.
func WithWait(wait func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) {
		if wait != nil {
			m.wait = wait
		}
	}
}

// OnStateChange registers a callback fired whenever the connected flag flips.
// It runs on the connection goroutine and must not block.
func OnStateChange(fn func(connected bool)) ManagerOption {
	return func(m *Manager) {
		m.onState = fn
	}
}

// OnUnauthorized registers the callback run after the manager stops because
// the handshake was rejected.
func OnUnauthorized(fn func(error)) ManagerOption {
	return func(m *Manager) {
		m.onUnauthorized = fn
	}
}

// Manager owns the push channel connection and its reconnect loop. Inbound
// messages are decoded once and delivered in arrival order on Messages().
type Manager struct {
	dialer         Dialer
	auth           Authenticator
	policy         backoff.Policy
	logger         *slog.Logger
	observer       Observer
	wait           func(ctx context.Context, d time.Duration) error
	onState        func(bool)
	onUnauthorized func(error)

	inbox chan Message

	mu        sync.Mutex
	state     State
	connected bool
	stopping  bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a disconnected manager.
func NewManager(cfg ManagerConfig, dialer Dialer, auth Authenticator, opts ...ManagerOption) *Manager {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	m := &Manager{
		dialer:   dialer,
		auth:     auth,
		policy:   cfg.Backoff,
		logger:   slog.Default(),
		observer: nopObserver{},
		wait:     backoff.SleepWithContext,
		inbox:    make(chan Message, cfg.InboxSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "realtime")
	return m
}

// Messages returns the inbound message stream. It is never closed.
func (m *Manager) Messages() <-chan Message {
	return m.inbox
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the channel is connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Connect starts the connection loop. It returns immediately; the loop dials,
// reads, and reconnects with backoff until Disconnect or ctx ends. Calling
// Connect while the loop runs is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	if m.auth != nil && !m.auth.Valid() {
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopping = false
	m.done = make(chan struct{})
	go m.loop(loopCtx, cancel, m.done)
	return nil
}

// Disconnect stops the loop, cancels any pending reconnect and closes the
// connection. It waits for the loop to exit. The state callback always sees
// connected=false, even when the loop was between attempts.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if cancel != nil {
		m.stopping = true
	}
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	var authErr error
	defer func() {
		cancel()
		m.setState(StateDisconnected)
		m.mu.Lock()
		explicit := m.stopping
		m.stopping = false
		m.mu.Unlock()
		if explicit && m.onState != nil {
			m.onState(false)
		}

		m.mu.Lock()
		m.cancel = nil
		close(done)
		m.mu.Unlock()

		if authErr != nil && m.onUnauthorized != nil {
			m.onUnauthorized(authErr)
		}
	}()

	schedule := backoff.NewSchedule(m.policy)
	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			m.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			if api.IsUnauthorized(err) {
				m.logger.Warn("push channel handshake rejected", "error", err)
				authErr = err
				return
			}
			delay := schedule.Next()
			m.logger.Warn("push channel connect failed",
				"error", err,
				"attempt", schedule.Attempts(),
				"retry_in", delay,
			)
			m.observer.ObserveReconnect()
			if err := m.wait(ctx, delay); err != nil {
				return
			}
			continue
		}

		schedule.Reset()
		m.setState(StateConnected)
		m.logger.Info("push channel connected")

		readErr := m.readLoop(ctx, conn)
		_ = conn.Close()
		m.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		delay := schedule.Next()
		m.logger.Warn("push channel dropped", "error", readErr, "retry_in", delay)
		m.observer.ObserveReconnect()
		if err := m.wait(ctx, delay); err != nil {
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, ErrUnknownType) {
				reason = "unknown_type"
			}
			m.logger.Warn("dropping inbound message", "reason", reason, "error", err)
			m.observer.ObserveDropped(reason)
			continue
		}

		select {
		case m.inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setState records state and notifies when the connected flag flips. During
// an explicit Disconnect the loop reports connected=false once on exit.
func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	connected := state == StateConnected
	changed := connected != m.connected && !m.stopping
	m.connected = connected
	m.mu.Unlock()

	m.observer.ObserveChannelState(state.String())
	if changed && m.onState != nil {
		m.onState(connected)
	}
}
