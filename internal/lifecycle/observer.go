// Package lifecycle maps application lifecycle events onto the presence
// components: which status to publish and which background work to run.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/presence/internal/heartbeat"
	"github.com/haasonsaas/presence/internal/store"
	"github.com/haasonsaas/presence/pkg/models"
)

// ErrNoSession is returned when tracking is requested without a signed-in user.
var ErrNoSession = errors.New("lifecycle: no signed-in user")

// Event is an application lifecycle transition.
type Event int

const (
	EventForeground Event = iota + 1
	EventBackground
	EventTerminate
	EventLogin
	EventLogout
)

func (e Event) String() string {
	switch e {
	case EventForeground:
		return "foreground"
	case EventBackground:
		return "background"
	case EventTerminate:
		return "terminate"
	case EventLogin:
		return "login"
	case EventLogout:
		return "logout"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ParseEvent parses an event name.
func ParseEvent(raw string) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "foreground":
		return EventForeground, nil
	case "background":
		return EventBackground, nil
	case "terminate":
		return EventTerminate, nil
	case "login":
		return EventLogin, nil
	case "logout":
		return EventLogout, nil
	}
	return 0, fmt.Errorf("unknown lifecycle event %q", raw)
}

// Heartbeat is the outbound status scheduler.
type Heartbeat interface {
	Start(ctx context.Context)
	Stop()
	Push(ctx context.Context, status models.Status) heartbeat.Outcome
	Final(ctx context.Context, status models.Status) error
	Reset()
}

// Channel is the inbound push channel.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// Reconciler pulls the full presence snapshot.
type Reconciler interface {
	FetchAll(ctx context.Context) (int, error)
}

// Typing is the outbound typing publisher.
type Typing interface {
	Reset()
}

// Session supplies the signed-in user id, or "" when there is none.
type Session interface {
	UserID() string
}

// Deps are the components the observer drives.
type Deps struct {
	Store      *store.Store
	Heartbeat  Heartbeat
	Channel    Channel
	Reconciler Reconciler
	Typing     Typing
	Session    Session
}

// Option configures an Observer.
type Option func(*Observer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Observer) {
		if now != nil {
			o.now = now
		}
	}
}

// OnTrackingStopped registers the callback fired once when tracking halts
// because the credential was rejected.
func OnTrackingStopped(fn func(error)) Option {
	return func(o *Observer) {
		o.onStopped = fn
	}
}

// Observer serializes lifecycle events. It owns only whether tracking is on.
type Observer struct {
	deps      Deps
	runCtx    context.Context
	logger    *slog.Logger
	now       func() time.Time
	onStopped func(error)

	mu       sync.Mutex
	tracking bool
}

// New creates an observer. runCtx bounds the background loops it starts.
func New(runCtx context.Context, deps Deps, opts ...Option) *Observer {
	o := &Observer{
		deps:   deps,
		runCtx: runCtx,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "lifecycle")
	return o
}

// Tracking reports whether presence tracking is active.
func (o *Observer) Tracking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracking
}

// Handle dispatches an event.
func (o *Observer) Handle(ctx context.Context, event Event) error {
	switch event {
	case EventForeground:
		return o.Foreground(ctx)
	case EventBackground:
		o.Background(ctx)
	case EventTerminate:
		o.Terminate(ctx)
	case EventLogin:
		return o.Login(ctx)
	case EventLogout:
		o.Logout(ctx)
	default:
		return fmt.Errorf("unhandled lifecycle event %s", event)
	}
	return nil
}

// Foreground marks the user online, starts the heartbeat and push channel,
// and pulls a fresh snapshot. It is a no-op while already tracking.
func (o *Observer) Foreground(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.foregroundLocked(ctx)
}

func (o *Observer) foregroundLocked(ctx context.Context) error {
	if o.tracking {
		return nil
	}
	userID := o.deps.Session.UserID()
	if userID == "" {
		return ErrNoSession
	}

	o.logger.Info("entering foreground", "user_id", userID)
	o.deps.Store.Upsert(userID, models.StatusOnline, o.now(), false)
	o.tracking = true

	o.deps.Heartbeat.Start(o.runCtx)
	o.deps.Heartbeat.Push(ctx, models.StatusOnline)
	if err := o.deps.Channel.Connect(o.runCtx); err != nil {
		o.logger.Warn("push channel connect failed", "error", err)
	}
	if _, err := o.deps.Reconciler.FetchAll(ctx); err != nil {
		o.logger.Warn("initial reconciliation failed", "error", err)
	}
	return nil
}

// Background marks the user away, sends one final push and stops the
// heartbeat and push channel.
func (o *Observer) Background(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.tracking {
		return
	}
	o.logger.Info("entering background")
	o.finalLocked(ctx, models.StatusAway)
	o.stopLocked()
}

// Terminate publishes offline once, without retry, and stops everything.
func (o *Observer) Terminate(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Info("terminating")
	o.finalLocked(ctx, models.StatusOffline)
	o.stopLocked()
}

// Login clears any previous user's state and enters the foreground.
func (o *Observer) Login(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopLocked()
	o.deps.Heartbeat.Reset()
	o.deps.Store.Clear()
	return o.foregroundLocked(ctx)
}

// Logout publishes offline, stops everything and clears the store.
func (o *Observer) Logout(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Info("logging out")
	o.finalLocked(ctx, models.StatusOffline)
	o.stopLocked()
	o.deps.Heartbeat.Reset()
	o.deps.Store.Clear()
}

// HandleUnauthorized halts tracking after a rejected credential. It may be
// called from any component goroutine; the halt runs asynchronously.
func (o *Observer) HandleUnauthorized(err error) {
	go o.halt(err)
}

func (o *Observer) halt(err error) {
	o.mu.Lock()
	if !o.tracking {
		o.mu.Unlock()
		return
	}
	o.logger.Warn("presence tracking stopped: credential rejected", "error", err)
	o.stopLocked()
	o.mu.Unlock()

	if o.onStopped != nil {
		o.onStopped(err)
	}
}

// finalLocked records status locally and makes one best-effort push.
func (o *Observer) finalLocked(ctx context.Context, status models.Status) {
	userID := o.deps.Session.UserID()
	if userID == "" {
		return
	}
	o.deps.Store.Upsert(userID, status, o.now(), false)
	if err := o.deps.Heartbeat.Final(ctx, status); err != nil {
		o.logger.Debug("final status push failed", "status", status, "error", err)
	}
}

func (o *Observer) stopLocked() {
	o.deps.Heartbeat.Stop()
	o.deps.Channel.Disconnect()
	if o.deps.Typing != nil {
		o.deps.Typing.Reset()
	}
	o.tracking = false
}
