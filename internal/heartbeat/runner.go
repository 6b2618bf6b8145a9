// Package heartbeat periodically pushes the local user's status to the
// server and owns the single pending status update.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/presence/internal/api"
	"github.com/haasonsaas/presence/internal/ratelimit"
	"github.com/haasonsaas/presence/internal/store"
	"github.com/haasonsaas/presence/pkg/models"
)

const (
	// DefaultInterval is the spacing between scheduled pushes.
	DefaultInterval = 30 * time.Second
	// DefaultFinalTimeout bounds a best-effort final push.
	DefaultFinalTimeout = 5 * time.Second
)

// Config configures the scheduler.
type Config struct {
	Interval     time.Duration
	MinInterval  time.Duration
	FinalTimeout time.Duration
}

// DefaultConfig returns the standard heartbeat timings.
func DefaultConfig() Config {
	return Config{
		Interval:     DefaultInterval,
		MinInterval:  ratelimit.DefaultMinInterval,
		FinalTimeout: DefaultFinalTimeout,
	}
}

// Outcome describes what happened to a push request.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeCoalesced    Outcome = "coalesced"
	OutcomePending      Outcome = "pending"
	OutcomeFailed       Outcome = "failed"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeSkipped      Outcome = "skipped"
)

// Event represents something the scheduler did.
type Event struct {
	Type      string        `json:"type"` // "start", "tick", "push", "final", "flush", "stop"
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"runId,omitempty"`
	Status    models.Status `json:"status,omitempty"`
	Outcome   Outcome       `json:"outcome,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// EventFunc is called when scheduler events occur.
type EventFunc func(event Event)

// Pusher sends the local user's status.
type Pusher interface {
	PushStatus(ctx context.Context, status models.Status) (models.Presence, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventFunc registers an event observer.
func WithEventFunc(fn EventFunc) Option {
	return func(s *Scheduler) {
		s.onEvent = fn
	}
}

// WithGate replaces the rate-limit gate.
func WithGate(gate *ratelimit.Gate) Option {
	return func(s *Scheduler) {
		if gate != nil {
			s.gate = gate
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// OnUnauthorized registers the callback run after the scheduler stops
// itself because the server rejected the credential.
func OnUnauthorized(fn func(error)) Option {
	return func(s *Scheduler) {
		s.onUnauthorized = fn
	}
}

// Scheduler pushes the local status on an interval, subject to a minimum
// spacing between calls. Pushes that cannot go out are kept as the pending
// update until a push of the latest status succeeds.
type Scheduler struct {
	cfg            Config
	pusher         Pusher
	store          *store.Store
	userID         func() string
	gate           *ratelimit.Gate
	logger         *slog.Logger
	onEvent        EventFunc
	onUnauthorized func(error)
	now            func() time.Time

	mu      sync.Mutex
	running bool
	runID   string
	stopCh  chan struct{}
	doneCh  chan struct{}

	stateMu     sync.Mutex
	current     models.Status
	pending     models.Status
	hasPending  bool
	lastSuccess time.Time
}

// New creates a scheduler. userID supplies the local user id used when the
// server response omits it.
func New(cfg Config, pusher Pusher, st *store.Store, userID func() string, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = DefaultFinalTimeout
	}
	if userID == nil {
		userID = func() string { return "" }
	}
	s := &Scheduler{
		cfg:    cfg,
		pusher: pusher,
		store:  st,
		userID: userID,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = ratelimit.NewGate(cfg.MinInterval, ratelimit.WithNow(s.now))
	}
	s.logger = s.logger.With("component", "heartbeat")
	return s
}

// Start begins scheduled pushes. Calling Start while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runID = uuid.New().String()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	runID := s.runID
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.emit(Event{Type: "start", RunID: runID})
	go s.run(ctx, runID, stopCh, doneCh)
}

func (s *Scheduler) run(ctx context.Context, runID string, stopCh, doneCh chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	var authErr error
	defer func() {
		ticker.Stop()
		s.mu.Lock()
		s.running = false
		close(doneCh)
		s.mu.Unlock()

		if authErr != nil && s.onUnauthorized != nil {
			s.onUnauthorized(authErr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.emit(Event{Type: "stop", RunID: runID, Error: ctx.Err().Error()})
			return
		case <-stopCh:
			s.emit(Event{Type: "stop", RunID: runID})
			return
		case <-ticker.C:
			if outcome, err := s.tick(ctx, runID); outcome == OutcomeUnauthorized {
				s.logger.Warn("heartbeat stopped: credential rejected", "error", err)
				authErr = err
				s.emit(Event{Type: "stop", RunID: runID, Outcome: outcome})
				return
			}
		}
	}
}

// Stop halts scheduled pushes. It does not cancel an in-flight push.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether scheduled pushes are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Push sends status now if the minimum interval allows, otherwise keeps it
// as the pending update. An auth failure stops the scheduler and fires the
// unauthorized callback.
func (s *Scheduler) Push(ctx context.Context, status models.Status) Outcome {
	s.setCurrent(status)
	outcome, err := s.push(ctx, status)
	s.emit(Event{Type: "push", Status: status, Outcome: outcome, Error: errString(err)})
	if outcome == OutcomeUnauthorized {
		s.halt(err)
	}
	return outcome
}

// Final makes one best-effort push that bypasses the rate limit and never
// creates a pending update. Used on background, termination and logout.
func (s *Scheduler) Final(ctx context.Context, status models.Status) error {
	s.setCurrent(status)
	s.gate.Mark()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FinalTimeout)
	defer cancel()

	err := s.send(ctx, status)
	outcome := OutcomeSent
	if err != nil {
		outcome = classify(err)
		s.logger.Debug("final status push failed", "status", status, "error", err)
	}
	s.emit(Event{Type: "final", Status: status, Outcome: outcome, Error: errString(err)})
	return err
}

// FlushPending pushes the pending update, if any, exactly once. It reports
// whether a push was attempted. The pending update is kept on failure.
func (s *Scheduler) FlushPending(ctx context.Context) (bool, error) {
	status, ok := s.Pending()
	if !ok {
		return false, nil
	}
	s.gate.Mark()

	err := s.send(ctx, status)
	outcome := OutcomeSent
	if err != nil {
		outcome = classify(err)
		s.logger.Warn("pending status flush failed", "status", status, "error", err)
	}
	s.emit(Event{Type: "flush", Status: status, Outcome: outcome, Error: errString(err)})
	if outcome == OutcomeUnauthorized {
		s.halt(err)
	}
	return true, err
}

// Pending returns the status awaiting transmission.
func (s *Scheduler) Pending() (models.Status, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.pending, s.hasPending
}

// LastSuccess returns when a push last succeeded.
func (s *Scheduler) LastSuccess() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastSuccess
}

// Reset forgets the current and pending status. Used on logout.
func (s *Scheduler) Reset() {
	s.stateMu.Lock()
	s.current = ""
	s.pending = ""
	s.hasPending = false
	s.stateMu.Unlock()
	s.gate.Reset()
}

func (s *Scheduler) tick(ctx context.Context, runID string) (Outcome, error) {
	s.stateMu.Lock()
	status := s.current
	if s.hasPending {
		status = s.pending
	}
	s.stateMu.Unlock()

	if status == "" {
		s.emit(Event{Type: "tick", RunID: runID, Outcome: OutcomeSkipped})
		return OutcomeSkipped, nil
	}
	outcome, err := s.push(ctx, status)
	s.emit(Event{Type: "tick", RunID: runID, Status: status, Outcome: outcome, Error: errString(err)})
	return outcome, err
}

func (s *Scheduler) push(ctx context.Context, status models.Status) (Outcome, error) {
	if !s.gate.Allow() {
		s.setPending(status)
		s.logger.Debug("status push coalesced", "status", status, "wait", s.gate.WaitTime())
		return OutcomeCoalesced, nil
	}

	err := s.send(ctx, status)
	if err == nil {
		return OutcomeSent, nil
	}
	outcome := classify(err)
	switch outcome {
	case OutcomePending:
		s.setPending(status)
		s.logger.Warn("status push failed, keeping as pending", "status", status, "error", err)
	case OutcomeFailed:
		s.logger.Warn("status push rejected", "status", status, "error", err)
	}
	return outcome, err
}

func (s *Scheduler) send(ctx context.Context, status models.Status) error {
	confirmed, err := s.pusher.PushStatus(ctx, status)
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	s.lastSuccess = s.now()
	if s.hasPending && (status == s.current || status == s.pending) {
		s.pending = ""
		s.hasPending = false
	}
	s.stateMu.Unlock()

	if s.store != nil {
		userID := confirmed.UserID
		if userID == "" {
			userID = s.userID()
		}
		confirmedStatus := confirmed.Status
		if !confirmedStatus.Valid() {
			confirmedStatus = status
		}
		lastSeen := confirmed.LastSeen
		if lastSeen.IsZero() {
			lastSeen = s.now()
		}
		s.store.Upsert(userID, confirmedStatus, lastSeen, false)
	}
	return nil
}

func (s *Scheduler) halt(err error) {
	s.Stop()
	if s.onUnauthorized != nil {
		s.onUnauthorized(err)
	}
}

// setCurrent records the latest local status. A pending update is
// replaced by it, so an older status is never re-announced.
func (s *Scheduler) setCurrent(status models.Status) {
	s.stateMu.Lock()
	s.current = status
	if s.hasPending {
		s.pending = status
	}
	s.stateMu.Unlock()
}

// setPending supersedes any earlier pending update.
func (s *Scheduler) setPending(status models.Status) {
	s.stateMu.Lock()
	s.pending = status
	s.hasPending = true
	s.stateMu.Unlock()
}

func (s *Scheduler) emit(event Event) {
	if s.onEvent == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.onEvent(event)
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSent
	case api.IsUnauthorized(err):
		return OutcomeUnauthorized
	case api.IsTransient(err):
		return OutcomePending
	default:
		return OutcomeFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
