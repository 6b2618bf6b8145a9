// Package typing publishes the local user's typing state per conversation.
//
// A burst of keystrokes produces one "typing" update when it starts and one
// "stopped" update after the idle window passes with no further keystrokes.
// Updates are best effort: failures are logged and never retried.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/presence/internal/api"
)

const (
	// DefaultIdleTimeout is how long after the last keystroke "stopped" is sent.
	DefaultIdleTimeout = 3 * time.Second
	// DefaultSendTimeout bounds each outbound update.
	DefaultSendTimeout = 5 * time.Second

	queueSize = 64
)

// Sender delivers typing updates to the server.
type Sender interface {
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Config configures a Publisher.
type Config struct {
	IdleTimeout time.Duration
	SendTimeout time.Duration
}

// ResultFunc observes the outcome of each send.
type ResultFunc func(isTyping bool, err error)

type update struct {
	conversationID string
	isTyping       bool
}

// Publisher debounces keystrokes into typing updates.
//
// Keystroke-driven updates go through a single worker so they reach the
// server in the order they were produced.
type Publisher struct {
	sender         Sender
	idleTimeout    time.Duration
	sendTimeout    time.Duration
	logger         *slog.Logger
	onResult       ResultFunc
	onUnauthorized func(error)

	mu     sync.Mutex
	bursts map[string]*time.Timer
	sealed bool

	queue  chan update
	doneCh chan struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithResultFunc registers a per-send observer.
func WithResultFunc(fn ResultFunc) Option {
	return func(p *Publisher) {
		p.onResult = fn
	}
}

// OnUnauthorized registers the callback for rejected credentials.
func OnUnauthorized(fn func(error)) Option {
	return func(p *Publisher) {
		p.onUnauthorized = fn
	}
}

// NewPublisher creates a publisher and starts its send worker.
func NewPublisher(cfg Config, sender Sender, opts ...Option) *Publisher {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	p := &Publisher{
		sender:      sender,
		idleTimeout: cfg.IdleTimeout,
		sendTimeout: cfg.SendTimeout,
		logger:      slog.Default(),
		bursts:      make(map[string]*time.Timer),
		queue:       make(chan update, queueSize),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "typing")
	go p.run()
	return p
}

// SetTyping sends one typing update immediately, bypassing the debounce.
func (p *Publisher) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if conversationID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	return p.send(ctx, conversationID, isTyping)
}

// Keystroke records activity in a conversation. The first keystroke of a
// burst sends "typing"; "stopped" follows once the idle window elapses.
func (p *Publisher) Keystroke(conversationID string) {
	if conversationID == "" {
		return
	}

	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return
	}
	if timer, ok := p.bursts[conversationID]; ok {
		timer.Stop()
		p.bursts[conversationID] = p.idleTimerLocked(conversationID)
		p.mu.Unlock()
		return
	}
	p.bursts[conversationID] = p.idleTimerLocked(conversationID)
	p.enqueueLocked(update{conversationID: conversationID, isTyping: true})
	p.mu.Unlock()
}

// Stop ends a burst early, e.g. when the message is sent.
func (p *Publisher) Stop(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	timer, ok := p.bursts[conversationID]
	if !ok {
		return
	}
	timer.Stop()
	delete(p.bursts, conversationID)
	p.enqueueLocked(update{conversationID: conversationID, isTyping: false})
}

// Active reports whether a burst is in progress for the conversation.
func (p *Publisher) Active(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bursts[conversationID]
	return ok
}

// Reset cancels every burst without sending anything. Used when tracking stops.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, timer := range p.bursts {
		timer.Stop()
		delete(p.bursts, id)
	}
}

// Close cancels all bursts, seals the publisher and waits for queued sends.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return
	}
	p.sealed = true
	for id, timer := range p.bursts {
		timer.Stop()
		delete(p.bursts, id)
	}
	close(p.queue)
	p.mu.Unlock()

	<-p.doneCh
}

func (p *Publisher) idleTimerLocked(conversationID string) *time.Timer {
	var timer *time.Timer
	timer = time.AfterFunc(p.idleTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// A newer keystroke may have replaced this timer.
		if current, ok := p.bursts[conversationID]; !ok || current != timer {
			return
		}
		delete(p.bursts, conversationID)
		p.enqueueLocked(update{conversationID: conversationID, isTyping: false})
	})
	return timer
}

func (p *Publisher) enqueueLocked(u update) {
	if p.sealed {
		return
	}
	select {
	case p.queue <- u:
	default:
		p.logger.Warn("typing queue full, dropping update",
			"conversation_id", u.conversationID,
			"is_typing", u.isTyping,
		)
	}
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	for u := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
		_ = p.send(ctx, u.conversationID, u.isTyping)
		cancel()
	}
}

func (p *Publisher) send(ctx context.Context, conversationID string, isTyping bool) error {
	err := p.sender.SendTyping(ctx, conversationID, isTyping)
	if p.onResult != nil {
		p.onResult(isTyping, err)
	}
	if err == nil {
		return nil
	}
	p.logger.Debug("typing update failed",
		"conversation_id", conversationID,
		"is_typing", isTyping,
		"error", err,
	)
	if api.IsUnauthorized(err) && p.onUnauthorized != nil {
		p.onUnauthorized(err)
	}
	return err
}
