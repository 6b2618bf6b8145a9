// Package presence assembles the presence components into a single Service.
//
// The Service owns one Store and wires the heartbeat, push channel, typing
// publisher and reconciler to it. Lifecycle events are fed in through Handle;
// everything else reads presence from Store.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/presence/internal/api"
	"github.com/haasonsaas/presence/internal/config"
	"github.com/haasonsaas/presence/internal/heartbeat"
	"github.com/haasonsaas/presence/internal/identity"
	"github.com/haasonsaas/presence/internal/lifecycle"
	"github.com/haasonsaas/presence/internal/observability"
	"github.com/haasonsaas/presence/internal/realtime"
	"github.com/haasonsaas/presence/internal/reconcile"
	"github.com/haasonsaas/presence/internal/store"
	"github.com/haasonsaas/presence/internal/typing"
	"github.com/haasonsaas/presence/pkg/models"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("presence: service closed")

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the root logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records component activity into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for outbound requests.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithTransport sets the HTTP transport beneath the bearer-token layer.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Service) {
		s.transport = rt
	}
}

// WithSession replaces the session built from the auth config.
func WithSession(session *identity.Source) Option {
	return func(s *Service) {
		s.session = session
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer realtime.Dialer) Option {
	return func(s *Service) {
		s.dialer = dialer
	}
}

// OnTrackingStopped registers a callback fired when a rejected credential
// stops tracking. It is the only presence failure surfaced to the caller.
func OnTrackingStopped(fn func(error)) Option {
	return func(s *Service) {
		s.onStopped = fn
	}
}

// Service is the presence subsystem for one signed-in device.
type Service struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	transport http.RoundTripper
	dialer    realtime.Dialer
	onStopped func(error)

	store      *store.Store
	session    *identity.Source
	client     *api.Client
	heartbeat  *heartbeat.Scheduler
	channel    *realtime.Manager
	dispatcher *realtime.Dispatcher
	typing     *typing.Publisher
	reconciler *reconcile.Fetcher
	observer   *lifecycle.Observer

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Loops started by lifecycle events run under runCtx, not the event's ctx.
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	if s.session == nil {
		session, err := newSession(cfg.Auth, s.logger)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		s.session = session
	}

	s.store = store.New(store.WithTypingTTL(cfg.Typing.RemoteTTL))

	var reqObserver api.RequestObserver
	if s.metrics != nil {
		reqObserver = s.metrics
	}
	client, err := api.NewClient(api.Config{
		BaseURL:   cfg.Server.BaseURL,
		Tokens:    s.session,
		DeviceID:  s.session.DeviceID(),
		Timeout:   cfg.Server.RequestTimeout,
		Transport: s.transport,
		Tracer:    s.tracer,
		Observer:  reqObserver,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.client = client

	s.heartbeat = heartbeat.New(heartbeat.Config{
		Interval:     cfg.Heartbeat.Interval,
		MinInterval:  cfg.Heartbeat.MinInterval,
		FinalTimeout: cfg.Heartbeat.FinalTimeout,
	}, client, s.store, s.session.UserID,
		heartbeat.WithLogger(s.logger),
		heartbeat.WithEventFunc(s.heartbeatEvent),
		heartbeat.OnUnauthorized(s.unauthorized),
	)

	if s.dialer == nil {
		s.dialer = &realtime.WebSocketDialer{
			URL:              cfg.Server.WebSocketURL,
			Tokens:           s.session,
			DeviceID:         s.session.DeviceID(),
			HandshakeTimeout: cfg.Channel.HandshakeTimeout,
		}
	}
	var chObserver realtime.Observer
	if s.metrics != nil {
		chObserver = s.metrics
	}
	s.channel = realtime.NewManager(realtime.ManagerConfig{
		Backoff:   cfg.Channel.Backoff,
		InboxSize: cfg.Channel.InboxSize,
	}, s.dialer, s.session,
		realtime.WithLogger(s.logger),
		realtime.WithObserver(chObserver),
		realtime.OnStateChange(s.channelStateChanged),
		realtime.OnUnauthorized(s.unauthorized),
	)
	s.dispatcher = realtime.NewDispatcher(s.store, s.logger, chObserver)

	s.typing = typing.NewPublisher(typing.Config{
		IdleTimeout: cfg.Typing.IdleTimeout,
		SendTimeout: cfg.Typing.SendTimeout,
	}, client,
		typing.WithLogger(s.logger),
		typing.WithResultFunc(s.typingResult),
		typing.OnUnauthorized(s.unauthorized),
	)

	s.reconciler = reconcile.New(client, s.store, s.heartbeat,
		reconcile.WithLogger(s.logger),
		reconcile.WithResultFunc(s.fetchResult),
		reconcile.OnUnauthorized(s.unauthorized),
	)

	s.observer = lifecycle.New(s.runCtx, lifecycle.Deps{
		Store:      s.store,
		Heartbeat:  s.heartbeat,
		Channel:    s.channel,
		Reconciler: s.reconciler,
		Typing:     s.typing,
		Session:    s.session,
	},
		lifecycle.WithLogger(s.logger),
		lifecycle.OnTrackingStopped(s.trackingStopped),
	)
	return s, nil
}

func newSession(cfg config.AuthConfig, logger *slog.Logger) (*identity.Source, error) {
	opts := []identity.Option{
		identity.WithUserID(cfg.UserID),
		identity.WithDeviceID(cfg.DeviceID),
		identity.WithLogger(logger),
	}
	if cfg.TokenFile != "" {
		return identity.NewFile(cfg.TokenFile, opts...)
	}
	return identity.NewStatic(cfg.Token, opts...)
}

// Start launches the inbound dispatcher, the token watcher and store
// maintenance. Tracking itself begins with a Login or Foreground event.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	// Components built in New hold s.runCtx; cancel it from ctx too.
	runCtx := s.runCtx
	stop := context.AfterFunc(ctx, s.cancel)

	if s.cfg.Auth.WatchEnabled() {
		if err := s.session.Watch(runCtx); err != nil {
			s.logger.Warn("token file watch unavailable", "error", err)
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(runCtx, s.channel.Messages())
	}()
	go func() {
		defer s.wg.Done()
		defer stop()
		s.maintain(runCtx)
	}()
	return nil
}

// maintain expires remote typing indicators and refreshes the store gauge.
func (s *Service) maintain(ctx context.Context) {
	interval := s.cfg.Typing.RemoteTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.PruneTyping(); n > 0 {
				s.logger.Debug("expired remote typing indicators", "count", n)
			}
			s.recordStoreSize()
		}
	}
}

// Close stops every component. It does not publish a final status; send
// EventTerminate first for that.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.channel.Disconnect()
	s.heartbeat.Stop()
	s.typing.Close()
	err := s.session.Close()
	s.wg.Wait()
	return err
}

// Handle feeds a lifecycle event to the observer.
func (s *Service) Handle(ctx context.Context, event lifecycle.Event) error {
	s.logger.Debug("lifecycle event", "event", event.String())
	return s.observer.Handle(ctx, event)
}

// Tracking reports whether presence tracking is active.
func (s *Service) Tracking() bool {
	return s.observer.Tracking()
}

// Connected reports whether the push channel is connected.
func (s *Service) Connected() bool {
	return s.channel.IsConnected()
}

// Store returns the presence store.
func (s *Service) Store() *store.Store {
	return s.store
}

// Session returns the credential source.
func (s *Service) Session() *identity.Source {
	return s.session
}

// Presence returns the locally known presence of userID.
func (s *Service) Presence(userID string) (models.Presence, bool) {
	return s.store.Get(userID)
}

// Refresh pulls presence from the server. With no ids it fetches everyone
// visible to the user.
func (s *Service) Refresh(ctx context.Context, userIDs ...string) (int, error) {
	if len(userIDs) == 0 {
		return s.reconciler.FetchAll(ctx)
	}
	return s.reconciler.Fetch(ctx, userIDs)
}

// Lookup fetches a single user's presence from the server.
func (s *Service) Lookup(ctx context.Context, userID string) (models.Presence, error) {
	return s.reconciler.FetchOne(ctx, userID)
}

// SetTyping sends one typing update for conversationID.
func (s *Service) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return s.typing.SetTyping(ctx, conversationID, isTyping)
}

// Keystroke records local typing activity in conversationID.
func (s *Service) Keystroke(conversationID string) {
	s.typing.Keystroke(conversationID)
}

// StopTyping ends a keystroke burst immediately.
func (s *Service) StopTyping(conversationID string) {
	s.typing.Stop(conversationID)
}

// PendingStatus returns the status awaiting transmission, if any.
func (s *Service) PendingStatus() (models.Status, bool) {
	return s.heartbeat.Pending()
}

func (s *Service) unauthorized(err error) {
	s.observer.HandleUnauthorized(err)
}

func (s *Service) trackingStopped(err error) {
	if s.metrics != nil {
		s.metrics.TrackingStopped.Inc()
	}
	if s.onStopped != nil {
		s.onStopped(err)
	}
}

// channelStateChanged runs on the connection goroutine, so reconciliation
// is started separately.
func (s *Service) channelStateChanged(connected bool) {
	if !connected {
		return
	}
	go func() {
		if _, err := s.reconciler.FetchAll(s.runCtx); err != nil {
			s.logger.Debug("reconciliation after reconnect failed", "error", err)
		}
	}()
}

func (s *Service) heartbeatEvent(event heartbeat.Event) {
	if s.metrics == nil || event.Outcome == "" {
		return
	}
	s.metrics.HeartbeatPush(event.Type, string(event.Outcome))
}

func (s *Service) fetchResult(kind string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordFetch(kind, api.Outcome(err))
	s.recordStoreSize()
}

func (s *Service) typingResult(isTyping bool, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordTyping(isTyping, api.Outcome(err))
}

func (s *Service) recordStoreSize() {
	if s.metrics != nil {
		s.metrics.SetStoreRecords(s.store.Len())
	}
}
