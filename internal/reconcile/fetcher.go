// Package reconcile pulls authoritative presence state from the server and
// uses each successful pull as the moment to retry a pending status update.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/presence/internal/api"
	"github.com/haasonsaas/presence/internal/store"
	"github.com/haasonsaas/presence/pkg/models"
)

const (
	KindAll = "all"
	KindOne = "one"
)

// Client fetches presence from the server.
type Client interface {
	FetchPresences(ctx context.Context, userIDs []string) ([]models.Presence, error)
	FetchPresence(ctx context.Context, userID string) (models.Presence, error)
}

// PendingFlusher pushes the pending status update, if any, once.
type PendingFlusher interface {
	FlushPending(ctx context.Context) (bool, error)
}

// ResultFunc observes fetch outcomes for metrics. On success it runs after
// the snapshot is applied.
type ResultFunc func(kind string, err error)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithResultFunc registers a fetch outcome observer.
func WithResultFunc(fn ResultFunc) Option {
	return func(f *Fetcher) {
		f.onResult = fn
	}
}

// OnUnauthorized registers the callback for rejected credentials.
func OnUnauthorized(fn func(error)) Option {
	return func(f *Fetcher) {
		f.onUnauthorized = fn
	}
}

// Fetcher reconciles the store with the server.
type Fetcher struct {
	client         Client
	store          *store.Store
	pending        PendingFlusher
	logger         *slog.Logger
	onResult       ResultFunc
	onUnauthorized func(error)

	flushMu sync.Mutex
}

// New creates a fetcher. pending may be nil when no status is ever pushed.
func New(client Client, st *store.Store, pending PendingFlusher, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  client,
		store:   st,
		pending: pending,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "reconcile")
	return f
}

// FetchAll pulls every known presence and writes each into the store
// unconditionally. It returns the number of records applied.
func (f *Fetcher) FetchAll(ctx context.Context) (int, error) {
	return f.Fetch(ctx, nil)
}

// Fetch pulls presence for userIDs (all users when empty) and applies it as
// an authoritative snapshot.
func (f *Fetcher) Fetch(ctx context.Context, userIDs []string) (int, error) {
	records, err := f.client.FetchPresences(ctx, userIDs)
	if err != nil {
		f.report(KindAll, err)
		return 0, f.fail("presence fetch failed", err)
	}

	applied := f.store.ApplySnapshot(records)
	f.report(KindAll, nil)
	f.logger.Debug("applied presence snapshot", "count", applied)
	f.flushPending(ctx)
	return applied, nil
}

// FetchOne refreshes a single user and returns the stored record.
func (f *Fetcher) FetchOne(ctx context.Context, userID string) (models.Presence, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Presence{}, errors.New("user id is required")
	}

	record, err := f.client.FetchPresence(ctx, userID)
	if err != nil {
		f.report(KindOne, err)
		return models.Presence{}, f.fail("single presence fetch failed", err)
	}
	if record.UserID == "" {
		record.UserID = userID
	}

	f.store.ApplySnapshot([]models.Presence{record})
	f.report(KindOne, nil)
	f.flushPending(ctx)

	stored, _ := f.store.Get(record.UserID)
	return stored, nil
}

// flushPending retries the pending update at most once per successful fetch.
func (f *Fetcher) flushPending(ctx context.Context) {
	if f.pending == nil {
		return
	}
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	attempted, err := f.pending.FlushPending(ctx)
	switch {
	case !attempted:
	case err != nil:
		f.logger.Warn("pending status retry failed; keeping it", "error", err)
	default:
		f.logger.Info("pending status delivered after reconciliation")
	}
}

func (f *Fetcher) fail(msg string, err error) error {
	f.logger.Warn(msg, "error", err)
	if api.IsUnauthorized(err) && f.onUnauthorized != nil {
		f.onUnauthorized(err)
	}
	return err
}

func (f *Fetcher) report(kind string, err error) {
	if f.onResult != nil {
		f.onResult(kind, err)
	}
}
