package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Source holds the current session. It is safe for concurrent use and
// implements oauth2.TokenSource.
type Source struct {
	mu       sync.RWMutex
	session  *Session
	userID   string
	path     string
	deviceID string
	onChange func(Session)

	now      func() time.Time
	logger   *slog.Logger
	debounce time.Duration

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// Option configures a Source.
type Option func(*Source)

// WithUserID sets the user id used when the token carries no subject.
func WithUserID(id string) Option {
	return func(s *Source) {
		s.userID = strings.TrimSpace(id)
	}
}

// WithDeviceID pins the device id instead of generating one.
func WithDeviceID(id string) Option {
	return func(s *Source) {
		if id = strings.TrimSpace(id); id != "" {
			s.deviceID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWatchDebounce sets how long file events are coalesced before a reload.
func WithWatchDebounce(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// OnChange registers a callback invoked after a reload replaces the session.
func OnChange(fn func(Session)) Option {
	return func(s *Source) {
		s.onChange = fn
	}
}

func newSource(opts ...Option) *Source {
	s := &Source{
		deviceID: uuid.NewString(),
		now:      time.Now,
		logger:   slog.Default(),
		debounce: defaultWatchDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "identity")
	return s
}

// NewStatic creates a source from a fixed bearer token.
func NewStatic(token string, opts ...Option) (*Source, error) {
	s := newSource(opts...)
	if err := s.Set(token); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFile creates a source that reads its bearer token from path. Call Watch
// to pick up rotated credentials.
func NewFile(path string, opts ...Option) (*Source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("token file path is required")
	}
	s := newSource(opts...)
	s.path = filepath.Clean(path)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the session with one built from token.
func (s *Source) Set(token string) error {
	session, err := ParseToken(token)
	if err != nil {
		return err
	}
	if session.UserID == "" {
		session.UserID = s.userID
	}
	if session.UserID == "" {
		return errors.New("bearer token has no subject and no user id is configured")
	}

	s.mu.Lock()
	s.session = &session
	s.mu.Unlock()
	return nil
}

// Reload re-reads the token file. Static sources are unchanged.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	return s.Set(string(data))
}

// Invalidate drops the session; subsequent calls report ErrNoSession.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}

// Current returns the active session.
func (s *Source) Current() (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return Session{}, ErrNoSession
	}
	if s.session.Expired(s.now()) {
		return Session{}, ErrSessionExpired
	}
	return *s.session, nil
}

// UserID returns the current user id, or "" without a valid session.
func (s *Source) UserID() string {
	session, err := s.Current()
	if err != nil {
		return ""
	}
	return session.UserID
}

// Valid reports whether a usable session exists.
func (s *Source) Valid() bool {
	_, err := s.Current()
	return err == nil
}

// DeviceID identifies this process to the server.
func (s *Source) DeviceID() string {
	return s.deviceID
}

// Token implements oauth2.TokenSource.
func (s *Source) Token() (*oauth2.Token, error) {
	session, err := s.Current()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		Expiry:      session.ExpiresAt,
	}, nil
}

// Watch reloads the token file whenever it changes. It is a no-op for
// static sources and when already watching.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so atomic rename-into-place is observed.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch token dir: %w", err)
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops any active watcher.
func (s *Source) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}

func (s *Source) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, s.reloadAndNotify)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token watch error", "error", err)
		}
	}
}

func (s *Source) reloadAndNotify() {
	if err := s.Reload(); err != nil {
		s.logger.Warn("token reload failed", "error", err)
		return
	}
	session, err := s.Current()
	if err != nil {
		s.logger.Warn("reloaded token is not usable", "error", err)
		return
	}
	s.logger.Info("bearer token reloaded", "user_id", session.UserID)
	if s.onChange != nil {
		s.onChange(session)
	}
}
