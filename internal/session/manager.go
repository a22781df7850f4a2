package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/query/duckdb"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
	ErrManagerClosed   = errors.New("session manager closed")
)

// sweepDivisor sets the janitor period as a fraction of the TTL.
const sweepDivisor = 4

// StoreOpener creates the private database of a new session.
type StoreOpener func(ctx context.Context) (*duckdb.Store, error)

type ManagerConfig struct {
	TTL         time.Duration
	MaxSessions int
	OpenStore   StoreOpener
	Logger      *slog.Logger
	Now         func() time.Time
}

type Manager struct {
	ttl         time.Duration
	maxSessions int
	openStore   StoreOpener
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("session ttl must be > 0")
	}
	if cfg.OpenStore == nil {
		return nil, fmt.Errorf("store opener is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.DiscardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		ttl:         cfg.TTL,
		maxSessions: cfg.MaxSessions,
		openStore:   cfg.OpenStore,
		logger:      cfg.Logger,
		now:         cfg.Now,
		sessions:    map[string]*Session{},
	}, nil
}

// Create opens a new session bound to provider and gateway.
func (m *Manager) Create(ctx context.Context, provider nl2sql.ProviderConfig, gateway *nl2sql.Gateway) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.mu.Unlock()

	store, err := m.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	now := m.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		store:     store,
		lastSeen:  now,
		provider:  provider,
		gateway:   gateway,
	}

	m.mu.Lock()
	if m.closed || (m.maxSessions > 0 && len(m.sessions) >= m.maxSessions) {
		closed := m.closed
		m.mu.Unlock()
		_ = store.Close()
		if closed {
			return nil, ErrManagerClosed
		}
		return nil, ErrTooManySessions
	}
	m.sessions[sess.ID] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	m.logger.InfoContext(ctx, "session created", slog.String("session_id", sess.ID), slog.Int("active", count))
	return sess, nil
}

// Get returns the session and marks it as used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	sess.touch(m.now().UTC())
	return sess, nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	observability.SetActiveSessions(count)
	return sess.store.Close()
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than the TTL and returns how many
// were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().UTC().Add(-m.ttl)
	expired := make([]*Session, 0)

	m.mu.Lock()
	for id, sess := range m.sessions {
		if sess.idleSince().Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, sess := range expired {
		if err := sess.store.Close(); err != nil {
			m.logger.Warn("close expired session store", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		}
	}
	if len(expired) > 0 {
		observability.SetActiveSessions(count)
		m.logger.Info("expired idle sessions", slog.Int("expired", len(expired)), slog.Int("active", count))
	}
	return len(expired)
}

// Run sweeps expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.ttl / sweepDivisor
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close drops every session and refuses new ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	observability.SetActiveSessions(0)
	return errors.Join(errs...)
}
