package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/tracker"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu     sync.Mutex
	refs   int
	unlock ports.UnlockFunc // Function to release distributed lock (if any)
}

// Manager serializes tracker access per conversation, so one turn finishes
// before the next starts. It uses reference counting to garbage collect
// unused locks.
type Manager struct {
	store  ports.TrackerStore
	domain *domain.Domain

	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker ports.DistributedLocker // Optional distributed locker
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking for multi-replica deployments.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a conversation manager over the given store. The domain
// is used to rebuild trackers from persisted snapshots.
func NewManager(store ports.TrackerStore, dom *domain.Domain, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		domain: dom,
		locks:  make(map[string]*lockEntry),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(conversationID)
// after unlocking.
func (m *Manager) acquire(conversationID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[conversationID]
	if !exists {
		entry = &lockEntry{}
		m.locks[conversationID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[conversationID]
	if !exists {
		return // Should not happen if paired correctly
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, conversationID)
	}
}

// Load retrieves an existing conversation from the store.
func (m *Manager) Load(ctx context.Context, conversationID string) (*tracker.Tracker, error) {
	var tr *tracker.Tracker
	err := m.WithLock(ctx, conversationID, func(ctx context.Context) error {
		snap, err := m.store.Load(ctx, conversationID)
		if err != nil {
			return err
		}
		tr = tracker.FromSnapshot(snap, m.domain)
		return nil
	})
	return tr, err
}

// LoadOrStart tries to load a conversation. If not found, it initializes a
// fresh tracker and persists it to reserve the ID.
func (m *Manager) LoadOrStart(ctx context.Context, conversationID string) (*tracker.Tracker, error) {
	var tr *tracker.Tracker
	err := m.WithLock(ctx, conversationID, func(ctx context.Context) error {
		snap, err := m.store.Load(ctx, conversationID)
		if err == nil {
			tr = tracker.FromSnapshot(snap, m.domain)
			return nil
		}

		if !errors.Is(err, domain.ErrConversationNotFound) {
			return fmt.Errorf("failed to check conversation existence: %w", err)
		}

		tr = tracker.New(conversationID, m.domain)
		if err := m.store.Save(ctx, conversationID, tr.Snapshot()); err != nil {
			return fmt.Errorf("failed to initialize conversation: %w", err)
		}
		return nil
	})
	return tr, err
}

// Save persists the tracker state.
func (m *Manager) Save(ctx context.Context, conversationID string, tr *tracker.Tracker) error {
	return m.WithLock(ctx, conversationID, func(ctx context.Context) error {
		return m.store.Save(ctx, conversationID, tr.Snapshot())
	})
}

// Delete removes the conversation from the store.
func (m *Manager) Delete(ctx context.Context, conversationID string) error {
	return m.WithLock(ctx, conversationID, func(ctx context.Context) error {
		return m.store.Delete(ctx, conversationID)
	})
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Store returns the underlying tracker store.
func (m *Manager) Store() ports.TrackerStore {
	return m.store
}

// WithLock executes a function while holding the lock for the conversation.
func (m *Manager) WithLock(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	entry := m.acquire(conversationID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(conversationID)
	}()

	// Distributed Locking
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, conversationID, 30*time.Second)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"conversation_id", conversationID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
