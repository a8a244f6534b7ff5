// Package memory provides an in-memory tracker store, suited to tests and
// single-process deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/tracker"
)

// Store implements ports.TrackerStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

// Save persists the snapshot in memory. Snapshots are stored serialized, so
// callers cannot mutate stored state through retained pointers and values
// round-trip exactly as they would through an external store.
func (s *Store) Save(ctx context.Context, conversationID string, snap *tracker.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[conversationID] = data
	return nil
}

// Load retrieves the snapshot from memory.
func (s *Store) Load(ctx context.Context, conversationID string) (*tracker.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}

	var snap tracker.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, conversationID)
	return nil
}

// List returns stored conversation ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversations := make([]string, 0, len(s.data))
	for id := range s.data {
		conversations = append(conversations, id)
	}
	return conversations, nil
}
