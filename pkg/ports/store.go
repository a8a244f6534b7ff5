package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/tracker"
)

// TrackerStore defines the interface for persisting conversation state.
// Each conversation's turns must be serialized by the caller; the store
// itself only guarantees atomicity per call.
type TrackerStore interface {
	// Save persists the snapshot for a given conversation ID.
	Save(ctx context.Context, conversationID string, snap *tracker.Snapshot) error

	// Load retrieves the snapshot for a given conversation ID.
	// Returns domain.ErrConversationNotFound if the conversation does not exist.
	Load(ctx context.Context, conversationID string) (*tracker.Snapshot, error)

	// Delete removes the state for a given conversation ID.
	Delete(ctx context.Context, conversationID string) error

	// List returns the IDs of all stored conversations.
	List(ctx context.Context) ([]string, error)
}
