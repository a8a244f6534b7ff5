package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/tracker"
)

// RunTrackerStoreContract runs a suite of tests to verify that a TrackerStore
// implementation adheres to the defined interface contract.
func RunTrackerStoreContract(t *testing.T, store TrackerStore) {
	ctx := context.Background()
	conversationID := "contract-test-" + time.Now().Format("20060102150405")

	dom := domain.NewDomain([]domain.Slot{{Name: "city", Type: domain.SlotTypeText}})

	t.Run("Save and Load", func(t *testing.T) {
		tr := tracker.New(conversationID, dom)
		tr.Update(tracker.SlotSet{Key: "city", Value: "Lisbon"})

		err := store.Save(ctx, conversationID, tr.Snapshot())
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, conversationID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, conversationID, loaded.ConversationID)
		assert.Equal(t, "Lisbon", loaded.Slots["city"])
		assert.Contains(t, loaded.FilledSlots, "city")
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+conversationID)
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		err := store.Save(ctx, conversationID, tracker.New(conversationID, dom).Snapshot())
		require.NoError(t, err)

		err = store.Delete(ctx, conversationID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, conversationID)
		assert.ErrorIs(t, err, domain.ErrConversationNotFound, "Load after Delete should return ErrConversationNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := conversationID + "-1"
		id2 := conversationID + "-2"
		_ = store.Save(ctx, id1, tracker.New(id1, dom).Snapshot())
		_ = store.Save(ctx, id2, tracker.New(id2, dom).Snapshot())

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		conversations, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, conversations, id1)
		assert.Contains(t, conversations, id2)
	})
}
