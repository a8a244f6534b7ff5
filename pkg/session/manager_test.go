package session_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/espalier/internal/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/session"
	"github.com/aretw0/espalier/pkg/tracker"
)

func testDomain() *domain.Domain {
	return domain.NewDomain([]domain.Slot{{Name: "city", InitialValue: "Lisbon"}})
}

func TestLoadOrStartCreatesConversation(t *testing.T) {
	store := memory.NewStore()
	m := session.NewManager(store, testDomain())
	ctx := context.Background()

	tr, err := m.LoadOrStart(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tr.ConversationID())
	assert.Equal(t, "Lisbon", tr.GetSlot("city"))

	// the id is reserved in the store immediately
	_, err = store.Load(ctx, "fresh")
	assert.NoError(t, err)
}

func TestLoadOrStartResumesConversation(t *testing.T) {
	store := memory.NewStore()
	m := session.NewManager(store, testDomain())
	ctx := context.Background()

	tr, err := m.LoadOrStart(ctx, "resume")
	require.NoError(t, err)
	tr.Update(tracker.SlotSet{Key: "city", Value: "Porto"})
	require.NoError(t, m.Save(ctx, "resume", tr))

	resumed, err := m.LoadOrStart(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, "Porto", resumed.GetSlot("city"))
	assert.True(t, resumed.FilledSlots()["city"])
}

func TestLoadMissingConversation(t *testing.T) {
	m := session.NewManager(memory.NewStore(), nil)
	_, err := m.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestDelete(t *testing.T) {
	store := memory.NewStore()
	m := session.NewManager(store, nil)
	ctx := context.Background()

	_, err := m.LoadOrStart(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "gone"))

	_, err = m.Load(ctx, "gone")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestList(t *testing.T) {
	m := session.NewManager(memory.NewStore(), nil)
	ctx := context.Background()

	_, err := m.LoadOrStart(ctx, "a")
	require.NoError(t, err)
	_, err = m.LoadOrStart(ctx, "b")
	require.NoError(t, err)

	ids, err := m.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "a")
	assert.Contains(t, ids, "b")
}

func TestWithLockSerializesTurns(t *testing.T) {
	m := session.NewManager(memory.NewStore(), nil)
	ctx := context.Background()

	const workers = 16
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = m.WithLock(ctx, "same-conversation", func(ctx context.Context) error {
				// a data race here would be caught by the race detector
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, workers, counter)
}

func TestWithLockDistinctConversationsDoNotBlock(t *testing.T) {
	m := session.NewManager(memory.NewStore(), nil)
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = m.WithLock(ctx, "one", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	// a different conversation proceeds while "one" is still locked
	err := m.WithLock(ctx, "two", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	close(release)
}
