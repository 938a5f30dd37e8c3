package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/croshq/meetpoint/internal/domain"
)

func participant(email string, producerID domain.ProducerID) domain.Participant {
	return domain.Participant{
		MeetingID:   "m1",
		UID:         domain.UserID(email),
		Email:       email,
		DisplayName: email,
		ProducerID:  producerID,
	}
}

func TestAddIsUniquePerEmail(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, participant("ann@example.com", "p1")))
	require.NoError(t, store.Add(ctx, participant("ann@example.com", "p1")))
	require.NoError(t, store.Add(ctx, participant("bob@example.com", "p2")))

	roster, err := store.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roster, 2)
}

func TestRejoinWithNewProducerUpdatesRecord(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, participant("ann@example.com", domain.PlaceholderProducerID())))
	require.NoError(t, store.Add(ctx, participant("ann@example.com", "real-producer")))

	roster, err := store.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, domain.ProducerID("real-producer"), roster[0].ProducerID)
}

func TestPlaceholderNeverOverwritesRealProducer(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, participant("ann@example.com", "real-producer")))
	require.NoError(t, store.Add(ctx, participant("ann@example.com", domain.PlaceholderProducerID())))

	roster, err := store.List(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.ProducerID("real-producer"), roster[0].ProducerID)
}

func TestListUnknownMeetingIsEmptyNotError(t *testing.T) {
	store := NewMemStore()
	roster, err := store.List(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, roster)
}

func TestRemoveIsIdempotentAndDropsEmptyMeetings(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, participant("ann@example.com", "p1")))
	require.NoError(t, store.Remove(ctx, "m1", "ann@example.com"))
	require.NoError(t, store.Remove(ctx, "m1", "ann@example.com"))
	require.NoError(t, store.Remove(ctx, "m1", "ghost@example.com"))

	roster, err := store.List(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, roster)

	store.mu.Lock()
	_, exists := store.rosters["m1"]
	store.mu.Unlock()
	require.False(t, exists)
}

func TestConcurrentJoinsLoseNothing(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := fmt.Sprintf("user%d@example.com", i)
			_ = store.Add(ctx, participant(email, domain.ProducerID(fmt.Sprintf("p%d", i))))
		}(i)
	}
	wg.Wait()

	roster, err := store.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roster, n)
}

func TestConcurrentRejoinsKeepOneRecord(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Add(ctx, participant("ann@example.com", domain.ProducerID(fmt.Sprintf("p%d", i))))
		}(i)
	}
	wg.Wait()

	roster, err := store.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
}

func TestActionsAppendInOrder(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	p := participant("ann@example.com", "p1")
	require.NoError(t, store.AppendAction(ctx, "m1", domain.NewAction(p, domain.ActionJoin, now)))
	require.NoError(t, store.AppendAction(ctx, "m1", domain.NewAction(p, domain.ActionLeave, now.Add(time.Minute))))

	acts, err := store.Actions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, acts, 2)
	require.Equal(t, domain.ActionJoin, acts[0].Action)
	require.Equal(t, domain.ActionLeave, acts[1].Action)
}

func TestChatsAppendInOrderAndIsolatePerMeeting(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AppendChat(ctx, "m1", domain.ChatMessage{
		MeetingID: "m1", Email: "ann@example.com", Body: "hello", SentAt: now,
	}))
	require.NoError(t, store.AppendChat(ctx, "m1", domain.ChatMessage{
		MeetingID: "m1", Email: "bob@example.com", Body: "hi", SentAt: now.Add(time.Second),
	}))
	require.NoError(t, store.AppendChat(ctx, "m2", domain.ChatMessage{
		MeetingID: "m2", Email: "carol@example.com", Body: "elsewhere", SentAt: now,
	}))

	chats, err := store.Chats(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, "hello", chats[0].Body)
	require.Equal(t, "hi", chats[1].Body)

	empty, err := store.Chats(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestMergeKeepsBetterDisplayName(t *testing.T) {
	roster := []domain.Participant{{
		MeetingID:   "m1",
		Email:       "ann@example.com",
		DisplayName: "ann@example.com",
	}}
	merged, changed := merge(roster, domain.Participant{
		MeetingID:   "m1",
		Email:       "ann@example.com",
		DisplayName: "Ann",
	})
	require.True(t, changed)
	require.Equal(t, "Ann", merged[0].DisplayName)
}
