package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func directMessage(id string, from, to models.Identity, content string) *models.Message {
	return &models.Message{
		ID:        models.MessageID(id),
		Sender:    from,
		Target:    models.Target{User: to},
		Kind:      models.PayloadKindText,
		Content:   content,
		Status:    models.StatusSent,
		CreatedAt: time.Now(),
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	t.Run("Messages", func(t *testing.T) {
		msg1 := directMessage("m1", "alice", "bob", "hello")
		require.NoError(t, store.InsertMessage(ctx, msg1))
		require.Equal(t, int64(1), msg1.Seq)

		// Reply lands in the same conversation.
		msg2 := directMessage("m2", "bob", "alice", "world")
		require.NoError(t, store.InsertMessage(ctx, msg2))
		require.Equal(t, int64(2), msg2.Seq)

		got, err := store.GetMessage(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, "hello", got.Content)
		require.Equal(t, models.Identity("bob"), got.Target.User)
		require.Equal(t, models.StatusSent, got.Status)

		err = store.InsertMessage(ctx, directMessage("m1", "alice", "bob", "dup"))
		require.Error(t, err)

		_, err = store.GetMessage(ctx, "missing")
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Status", func(t *testing.T) {
		changed, err := store.UpdateStatus(ctx, "m1", models.StatusDelivered)
		require.NoError(t, err)
		require.True(t, changed)

		changed, err = store.UpdateStatus(ctx, "m1", models.StatusDelivered)
		require.NoError(t, err)
		require.False(t, changed)

		changed, err = store.UpdateStatus(ctx, "m1", models.StatusRead)
		require.NoError(t, err)
		require.True(t, changed)

		// Never backwards.
		changed, err = store.UpdateStatus(ctx, "m1", models.StatusDelivered)
		require.NoError(t, err)
		require.False(t, changed)

		got, err := store.GetMessage(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, models.StatusRead, got.Status)

		_, err = store.UpdateStatus(ctx, "missing", models.StatusRead)
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("History", func(t *testing.T) {
		for i := 3; i <= 7; i++ {
			require.NoError(t, store.InsertMessage(ctx, directMessage(fmt.Sprintf("m%d", i), "alice", "bob", fmt.Sprintf("msg %d", i))))
		}

		page, err := store.FetchHistory(ctx, models.HistoryQuery{Viewer: "bob", Peer: "alice", Limit: 3})
		require.NoError(t, err)
		require.Equal(t, 7, page.Total)
		require.Len(t, page.Messages, 3)
		require.Equal(t, []int64{7, 6, 5}, seqs(page.Messages))

		page, err = store.FetchHistory(ctx, models.HistoryQuery{Viewer: "alice", Peer: "bob", Limit: 3, Before: 5})
		require.NoError(t, err)
		require.Equal(t, []int64{4, 3, 2}, seqs(page.Messages))

		page, err = store.FetchHistory(ctx, models.HistoryQuery{Viewer: "alice", Peer: "bob", Before: 100})
		require.NoError(t, err)
		require.Len(t, page.Messages, 7)

		page, err = store.FetchHistory(ctx, models.HistoryQuery{Viewer: "alice", Peer: "bob", Limit: 2, Order: models.HistoryOldestFirst, After: 2})
		require.NoError(t, err)
		require.Equal(t, []int64{3, 4}, seqs(page.Messages))

		page, err = store.FetchHistory(ctx, models.HistoryQuery{Viewer: "alice", Peer: "carol"})
		require.NoError(t, err)
		require.Empty(t, page.Messages)
		require.Zero(t, page.Total)
	})

	t.Run("Groups", func(t *testing.T) {
		err := store.UpsertGroup(ctx, models.Group{ID: "g1", Name: "General", Members: []models.Identity{"alice", "bob", "alice"}})
		require.NoError(t, err)

		members, err := store.Members(ctx, "g1")
		require.NoError(t, err)
		require.ElementsMatch(t, []models.Identity{"alice", "bob"}, members)

		require.NoError(t, store.AddMember(ctx, "g1", "carol"))
		require.NoError(t, store.AddMember(ctx, "g1", "carol"))
		require.NoError(t, store.RemoveMember(ctx, "g1", "bob"))

		group, err := store.GetGroup(ctx, "g1")
		require.NoError(t, err)
		require.Equal(t, "General", group.Name)
		require.ElementsMatch(t, []models.Identity{"alice", "carol"}, group.Members)

		_, err = store.Members(ctx, "missing")
		require.ErrorIs(t, err, models.ErrNotFound)

		msg := &models.Message{
			ID:        "gm1",
			Sender:    "alice",
			Target:    models.Target{Group: "g1"},
			Kind:      models.PayloadKindImage,
			FileRef:   "https://files.example/cat.png",
			Status:    models.StatusSent,
			CreatedAt: time.Now(),
		}
		require.NoError(t, store.InsertMessage(ctx, msg))

		page, err := store.FetchHistory(ctx, models.HistoryQuery{Viewer: "carol", Group: "g1"})
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		require.Equal(t, "https://files.example/cat.png", page.Messages[0].FileRef)
		require.Equal(t, models.PayloadKindImage, page.Messages[0].Kind)
	})

	t.Run("Subscriptions", func(t *testing.T) {
		sub := PushSubscription{UserID: "bob", Endpoint: "https://push.example/1", Auth: "a", P256dh: "p"}
		require.NoError(t, store.UpsertSubscription(ctx, sub))

		subs, err := store.ListSubscriptions(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		require.Equal(t, "p", subs[0].P256dh)

		require.NoError(t, store.DeleteSubscription(ctx, "bob", sub.Endpoint))
		subs, err = store.ListSubscriptions(ctx, "bob")
		require.NoError(t, err)
		require.Empty(t, subs)

		require.ErrorIs(t, store.UpsertSubscription(ctx, PushSubscription{UserID: "bob"}), models.ErrValidation)
	})

	t.Run("RevokedTokens", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		require.NoError(t, store.UpsertRevokedToken("live", "alice", now.Add(time.Hour).Unix()))
		require.NoError(t, store.UpsertRevokedToken("old", "alice", now.Add(-time.Hour).Unix()))

		tokens, err := store.ListRevokedTokens(now)
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		_, ok := tokens["live"]
		require.True(t, ok)
	})
}

func seqs(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}
