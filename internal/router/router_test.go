package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/registry"
	"parley/internal/status"
	"parley/internal/storage"
	"parley/internal/typing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id       string
	identity models.Identity

	mu       sync.Mutex
	received []models.ServerMessage
	fail     error
	closed   bool
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Identity() models.Identity { return c.identity }

func (c *fakeConn) Enqueue(msg models.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events(kind models.ServerMessageType) []models.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.ServerMessage
	for _, m := range c.received {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[models.MessageID][]models.Identity
}

func (n *recordingNotifier) Notify(recipients []models.Identity, msg models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[models.MessageID][]models.Identity)
	}
	n.calls[msg.ID] = append(n.calls[msg.ID], recipients...)
}

type failingStore struct {
	*storage.BboltStorage
}

func (s failingStore) InsertMessage(context.Context, *models.Message) error {
	return errors.New("disk full")
}

type env struct {
	store    *storage.BboltStorage
	registry *registry.Registry
	tracker  *status.Tracker
	notifier *recordingNotifier
	router   *Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(4, nil)
	tracker := status.New(t.Context(), store, reg, 0, nil)
	notifier := &recordingNotifier{}
	r := New(store, reg, tracker, typing.New(store, reg, nil), Options{Notifier: notifier})

	return &env{store: store, registry: reg, tracker: tracker, notifier: notifier, router: r}
}

func (e *env) connect(t *testing.T, id models.Identity, connID string) *fakeConn {
	t.Helper()
	c := &fakeConn{id: connID, identity: id}
	_, err := e.registry.Admit(id, c)
	require.NoError(t, err)
	return c
}

func text(target models.Target, body string) models.SendMessage {
	return models.SendMessage{Target: target, Kind: models.PayloadKindText, Content: body}
}

func TestRoute_DirectOnline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.connect(t, "alice", "a1")
	b := e.connect(t, "bob", "b1")

	msg, err := e.router.Route(ctx, "alice", text(models.Target{User: "bob"}, "hi"))
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, models.StatusDelivered, msg.Status)

	got := b.events(models.ServerMessageTypeMessage)
	require.Len(t, got, 1)
	require.Equal(t, msg.ID, got[0].Message.ID)
	require.Equal(t, "hi", got[0].Message.Content)
	require.Equal(t, models.StatusDelivered, got[0].Message.Status)

	statuses := a.events(models.ServerMessageTypeStatusChanged)
	require.Len(t, statuses, 1)
	require.Equal(t, msg.ID, statuses[0].Status.MessageID)
	require.Equal(t, models.StatusDelivered, statuses[0].Status.Status)

	echo := a.events(models.ServerMessageTypeMessage)
	require.Len(t, echo, 1)
	require.Equal(t, models.StatusSent, echo[0].Message.Status)

	stored, err := e.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, stored.Status)
}

func TestRoute_DirectOfflineIsPersisted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.connect(t, "alice", "a1")

	msg, err := e.router.Route(ctx, "alice", text(models.Target{User: "bob"}, "are you there?"))
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, msg.Status)
	require.Empty(t, a.events(models.ServerMessageTypeStatusChanged))
	require.Equal(t, []models.Identity{"bob"}, e.notifier.calls[msg.ID])

	page, err := e.store.FetchHistory(ctx, models.HistoryQuery{Viewer: "bob", Peer: "alice"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, msg.ID, page.Messages[0].ID)
}

func TestRoute_GroupPartiallyOnline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.store.UpsertGroup(ctx, models.Group{ID: "g", Name: "G", Members: []models.Identity{"alice", "bob", "carol"}}))

	a := e.connect(t, "alice", "a1")
	c := e.connect(t, "carol", "c1")

	msg, err := e.router.Route(ctx, "alice", text(models.Target{Group: "g"}, "hello group"))
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, msg.Status)

	require.Len(t, c.events(models.ServerMessageTypeMessage), 1)
	require.Equal(t, []models.Identity{"bob"}, e.notifier.calls[msg.ID])

	// Bob catches up through history.
	page, err := e.store.FetchHistory(ctx, models.HistoryQuery{Viewer: "bob", Group: "g"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)

	// Carol reads without bob ever being delivered.
	require.NoError(t, e.router.Dispatch(ctx, "carol", models.ReadReceipt{MessageID: msg.ID}))

	var seen []models.Status
	for _, ev := range a.events(models.ServerMessageTypeStatusChanged) {
		seen = append(seen, ev.Status.Status)
	}
	require.Equal(t, []models.Status{models.StatusDelivered, models.StatusRead}, seen)
}

func TestRoute_GroupMembershipResolvedPerSend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.store.UpsertGroup(ctx, models.Group{ID: "g", Members: []models.Identity{"alice", "bob"}}))

	b := e.connect(t, "bob", "b1")
	d := e.connect(t, "dave", "d1")

	_, err := e.router.Route(ctx, "alice", text(models.Target{Group: "g"}, "one"))
	require.NoError(t, err)
	require.Len(t, b.events(models.ServerMessageTypeMessage), 1)
	require.Empty(t, d.events(models.ServerMessageTypeMessage))

	require.NoError(t, e.store.AddMember(ctx, "g", "dave"))
	require.NoError(t, e.store.RemoveMember(ctx, "g", "bob"))

	_, err = e.router.Route(ctx, "alice", text(models.Target{Group: "g"}, "two"))
	require.NoError(t, err)
	require.Len(t, b.events(models.ServerMessageTypeMessage), 1)
	require.Len(t, d.events(models.ServerMessageTypeMessage), 1)
}

func TestRoute_PersistenceFailureDeliversNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.connect(t, "bob", "b1")

	r := New(failingStore{e.store}, e.registry, e.tracker, typing.New(e.store, e.registry, nil), Options{})
	_, err := r.Route(ctx, "alice", text(models.Target{User: "bob"}, "lost"))
	require.ErrorIs(t, err, models.ErrPersistence)
	require.Empty(t, b.events(models.ServerMessageTypeMessage))
}

func TestRoute_FailingConnectionIsEvicted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	good := e.connect(t, "bob", "phone")
	bad := e.connect(t, "bob", "laptop")
	bad.fail = fmt.Errorf("%w: queue full", models.ErrTransport)

	msg, err := e.router.Route(ctx, "alice", text(models.Target{User: "bob"}, "hi"))
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, msg.Status)
	require.Len(t, good.events(models.ServerMessageTypeMessage), 1)
	require.True(t, bad.closed)
	require.Len(t, e.registry.ConnectionsFor("bob"), 1)
}

func TestRoute_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.store.UpsertGroup(ctx, models.Group{ID: "g", Members: []models.Identity{"bob", "carol"}}))

	tests := []struct {
		name string
		in   models.SendMessage
		want error
	}{
		{"NoTarget", text(models.Target{}, "hi"), models.ErrValidation},
		{"BothTargets", text(models.Target{User: "bob", Group: "g"}, "hi"), models.ErrValidation},
		{"Self", text(models.Target{User: "alice"}, "hi"), models.ErrValidation},
		{"NotMember", text(models.Target{Group: "g"}, "hi"), models.ErrValidation},
		{"UnknownGroup", text(models.Target{Group: "missing"}, "hi"), models.ErrNotFound},
		{"EmptyText", text(models.Target{User: "bob"}, ""), models.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.router.Route(ctx, "alice", tt.in)
			require.ErrorIs(t, err, tt.want)
		})
	}

	page, err := e.store.FetchHistory(ctx, models.HistoryQuery{Viewer: "alice", Peer: "bob"})
	require.NoError(t, err)
	require.Empty(t, page.Messages)
}

func TestRoute_PerSenderTargetOrdering(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.connect(t, "bob", "b1")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			if _, err := e.router.Route(ctx, "alice", text(models.Target{User: "bob"}, fmt.Sprintf("msg %d", i))); err != nil {
				t.Errorf("route: %v", err)
			}
		})
	}
	wg.Wait()

	got := b.events(models.ServerMessageTypeMessage)
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1].Message.Seq, got[i].Message.Seq)
	}
}

func (p *pairLocks) held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

func TestRoute_UnrelatedPairsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.connect(t, "bob", "b1")
	e.connect(t, "carol", "c1")

	// A send from alice to bob is in flight.
	release := e.router.locks.lock("alice", models.Target{User: "bob"})

	for _, pair := range []struct {
		sender models.Identity
		target models.Target
	}{
		{"alice", models.Target{User: "carol"}},
		{"carol", models.Target{User: "bob"}},
		{"bob", models.Target{User: "alice"}},
	} {
		done := make(chan error, 1)
		go func() {
			_, err := e.router.Route(ctx, pair.sender, text(pair.target, "hi"))
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatalf("%s -> %s waited on an unrelated pair", pair.sender, pair.target)
		}
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := e.router.Route(ctx, "alice", text(models.Target{User: "bob"}, "queued"))
		blocked <- err
	}()
	select {
	case <-blocked:
		t.Fatal("send to a held pair did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	require.Len(t, b.events(models.ServerMessageTypeMessage), 1)

	release()
	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not proceed after release")
	}
	require.Len(t, b.events(models.ServerMessageTypeMessage), 2)
	require.Zero(t, e.router.locks.held())
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.connect(t, "alice", "a1")
	b := e.connect(t, "bob", "b1")

	require.NoError(t, e.router.Dispatch(ctx, "alice", models.SetTyping{Target: models.Target{User: "bob"}, IsTyping: true}))
	require.NoError(t, e.router.Dispatch(ctx, "alice", models.SetTyping{Target: models.Target{User: "bob"}, IsTyping: false}))
	typingEvents := b.events(models.ServerMessageTypeTypingChanged)
	require.Len(t, typingEvents, 2)
	require.False(t, typingEvents[1].Typing.IsTyping)

	require.NoError(t, e.router.Dispatch(ctx, "alice", text(models.Target{User: "bob"}, "hi")))
	msgs := b.events(models.ServerMessageTypeMessage)
	require.Len(t, msgs, 1)

	require.NoError(t, e.router.Dispatch(ctx, "bob", models.ReadReceipt{MessageID: msgs[0].Message.ID}))
	statuses := a.events(models.ServerMessageTypeStatusChanged)
	require.Len(t, statuses, 2)
	require.Equal(t, models.StatusRead, statuses[1].Status.Status)

	require.ErrorIs(t, e.router.Dispatch(ctx, "bob", models.ReadReceipt{MessageID: "unknown"}), models.ErrNotFound)
	require.ErrorIs(t, e.router.Dispatch(ctx, "bob", models.ReadReceipt{}), models.ErrValidation)
	require.ErrorIs(t, e.router.Dispatch(ctx, "bob", nil), models.ErrValidation)
}
