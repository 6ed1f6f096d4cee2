package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"
)

type sentPush struct {
	endpoint string
	payload  Payload
}

type fakePushService struct {
	mu     sync.Mutex
	sent   []sentPush
	status map[string]int
}

func (f *fakePushService) send(_ context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	f.sent = append(f.sent, sentPush{endpoint: sub.Endpoint, payload: p})

	code := http.StatusCreated
	if c, ok := f.status[sub.Endpoint]; ok {
		code = c
	}
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func (f *fakePushService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestNotifier(t *testing.T) {
	ctx := t.Context()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertSubscription(ctx, storage.PushSubscription{UserID: "bob", Endpoint: "https://push.example/live", Auth: "a", P256dh: "p"}))
	require.NoError(t, store.UpsertSubscription(ctx, storage.PushSubscription{UserID: "bob", Endpoint: "https://push.example/gone", Auth: "a", P256dh: "p"}))

	push := &fakePushService{status: map[string]int{"https://push.example/gone": http.StatusGone}}
	n := New(Config{PublicKey: "pub", PrivateKey: "priv", Workers: 1}, store, nil)
	n.send = push.send
	require.True(t, n.cfg.Enabled())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = n.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	n.Notify([]models.Identity{"bob", "nobody"}, models.Message{
		ID:      "m1",
		Sender:  "alice",
		Target:  models.Target{User: "bob"},
		Kind:    models.PayloadKindText,
		Content: "hello bob",
	})

	require.Eventually(t, func() bool { return push.count() == 2 }, time.Second, 10*time.Millisecond)

	push.mu.Lock()
	require.Equal(t, "alice", push.sent[0].payload.Title)
	require.Equal(t, "hello bob", push.sent[0].payload.Body)
	require.Equal(t, models.MessageID("m1"), push.sent[0].payload.MessageID)
	push.mu.Unlock()

	// The gone endpoint is forgotten.
	require.Eventually(t, func() bool {
		subs, err := store.ListSubscriptions(ctx, "bob")
		return err == nil && len(subs) == 1 && subs[0].Endpoint == "https://push.example/live"
	}, time.Second, 10*time.Millisecond)
}

func TestNotifier_QueueFullDrops(t *testing.T) {
	n := New(Config{PublicKey: "pub", PrivateKey: "priv", QueueSize: 1}, nil, nil)

	msg := models.Message{ID: "m1", Sender: "alice", Kind: models.PayloadKindText, Content: "x"}
	n.Notify([]models.Identity{"bob", "carol", "dave"}, msg)
	require.Len(t, n.queue, 1)
}

func TestPreview(t *testing.T) {
	require.Equal(t, "hi", preview(models.Message{Kind: models.PayloadKindText, Content: "hi"}))
	require.Equal(t, "[image]", preview(models.Message{Kind: models.PayloadKindImage, FileRef: "a.png"}))
	require.Equal(t, "[video] look", preview(models.Message{Kind: models.PayloadKindVideo, Content: "look"}))

	long := preview(models.Message{Kind: models.PayloadKindText, Content: strings.Repeat("я", 200)})
	require.Equal(t, previewLength+1, len([]rune(long)))
}
