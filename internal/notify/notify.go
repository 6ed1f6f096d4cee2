package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"unicode/utf8"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	DefaultQueueSize = 1024
	DefaultWorkers   = 4
	DefaultTTL       = 3600
	previewLength    = 120
)

type Config struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	QueueSize  int
	Workers    int
	TTL        int // seconds the push service keeps an undelivered notification
}

func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type subscriptionStore interface {
	ListSubscriptions(ctx context.Context, userID models.Identity) ([]storage.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID models.Identity, endpoint string) error
}

// SendFunc delivers one push message. It matches webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Payload is the JSON body shown by the service worker.
type Payload struct {
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	MessageID models.MessageID `json:"messageId"`
	Target    models.Target    `json:"target"`
}

type job struct {
	recipient models.Identity
	payload   []byte
}

// Notifier pushes a short notification to recipients that had no live
// connection when a message was routed. Delivery is best effort: jobs that do
// not fit the queue are dropped.
type Notifier struct {
	cfg   Config
	store subscriptionStore
	send  SendFunc
	queue chan job
	log   *slog.Logger
}

func New(cfg Config, store subscriptionStore, log *slog.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		cfg:   cfg,
		store: store,
		send:  webpush.SendNotificationWithContext,
		queue: make(chan job, cfg.QueueSize),
		log:   log,
	}
}

// Notify queues a notification about msg for each offline recipient.
func (n *Notifier) Notify(recipients []models.Identity, msg models.Message) {
	if len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(Payload{
		Title:     string(msg.Sender),
		Body:      preview(msg),
		MessageID: msg.ID,
		Target:    msg.Target,
	})
	if err != nil {
		n.log.Error("failed to encode push payload", "message_id", msg.ID, "error", err)
		return
	}

	for _, r := range recipients {
		select {
		case n.queue <- job{recipient: r, payload: payload}:
		default:
			n.log.Warn("push queue full, dropping notification", "user_id", r, "message_id", msg.ID)
		}
	}
}

// Run processes queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range n.cfg.Workers {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-n.queue:
					n.deliver(ctx, j)
				}
			}
		})
	}
	wg.Wait()
	return nil
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	subs, err := n.store.ListSubscriptions(ctx, j.recipient)
	if err != nil {
		n.log.Error("failed to list push subscriptions", "user_id", j.recipient, "error", err)
		return
	}

	for _, sub := range subs {
		if err := n.push(ctx, j.payload, sub); err != nil {
			n.log.Warn("push notification failed", "user_id", j.recipient, "endpoint", sub.Endpoint, "error", err)
		}
	}
}

func (n *Notifier) push(ctx context.Context, payload []byte, sub storage.PushSubscription) error {
	resp, err := n.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.PublicKey,
		VAPIDPrivateKey: n.cfg.PrivateKey,
		TTL:             n.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The browser unsubscribed.
		return n.store.DeleteSubscription(ctx, models.Identity(sub.UserID), sub.Endpoint)
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service responded %s", resp.Status)
	}
	return nil
}

func preview(msg models.Message) string {
	if msg.Kind != models.PayloadKindText {
		if msg.Content != "" {
			return fmt.Sprintf("[%s] %s", msg.Kind, truncate(msg.Content))
		}
		return fmt.Sprintf("[%s]", msg.Kind)
	}
	return truncate(msg.Content)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	return string([]rune(s)[:previewLength]) + "…"
}
