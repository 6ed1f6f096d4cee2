package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
)

const DefaultTTL = 24 * time.Hour

type messageStore interface {
	GetMessage(ctx context.Context, id models.MessageID) (models.Message, error)
	UpdateStatus(ctx context.Context, id models.MessageID, status models.Status) (bool, error)
	GetGroup(ctx context.Context, id models.GroupID) (models.Group, error)
}

type broadcaster interface {
	Broadcast(id models.Identity, msg models.ServerMessage) int
}

type entry struct {
	mu     sync.Mutex
	sender models.Identity
	target models.Target
	status models.Status
}

// Tracker owns status transitions of routed messages. Transitions only move
// forward and each applied one is announced to the sender's connections.
type Tracker struct {
	store    messageStore
	registry broadcaster
	entries  *geche.Locker[models.MessageID, *entry]
	log      *slog.Logger
	now      func() time.Time
}

func New(ctx context.Context, store messageStore, registry broadcaster, ttl time.Duration, log *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:    store,
		registry: registry,
		entries:  geche.NewLocker[models.MessageID, *entry](geche.NewMapTTLCache[models.MessageID, *entry](ctx, ttl, time.Minute)),
		log:      log,
		now:      time.Now,
	}
}

// Track starts tracking a freshly persisted message.
func (t *Tracker) Track(msg models.Message) {
	tx := t.entries.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(msg.ID); err == nil {
		return
	}
	tx.Set(msg.ID, &entry{sender: msg.Sender, target: msg.Target, status: msg.Status})
}

// MarkDelivered moves a sent message to delivered. Calls for a message that is
// already delivered or read are no-ops.
func (t *Tracker) MarkDelivered(ctx context.Context, id models.MessageID, recipient models.Identity) (bool, error) {
	return t.advance(ctx, id, recipient, models.StatusDelivered)
}

// MarkRead moves a message to read from either earlier status.
func (t *Tracker) MarkRead(ctx context.Context, id models.MessageID, reader models.Identity) (bool, error) {
	return t.advance(ctx, id, reader, models.StatusRead)
}

// Status returns the current status of a message.
func (t *Tracker) Status(ctx context.Context, id models.MessageID) (models.Status, error) {
	e, err := t.entry(ctx, id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, nil
}

func (t *Tracker) advance(ctx context.Context, id models.MessageID, actor models.Identity, next models.Status) (bool, error) {
	e, err := t.entry(ctx, id)
	if err != nil {
		return false, err
	}

	// sender and target never change after creation.
	if err := t.checkRecipient(ctx, e, id, actor); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.status.Advances(next) {
		return false, nil
	}

	changed, err := t.store.UpdateStatus(ctx, id, next)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if !changed {
		// Another tracker entry for the same message got there first.
		e.status = t.reload(ctx, id, e.status)
		return false, nil
	}
	e.status = next

	n := t.registry.Broadcast(e.sender, models.NewStatusEvent(id, next, t.now()))
	t.log.Debug("message status changed", "message_id", id, "status", next, "actor", actor, "sender_conns", n)
	return true, nil
}

func (t *Tracker) checkRecipient(ctx context.Context, e *entry, id models.MessageID, actor models.Identity) error {
	if actor == e.sender {
		return fmt.Errorf("%w: sender cannot acknowledge own message %s", models.ErrValidation, id)
	}
	if !e.target.IsGroup() {
		if e.target.User != actor {
			return fmt.Errorf("%w: %s is not a recipient of message %s", models.ErrValidation, actor, id)
		}
		return nil
	}

	group, err := t.store.GetGroup(ctx, e.target.Group)
	if err != nil {
		return err
	}
	if !group.HasMember(actor) {
		return fmt.Errorf("%w: %s is not a member of group %s", models.ErrValidation, actor, group.ID)
	}
	return nil
}

func (t *Tracker) reload(ctx context.Context, id models.MessageID, fallback models.Status) models.Status {
	msg, err := t.store.GetMessage(ctx, id)
	if err != nil {
		return fallback
	}
	return msg.Status
}

// entry returns the tracked state of id, loading it from storage when it is
// not cached. Storage is never read while the cache lock is held.
func (t *Tracker) entry(ctx context.Context, id models.MessageID) (*entry, error) {
	tx := t.entries.Lock()
	e, err := tx.Get(id)
	tx.Unlock()
	if err == nil {
		return e, nil
	}

	msg, err := t.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	tx = t.entries.Lock()
	defer tx.Unlock()
	if e, err := tx.Get(id); err == nil {
		return e, nil
	}
	e = &entry{sender: msg.Sender, target: msg.Target, status: msg.Status}
	tx.Set(id, e)
	return e, nil
}
