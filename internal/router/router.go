package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/registry"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type messageStore interface {
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetGroup(ctx context.Context, id models.GroupID) (models.Group, error)
}

type connections interface {
	ConnectionsFor(id models.Identity) []registry.Conn
	ConnectionsForGroupMembers(ids []models.Identity) map[models.Identity][]registry.Conn
	Deliver(conn registry.Conn, msg models.ServerMessage) error
}

type statusTracker interface {
	Track(msg models.Message)
	MarkDelivered(ctx context.Context, id models.MessageID, recipient models.Identity) (bool, error)
	MarkRead(ctx context.Context, id models.MessageID, reader models.Identity) (bool, error)
}

type typingBroadcaster interface {
	SetTyping(ctx context.Context, sender models.Identity, in models.SetTyping) (int, error)
}

// Notifier is told about recipients that had no live connection.
type Notifier interface {
	Notify(recipients []models.Identity, msg models.Message)
}

type Options struct {
	Notifier         Notifier
	MaxContentLength int
	Log              *slog.Logger
}

// Router validates, persists and fans out inbound traffic.
type Router struct {
	store     messageStore
	registry  connections
	tracker   statusTracker
	typing    typingBroadcaster
	notifier  Notifier
	validator *content.Validator
	log       *slog.Logger

	// Held across persist and fan-out so sends from one sender to one
	// target leave in the order they were received.
	locks pairLocks

	now   func() time.Time
	newID func() models.MessageID
}

func New(store messageStore, registry connections, tracker statusTracker, typing typingBroadcaster, opts Options) *Router {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:     store,
		registry:  registry,
		tracker:   tracker,
		typing:    typing,
		notifier:  opts.Notifier,
		validator: content.NewValidator(opts.MaxContentLength),
		log:       log,
		now:       time.Now,
		newID:     func() models.MessageID { return models.MessageID(uuid.NewString()) },
	}
}

// Dispatch hands one inbound event from sender to the component that owns it.
func (r *Router) Dispatch(ctx context.Context, sender models.Identity, in models.Inbound) error {
	switch v := in.(type) {
	case models.SendMessage:
		_, err := r.Route(ctx, sender, v)
		return err
	case models.SetTyping:
		_, err := r.typing.SetTyping(ctx, sender, v)
		return err
	case models.ReadReceipt:
		return r.Acknowledge(ctx, sender, v)
	default:
		return fmt.Errorf("%w: unsupported inbound event %T", models.ErrValidation, in)
	}
}

// Route creates a message from the envelope, stores it and delivers it to
// every live connection of its recipients. The stored message is returned.
func (r *Router) Route(ctx context.Context, sender models.Identity, in models.SendMessage) (models.Message, error) {
	if sender == "" {
		return models.Message{}, fmt.Errorf("%w: no sender identity", models.ErrAuthentication)
	}

	in, err := r.validator.SendMessage(in)
	if err != nil {
		return models.Message{}, err
	}

	unlock := r.locks.lock(sender, in.Target)
	defer unlock()

	// Resolved on every send; membership may change between messages.
	recipients, err := r.recipients(ctx, sender, in.Target)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        r.newID(),
		Sender:    sender,
		Target:    in.Target,
		Kind:      in.Kind,
		Content:   in.Content,
		FileRef:   in.FileRef,
		Status:    models.StatusSent,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.InsertMessage(ctx, &msg); err != nil {
		r.log.Error("failed to persist message", "user_id", sender, "target", in.Target.String(), "error", err)
		return models.Message{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	r.tracker.Track(msg)

	// Sender's own devices see the message as stored.
	for _, c := range r.registry.ConnectionsFor(sender) {
		_ = r.registry.Deliver(c, models.NewMessageEvent(msg))
	}

	reached, offline := r.fanOut(msg, recipients)

	for _, id := range reached {
		changed, err := r.tracker.MarkDelivered(ctx, msg.ID, id)
		if err != nil {
			r.log.Warn("failed to mark message delivered", "message_id", msg.ID, "user_id", id, "error", err)
			continue
		}
		if changed {
			msg.Status = models.StatusDelivered
		}
	}

	if r.notifier != nil && len(offline) > 0 {
		r.notifier.Notify(offline, msg)
	}

	r.log.Debug("message routed", "message_id", msg.ID, "user_id", sender, "target", in.Target.String(),
		"recipients", len(recipients), "online", len(reached))
	return msg, nil
}

// fanOut delivers msg to all live connections of recipients and splits them
// into those reached on at least one connection and those that were not.
func (r *Router) fanOut(msg models.Message, recipients []models.Identity) (reached, offline []models.Identity) {
	delivered := msg
	delivered.Status = models.StatusDelivered
	event := models.NewMessageEvent(delivered)

	byRecipient := r.registry.ConnectionsForGroupMembers(recipients)
	for _, id := range recipients {
		accepted := 0
		for _, c := range byRecipient[id] {
			if err := r.registry.Deliver(c, event); err == nil {
				accepted++
			}
		}
		if accepted > 0 {
			reached = append(reached, id)
		} else {
			offline = append(offline, id)
		}
	}
	return reached, offline
}

// Acknowledge records that reader has read a message.
func (r *Router) Acknowledge(ctx context.Context, reader models.Identity, in models.ReadReceipt) error {
	if in.MessageID == "" {
		return fmt.Errorf("%w: message id is required", models.ErrValidation)
	}
	_, err := r.tracker.MarkRead(ctx, in.MessageID, reader)
	return err
}

func (r *Router) recipients(ctx context.Context, sender models.Identity, target models.Target) ([]models.Identity, error) {
	if !target.IsGroup() {
		if target.User == sender {
			return nil, fmt.Errorf("%w: cannot send a message to yourself", models.ErrValidation)
		}
		return []models.Identity{target.User}, nil
	}

	group, err := r.store.GetGroup(ctx, target.Group)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if !group.HasMember(sender) {
		return nil, fmt.Errorf("%w: %s is not a member of group %s", models.ErrValidation, sender, group.ID)
	}
	return lo.Without(lo.Uniq(group.Members), sender), nil
}
