package typing

import (
	"context"
	"fmt"
	"log/slog"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/samber/lo"
)

type groupResolver interface {
	GetGroup(ctx context.Context, id models.GroupID) (models.Group, error)
}

type connections interface {
	ConnectionsFor(id models.Identity) []registry.Conn
	ConnectionsForGroupMembers(ids []models.Identity) map[models.Identity][]registry.Conn
	Deliver(conn registry.Conn, msg models.ServerMessage) error
}

// Broadcaster forwards typing signals to the live connections of their
// recipients. Nothing is stored and offline recipients simply miss the signal.
type Broadcaster struct {
	groups   groupResolver
	registry connections
	log      *slog.Logger
}

func New(groups groupResolver, registry connections, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{groups: groups, registry: registry, log: log}
}

// SetTyping returns the number of connections the signal was handed to.
func (b *Broadcaster) SetTyping(ctx context.Context, sender models.Identity, in models.SetTyping) (int, error) {
	if err := in.Target.Validate(); err != nil {
		return 0, err
	}

	event := models.NewTypingEvent(models.TypingChanged{
		Sender:   sender,
		Target:   in.Target,
		IsTyping: in.IsTyping,
	})

	var conns []registry.Conn
	if in.Target.IsGroup() {
		group, err := b.groups.GetGroup(ctx, in.Target.Group)
		if err != nil {
			return 0, err
		}
		if !group.HasMember(sender) {
			return 0, fmt.Errorf("%w: %s is not a member of group %s", models.ErrValidation, sender, group.ID)
		}
		byMember := b.registry.ConnectionsForGroupMembers(lo.Without(group.Members, sender))
		conns = lo.Flatten(lo.Values(byMember))
	} else {
		if in.Target.User == sender {
			return 0, fmt.Errorf("%w: cannot signal typing to yourself", models.ErrValidation)
		}
		conns = b.registry.ConnectionsFor(in.Target.User)
	}

	delivered := 0
	for _, c := range conns {
		if err := b.registry.Deliver(c, event); err == nil {
			delivered++
		}
	}

	b.log.Debug("typing signal forwarded", "user_id", sender, "target", in.Target.String(), "is_typing", in.IsTyping, "conns", delivered)
	return delivered, nil
}
