package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"parley/internal/models"

	"github.com/samber/lo"
	"go.etcd.io/bbolt"
)

const defaultHistoryLimit = 50

var (
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketGroups        = []byte("groups")
	bucketSubscriptions = []byte("subscriptions")
	bucketRevokedTokens = []byte("revoked_tokens")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketMessages,
			bucketMessageIndex,
			bucketGroups,
			bucketSubscriptions,
			bucketRevokedTokens,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// conversationKey names the bucket holding all messages between two users
// or of one group.
func conversationKey(a models.Identity, target models.Target) string {
	if target.IsGroup() {
		return "group/" + string(target.Group)
	}
	ids := []string{string(a), string(target.User)}
	sort.Strings(ids)
	return "dm/" + ids[0] + "/" + ids[1]
}

// InsertMessage persists a new message and assigns its conversation sequence.
func (s *BboltStorage) InsertMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		return errors.New("message missing id")
	}
	if err := msg.Target.Validate(); err != nil {
		return err
	}

	conv := conversationKey(msg.Sender, msg.Target)
	var seq int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMessageIndex)
		if index.Get([]byte(msg.ID)) != nil {
			return fmt.Errorf("message %s already exists", msg.ID)
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conv))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		next, err := convBucket.NextSequence()
		if err != nil {
			return err
		}
		seq = int64(next)

		stored := *msg
		stored.Seq = seq
		dbMessage := fromModelMessage(stored)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{MessageID: string(msg.ID), Conversation: conv, Seq: seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return index.Put(ref.Key(), refData)
	})
	if err != nil {
		return err
	}

	msg.Seq = seq
	return nil
}

func (s *BboltStorage) lookup(tx *bbolt.Tx, id models.MessageID) (*bbolt.Bucket, DBMessage, error) {
	var dbMsg DBMessage

	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return nil, dbMsg, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, dbMsg, fmt.Errorf("failed to unmarshal message ref: %w", err)
	}

	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.Conversation))
	if convBucket == nil {
		return nil, dbMsg, fmt.Errorf("conversation %s: %w", ref.Conversation, models.ErrNotFound)
	}
	data := convBucket.Get(seqKey(ref.Seq))
	if data == nil {
		return nil, dbMsg, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, dbMsg, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return convBucket, dbMsg, nil
}

// GetMessage returns a stored message by id.
func (s *BboltStorage) GetMessage(ctx context.Context, id models.MessageID) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, dbMsg, err := s.lookup(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// UpdateStatus moves a stored message to status if that is a forward
// transition. It reports whether the record changed.
func (s *BboltStorage) UpdateStatus(ctx context.Context, id models.MessageID, status models.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, dbMsg, err := s.lookup(tx, id)
		if err != nil {
			return err
		}
		if !models.Status(dbMsg.Status).Advances(status) {
			return nil
		}

		dbMsg.Status = string(status)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// FetchHistory returns one page of a direct or group conversation.
// Every call reads the database; nothing is cached.
func (s *BboltStorage) FetchHistory(ctx context.Context, q models.HistoryQuery) (models.HistoryPage, error) {
	page := models.HistoryPage{Messages: []models.Message{}}
	if err := ctx.Err(); err != nil {
		return page, err
	}

	target := models.Target{User: q.Peer, Group: q.Group}
	if err := target.Validate(); err != nil {
		return page, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	conv := conversationKey(q.Viewer, target)

	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conv))
		if convBucket == nil {
			return nil
		}
		page.Total = convBucket.Stats().KeyN

		c := convBucket.Cursor()
		appendRecord := func(v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			page.Messages = append(page.Messages, dbMsg.toModel())
			return nil
		}

		if q.Order == models.HistoryOldestFirst {
			k, v := c.First()
			if q.After > 0 {
				k, v = c.Seek(seqKey(q.After + 1))
			}
			for ; k != nil && len(page.Messages) < limit; k, v = c.Next() {
				if err := appendRecord(v); err != nil {
					return err
				}
			}
			return nil
		}

		k, v := c.Last()
		if q.Before > 0 {
			// Seek lands on the first key >= Before; step back to the newest key below it.
			if k, v = c.Seek(seqKey(q.Before)); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
		for ; k != nil && len(page.Messages) < limit; k, v = c.Prev() {
			if err := appendRecord(v); err != nil {
				return err
			}
		}
		return nil
	})
	return page, err
}

// UpsertGroup stores a group, replacing its name and members.
func (s *BboltStorage) UpsertGroup(ctx context.Context, group models.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if group.ID == "" {
		return fmt.Errorf("%w: group id is required", models.ErrValidation)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbGroup := DBGroup{
			ID:   string(group.ID),
			Name: group.Name,
			Members: lo.Uniq(lo.Map(group.Members, func(id models.Identity, _ int) string {
				return string(id)
			})),
		}
		return putGroup(tx, &dbGroup)
	})
}

func putGroup(tx *bbolt.Tx, g *DBGroup) error {
	data, err := g.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketGroups).Put(g.Key(), data)
}

func getGroup(tx *bbolt.Tx, id models.GroupID) (DBGroup, error) {
	var g DBGroup
	data := tx.Bucket(bucketGroups).Get([]byte(id))
	if data == nil {
		return g, fmt.Errorf("group %s: %w", id, models.ErrNotFound)
	}
	if err := g.UnmarshalBinary(data); err != nil {
		return g, fmt.Errorf("failed to unmarshal group: %w", err)
	}
	return g, nil
}

func (s *BboltStorage) GetGroup(ctx context.Context, id models.GroupID) (models.Group, error) {
	if err := ctx.Err(); err != nil {
		return models.Group{}, err
	}
	var group models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		g, err := getGroup(tx, id)
		if err != nil {
			return err
		}
		group = models.Group{
			ID:   models.GroupID(g.ID),
			Name: g.Name,
			Members: lo.Map(g.Members, func(m string, _ int) models.Identity {
				return models.Identity(m)
			}),
		}
		return nil
	})
	return group, err
}

// Members returns the current membership of a group.
func (s *BboltStorage) Members(ctx context.Context, id models.GroupID) ([]models.Identity, error) {
	group, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	return group.Members, nil
}

func (s *BboltStorage) AddMember(ctx context.Context, id models.GroupID, member models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		g, err := getGroup(tx, id)
		if err != nil {
			return err
		}
		if lo.Contains(g.Members, string(member)) {
			return nil
		}
		g.Members = append(g.Members, string(member))
		return putGroup(tx, &g)
	})
}

func (s *BboltStorage) RemoveMember(ctx context.Context, id models.GroupID, member models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		g, err := getGroup(tx, id)
		if err != nil {
			return err
		}
		g.Members = lo.Without(g.Members, string(member))
		return putGroup(tx, &g)
	})
}

// UpsertSubscription stores a web-push subscription under its user.
func (s *BboltStorage) UpsertSubscription(ctx context.Context, sub PushSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sub.UserID == "" || sub.Endpoint == "" {
		return fmt.Errorf("%w: subscription needs a user and an endpoint", models.ErrValidation)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketSubscriptions).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(sub.Key(), data)
	})
}

func (s *BboltStorage) ListSubscriptions(ctx context.Context, userID models.Identity) ([]PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var subs []PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeleteSubscription(ctx context.Context, userID models.Identity, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}

// UpsertRevokedToken remembers a revoked token id until expiresAt (unix seconds).
func (s *BboltStorage) UpsertRevokedToken(tokenID, userID string, expiresAt int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		t := DBRevokedToken{TokenID: tokenID, UserID: userID, ExpiresAt: expiresAt}
		data, err := t.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRevokedTokens).Put(t.Key(), data)
	})
}

// ListRevokedTokens returns revoked token ids that have not expired at now,
// deleting the expired ones.
func (s *BboltStorage) ListRevokedTokens(now time.Time) (map[string]int64, error) {
	tokens := make(map[string]int64)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRevokedTokens)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var t DBRevokedToken
			if err := t.UnmarshalBinary(v); err != nil {
				return err
			}
			if t.ExpiresAt <= now.Unix() {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			tokens[t.TokenID] = t.ExpiresAt
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return tokens, err
}
