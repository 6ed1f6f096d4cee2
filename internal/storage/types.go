package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBRevokedToken records a revoked identity token until it expires.
type DBRevokedToken struct {
	TokenID   string `msgpack:"tokenId"`
	UserID    string `msgpack:"userId"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (t *DBRevokedToken) Key() []byte {
	return []byte(t.TokenID)
}

func (t *DBRevokedToken) MarshalBinary() (data []byte, err error) {
	type alias DBRevokedToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBRevokedToken) UnmarshalBinary(data []byte) error {
	type alias DBRevokedToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBGroup struct {
	ID      string   `msgpack:"id"`
	Name    string   `msgpack:"name"`
	Members []string `msgpack:"members"`
}

func (g *DBGroup) Key() []byte {
	return []byte(g.ID)
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	Seq         int64  `msgpack:"seq"`
	SenderID    string `msgpack:"senderId"`
	RecipientID string `msgpack:"recipientId"`
	GroupID     string `msgpack:"groupId"`
	Kind        string `msgpack:"kind"`
	Content     string `msgpack:"content"`
	FileRef     string `msgpack:"fileRef"`
	Status      string `msgpack:"status"`
	CreatedAt   int64  `msgpack:"createdAt"` // Unix nanoseconds
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:     models.MessageID(m.ID),
		Seq:    m.Seq,
		Sender: models.Identity(m.SenderID),
		Target: models.Target{
			User:  models.Identity(m.RecipientID),
			Group: models.GroupID(m.GroupID),
		},
		Kind:      models.PayloadKind(m.Kind),
		Content:   m.Content,
		FileRef:   m.FileRef,
		Status:    models.Status(m.Status),
		CreatedAt: time.Unix(0, m.CreatedAt).UTC(),
	}
}

func fromModelMessage(msg models.Message) DBMessage {
	return DBMessage{
		ID:          string(msg.ID),
		Seq:         msg.Seq,
		SenderID:    string(msg.Sender),
		RecipientID: string(msg.Target.User),
		GroupID:     string(msg.Target.Group),
		Kind:        string(msg.Kind),
		Content:     msg.Content,
		FileRef:     msg.FileRef,
		Status:      string(msg.Status),
		CreatedAt:   msg.CreatedAt.UnixNano(),
	}
}

// DBMessageRef locates a message by id inside its conversation bucket.
type DBMessageRef struct {
	MessageID    string `msgpack:"messageId"`
	Conversation string `msgpack:"conversation"`
	Seq          int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

// PushSubscription is a browser web-push endpoint registered by a user.
type PushSubscription struct {
	UserID    string `msgpack:"userId" json:"-"`
	Endpoint  string `msgpack:"endpoint" json:"endpoint"`
	Auth      string `msgpack:"auth" json:"auth"`
	P256dh    string `msgpack:"p256dh" json:"p256dh"`
	CreatedAt int64  `msgpack:"createdAt" json:"-"`
}

func (s *PushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
