package models

import (
	"fmt"
	"time"
)

// Identity is an opaque user identifier owned by the user-management service.
type Identity string

type GroupID string

type MessageID string

// Target names the recipient of a message or typing signal.
// Exactly one of User and Group is set.
type Target struct {
	User  Identity `json:"userId,omitempty"`
	Group GroupID  `json:"groupId,omitempty"`
}

func (t Target) Validate() error {
	switch {
	case t.User != "" && t.Group != "":
		return fmt.Errorf("%w: target has both a user and a group", ErrValidation)
	case t.User == "" && t.Group == "":
		return fmt.Errorf("%w: target is empty", ErrValidation)
	}
	return nil
}

func (t Target) IsGroup() bool {
	return t.Group != ""
}

func (t Target) String() string {
	if t.IsGroup() {
		return "group:" + string(t.Group)
	}
	return "user:" + string(t.User)
}

type PayloadKind string

const (
	PayloadKindText  PayloadKind = "text"
	PayloadKindImage PayloadKind = "image"
	PayloadKindAudio PayloadKind = "audio"
	PayloadKindVideo PayloadKind = "video"
	PayloadKindFile  PayloadKind = "file"
)

func (k PayloadKind) Valid() bool {
	switch k {
	case PayloadKindText, PayloadKindImage, PayloadKindAudio, PayloadKindVideo, PayloadKindFile:
		return true
	}
	return false
}

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	return next.Rank() > s.Rank()
}

// Message represents a routed chat message.
type Message struct {
	ID        MessageID   `json:"id"`
	Seq       int64       `json:"seq"` // Per-conversation storage sequence, used as the history cursor
	Sender    Identity    `json:"senderId"`
	Target    Target      `json:"target"`
	Kind      PayloadKind `json:"payloadKind"`
	Content   string      `json:"content,omitempty"`
	FileRef   string      `json:"fileReference,omitempty"`
	Status    Status      `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Recipient reports whether id is an addressee of a direct message.
// For group messages every identity other than the sender may be one.
func (m Message) Recipient(id Identity) bool {
	if id == m.Sender {
		return false
	}
	if m.Target.IsGroup() {
		return true
	}
	return m.Target.User == id
}

// Group is a named collection of member identities.
type Group struct {
	ID      GroupID    `json:"id"`
	Name    string     `json:"name"`
	Members []Identity `json:"members"`
}

func (g Group) HasMember(id Identity) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// HistoryOrder selects the order of a history page.
type HistoryOrder string

const (
	HistoryNewestFirst HistoryOrder = "desc"
	HistoryOldestFirst HistoryOrder = "asc"
)

// HistoryQuery selects messages of one conversation.
// Set Peer for a direct conversation between Viewer and Peer, or Group.
type HistoryQuery struct {
	Viewer Identity
	Peer   Identity
	Group  GroupID
	Before int64 // Exclusive seq cursor; 0 means from the newest message
	After  int64 // Exclusive seq cursor for oldest-first paging
	Limit  int
	Order  HistoryOrder
}

type HistoryPage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

// APIResponse is a generic JSON reply of the HTTP handlers.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
