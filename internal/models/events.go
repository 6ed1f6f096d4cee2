package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type ClientMessageType string

const (
	ClientMessageTypeMessage     ClientMessageType = "message"
	ClientMessageTypeTyping      ClientMessageType = "typing"
	ClientMessageTypeReadReceipt ClientMessageType = "readReceipt"
)

// ClientMessage is the wire frame sent from a client to the server.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

// Inbound is one of SendMessage, SetTyping or ReadReceipt.
type Inbound interface {
	inbound()
}

// SendMessage asks the router to create and deliver a message.
// Ref is an opaque client correlation token echoed back in error events;
// it never becomes the message identifier.
type SendMessage struct {
	Target  Target      `json:"target"`
	Kind    PayloadKind `json:"payloadKind" validate:"required,oneof=text image audio video file"`
	Content string      `json:"content,omitempty"`
	FileRef string      `json:"fileReference,omitempty" validate:"omitempty,max=2048"`
	Ref     string      `json:"ref,omitempty" validate:"omitempty,max=64"`
}

type SetTyping struct {
	Target   Target `json:"target"`
	IsTyping bool   `json:"isTyping"`
}

type ReadReceipt struct {
	MessageID MessageID `json:"messageId"`
}

func (SendMessage) inbound() {}
func (SetTyping) inbound()   {}
func (ReadReceipt) inbound() {}

// Decode turns a wire frame into its inbound variant.
func (m ClientMessage) Decode() (Inbound, error) {
	var (
		in  Inbound
		err error
	)
	switch m.Type {
	case ClientMessageTypeMessage:
		var v SendMessage
		err = m.unmarshal(&v)
		in = v
	case ClientMessageTypeTyping:
		var v SetTyping
		err = m.unmarshal(&v)
		in = v
	case ClientMessageTypeReadReceipt:
		var v ReadReceipt
		err = m.unmarshal(&v)
		in = v
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrValidation, m.Type)
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (m ClientMessage) unmarshal(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s frame has no data", ErrValidation, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s frame: %v", ErrValidation, m.Type, err)
	}
	return nil
}

// NewClientMessage wraps an inbound variant into a wire frame.
func NewClientMessage(in Inbound) (ClientMessage, error) {
	var t ClientMessageType
	switch in.(type) {
	case SendMessage:
		t = ClientMessageTypeMessage
	case SetTyping:
		t = ClientMessageTypeTyping
	case ReadReceipt:
		t = ClientMessageTypeReadReceipt
	default:
		return ClientMessage{}, fmt.Errorf("%w: unsupported inbound %T", ErrValidation, in)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return ClientMessage{}, err
	}
	return ClientMessage{Type: t, Data: data}, nil
}

type ServerMessageType string

const (
	ServerMessageTypeMessage       ServerMessageType = "message"
	ServerMessageTypeTypingChanged ServerMessageType = "typingChanged"
	ServerMessageTypeStatusChanged ServerMessageType = "statusChanged"
	ServerMessageTypeError         ServerMessageType = "error"
)

// ServerMessage represents an event sent to a client. Exactly one payload
// field matching Type is set.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Message *Message          `json:"message,omitempty"`
	Typing  *TypingChanged    `json:"typing,omitempty"`
	Status  *StatusChanged    `json:"status,omitempty"`
	Error   *ErrorEvent       `json:"error,omitempty"`
}

type TypingChanged struct {
	Sender   Identity `json:"senderId"`
	Target   Target   `json:"target"`
	IsTyping bool     `json:"isTyping"`
}

type StatusChanged struct {
	MessageID MessageID `json:"messageId"`
	Status    Status    `json:"newStatus"`
	At        time.Time `json:"at"`
}

type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Ref     string    `json:"ref,omitempty"`
}

// Droppable reports whether the event may be discarded under backpressure.
func (m ServerMessage) Droppable() bool {
	return m.Type == ServerMessageTypeTypingChanged
}

func NewMessageEvent(msg Message) ServerMessage {
	return ServerMessage{Type: ServerMessageTypeMessage, Message: &msg}
}

func NewTypingEvent(t TypingChanged) ServerMessage {
	return ServerMessage{Type: ServerMessageTypeTypingChanged, Typing: &t}
}

func NewStatusEvent(id MessageID, status Status, at time.Time) ServerMessage {
	return ServerMessage{
		Type:   ServerMessageTypeStatusChanged,
		Status: &StatusChanged{MessageID: id, Status: status, At: at},
	}
}

func NewErrorEvent(err error, ref string) ServerMessage {
	return ServerMessage{
		Type: ServerMessageTypeError,
		Error: &ErrorEvent{
			Code:    CodeOf(err),
			Message: err.Error(),
			Ref:     ref,
		},
	}
}
