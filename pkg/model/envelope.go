package model

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeMessage         MessageType = "message"
	TypeMessageEdited   MessageType = "message_edited"
	TypeMessageDeleted  MessageType = "message_deleted"
	TypeReactionAdded   MessageType = "reaction_added"
	TypeReactionRemoved MessageType = "reaction_removed"
	TypeDelivered       MessageType = "delivered"
	TypeReadReceipt     MessageType = "read_receipt"
	TypeTyping          MessageType = "typing"
	TypeTypingStarted   MessageType = "typing_started"
	TypeTypingEnded     MessageType = "typing_ended"
	TypeMember          MessageType = "member"
	TypeCustom          MessageType = "custom"
	TypePresence        MessageType = "presence"
	TypeRequest         MessageType = "request"
	TypeAck             MessageType = "ack"
)

// Envelope is the JSON shape exchanged with the gateway. The first six fields are
// the original chat wire format; the rest are optional extensions.
type Envelope struct {
	ID        int64       `json:"id"`
	ChannelID string      `json:"channel_id"`
	UserID    string      `json:"user_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	SenderName    string          `json:"sender_name,omitempty"`
	ReceiverID    string          `json:"receiver_id,omitempty"`
	ReceiverType  ReceiverType    `json:"receiver_type,omitempty"`
	ParentID      int64           `json:"parent_id,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Attachment    string          `json:"attachment,omitempty"`
	CallStatus    CallStatus      `json:"call_status,omitempty"`
	ReplyCount    int             `json:"reply_count,omitempty"`
	Emoji         string          `json:"emoji,omitempty"`
	Action        MemberAction    `json:"action,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	TargetID      string          `json:"target_id,omitempty"`
	TargetName    string          `json:"target_name,omitempty"`
	Role          string          `json:"role,omitempty"`
	At            time.Time       `json:"at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Op            string          `json:"op,omitempty"`
	Error         *WireError      `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// WireError is carried by ack envelopes when a request failed.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *WireError) Error() string {
	if e == nil {
		return "unknown error"
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Message + " (" + e.Code + ")"
}
