package model

import (
	"strings"
	"time"
)

// DeletedBody replaces the body of a tombstoned message.
const DeletedBody = "This message was deleted"

type MessageKind string

const (
	KindText            MessageKind = "text"
	KindImage           MessageKind = "image"
	KindVideo           MessageKind = "video"
	KindAudio           MessageKind = "audio"
	KindCustom          MessageKind = "custom"
	KindCallSummary     MessageKind = "call"
	KindActionSynthetic MessageKind = "action"
)

// ParseKind maps a wire kind to a MessageKind. Unknown kinds report false.
func ParseKind(s string) (MessageKind, bool) {
	switch MessageKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindText:
		return KindText, true
	case KindImage:
		return KindImage, true
	case KindVideo:
		return KindVideo, true
	case KindAudio:
		return KindAudio, true
	case KindCustom:
		return KindCustom, true
	case KindCallSummary:
		return KindCallSummary, true
	case KindActionSynthetic:
		return KindActionSynthetic, true
	}
	return "", false
}

func (k MessageKind) IsMedia() bool {
	return k == KindImage || k == KindVideo || k == KindAudio
}

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallOngoing   CallStatus = "ongoing"
	CallEnded     CallStatus = "ended"
	CallMissed    CallStatus = "missed"
	CallRejected  CallStatus = "rejected"
	CallCancelled CallStatus = "cancelled"
)

// Call media. A call summary message carries its medium in Body.
const (
	CallAudio = "audio"
	CallVideo = "video"
)

// Terminal reports whether the call has finished and can be shown in a timeline.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallEnded, CallMissed, CallRejected, CallCancelled:
		return true
	}
	return false
}

// SendState tracks locally originated messages until the backend confirms them.
type SendState int

const (
	SendConfirmed SendState = iota
	SendPending
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Message is the canonical, fully populated timeline entry. Zero times mean "unset".
type Message struct {
	ID             string                       `json:"id"`
	ConversationID string                       `json:"conversation_id"`
	ThreadParentID string                       `json:"thread_parent_id,omitempty"`
	SenderID       string                       `json:"sender_id"`
	SenderName     string                       `json:"sender_name,omitempty"`
	ReceiverID     string                       `json:"receiver_id"`
	ReceiverType   ReceiverType                 `json:"receiver_type"`
	Kind           MessageKind                  `json:"kind"`
	Body           string                       `json:"body"`
	AttachmentRef  string                       `json:"attachment_ref,omitempty"`
	CallStatus     CallStatus                   `json:"call_status,omitempty"`
	SentAt         time.Time                    `json:"sent_at"`
	EditedAt       time.Time                    `json:"edited_at,omitempty"`
	DeletedAt      time.Time                    `json:"deleted_at,omitempty"`
	DeliveredAt    time.Time                    `json:"delivered_at,omitempty"`
	ReadAt         time.Time                    `json:"read_at,omitempty"`
	Reactions      map[string]ReactionAggregate `json:"reactions,omitempty"`
	ReplyCount     int                          `json:"reply_count,omitempty"`
	CorrelationID  string                       `json:"correlation_id,omitempty"`
	SendState      SendState                    `json:"send_state,omitempty"`
}

func (m *Message) Deleted() bool { return !m.DeletedAt.IsZero() }

func (m *Message) Edited() bool { return !m.EditedAt.IsZero() }

func (m *Message) IsReply() bool { return m.ThreadParentID != "" }

// Clone returns a deep copy; the reaction map is never shared between snapshots.
func (m Message) Clone() Message {
	if m.Reactions != nil {
		reactions := make(map[string]ReactionAggregate, len(m.Reactions))
		for k, v := range m.Reactions {
			reactions[k] = v
		}
		m.Reactions = reactions
	}
	return m
}

// Tombstone returns the deleted form of m. Identity, sender, receiver, thread parent
// and sentAt survive; content does not. An existing deletedAt is kept.
func (m Message) Tombstone(now time.Time) Message {
	out := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ThreadParentID: m.ThreadParentID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		ReceiverID:     m.ReceiverID,
		ReceiverType:   m.ReceiverType,
		Kind:           KindText,
		Body:           DeletedBody,
		SentAt:         m.SentAt,
		DeletedAt:      m.DeletedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		ReplyCount:     m.ReplyCount,
	}
	if out.DeletedAt.IsZero() {
		out.DeletedAt = now
	}
	return out
}

// Less orders messages by sentAt, then id.
func Less(a, b *Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// ReactionAggregate is the per-emoji reaction summary of one message.
type ReactionAggregate struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reacted_by_me"`

	// mine counts how many of Count the local user contributed.
	mine int
}

func (r ReactionAggregate) myShare() int {
	if r.mine == 0 && r.ReactedByMe {
		return 1
	}
	return r.mine
}

// Add records one more reaction.
func (r ReactionAggregate) Add(byMe bool) ReactionAggregate {
	mine := r.myShare()
	r.Count++
	if byMe {
		mine++
	}
	r.mine = mine
	r.ReactedByMe = mine > 0
	return r
}

// Remove records one reaction going away. The second result is false when the
// aggregate drops to zero and must be deleted.
func (r ReactionAggregate) Remove(byMe bool) (ReactionAggregate, bool) {
	mine := r.myShare()
	r.Count--
	if byMe && mine > 0 {
		mine--
	}
	if mine > r.Count {
		mine = r.Count
	}
	r.mine = mine
	r.ReactedByMe = mine > 0
	return r, r.Count > 0
}
