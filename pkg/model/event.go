package model

import "time"

// EventKind classifies canonical events. Every raw envelope maps to exactly one kind.
type EventKind int

const (
	EventMessageCreated EventKind = iota + 1
	EventMessageEdited
	EventMessageDeleted
	EventReactionAdded
	EventReactionRemoved
	EventDeliveryReceipt
	EventReadReceipt
	EventTypingStarted
	EventTypingEnded
	EventMembershipChanged
	EventCustom
)

var eventKindNames = map[EventKind]string{
	EventMessageCreated:    "message_created",
	EventMessageEdited:     "message_edited",
	EventMessageDeleted:    "message_deleted",
	EventReactionAdded:     "reaction_added",
	EventReactionRemoved:   "reaction_removed",
	EventDeliveryReceipt:   "delivery_receipt",
	EventReadReceipt:       "read_receipt",
	EventTypingStarted:     "typing_started",
	EventTypingEnded:       "typing_ended",
	EventMembershipChanged: "membership_changed",
	EventCustom:            "custom",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// AllEventKinds lists every kind in declaration order.
func AllEventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventKindNames))
	for k := EventMessageCreated; k <= EventCustom; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

type MemberAction string

const (
	MemberAdded        MemberAction = "added"
	MemberJoined       MemberAction = "joined"
	MemberKicked       MemberAction = "kicked"
	MemberBanned       MemberAction = "banned"
	MemberUnbanned     MemberAction = "unbanned"
	MemberRoleChanged  MemberAction = "role_changed"
	MemberLeft         MemberAction = "left"
	MemberGroupDeleted MemberAction = "group_deleted"
)

func (a MemberAction) Valid() bool {
	switch a {
	case MemberAdded, MemberJoined, MemberKicked, MemberBanned, MemberUnbanned,
		MemberRoleChanged, MemberLeft, MemberGroupDeleted:
		return true
	}
	return false
}

// MembershipChange describes a group membership or admin action.
type MembershipChange struct {
	Action        MemberAction
	GroupID       string
	ActorID       string
	ActorName     string
	TargetID      string
	TargetName    string
	Role          string
	CorrelationID string
}

type TypingSignal struct {
	UserID string
	Name   string
}

// Event is the canonical form of an inbound notification. Which fields are
// meaningful depends on Kind; the gateway guarantees they are populated.
type Event struct {
	Kind           EventKind
	ConversationID string
	// ThreadParentID is the thread of the event's target message, empty for the main timeline.
	ThreadParentID string

	// Routing: who sent the event and to whom it was addressed.
	SenderID     string
	ReceiverID   string
	ReceiverType ReceiverType

	// Message is set for MessageCreated, MessageEdited and Custom.
	Message Message

	// MessageID is the target of edits, deletes, reactions and receipts.
	MessageID string
	Emoji     string
	ActorID   string
	ActorIsMe bool

	// At is the receipt, edit or delete time.
	At time.Time

	Typing     TypingSignal
	Membership MembershipChange
}

// TargetID returns the id of the message the event is about.
func (e Event) TargetID() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.Message.ID
}
