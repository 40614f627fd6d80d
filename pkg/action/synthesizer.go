// Package action turns group membership changes into timeline lines.
package action

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/snowflake"
)

// IDSource issues temporary ids for locally synthesized lines.
type IDSource interface {
	LocalID() string
}

// Synthesizer builds ActionSynthetic messages for one group and local user.
type Synthesizer struct {
	localUserID string
	ids         IDSource
	now         func() time.Time
	newUUID     func() string
}

type Option func(*Synthesizer)

func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) { s.now = now }
}

func WithCorrelationIDs(next func() string) Option {
	return func(s *Synthesizer) { s.newUUID = next }
}

func New(localUserID string, ids IDSource, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		localUserID: localUserID,
		ids:         ids,
		now:         time.Now,
		newUUID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewCorrelationID returns a fresh id to attach to an outgoing membership request.
func (s *Synthesizer) NewCorrelationID() string {
	return s.newUUID()
}

// Local builds the optimistic line for an action the local user just performed.
// change.ActorID is overwritten with the local user; an empty CorrelationID is
// filled in.
func (s *Synthesizer) Local(change model.MembershipChange) model.Message {
	change.ActorID = s.localUserID
	if change.CorrelationID == "" {
		change.CorrelationID = s.newUUID()
	}
	msg := s.build(change, s.now())
	msg.ID = s.ids.LocalID()
	return msg
}

// FromEvent builds the line for an authoritative membership event. id is the
// server's message id when it sent one; otherwise a temporary id is used.
func (s *Synthesizer) FromEvent(id string, change model.MembershipChange, at time.Time) model.Message {
	if at.IsZero() {
		at = s.now()
	}
	msg := s.build(change, at)
	msg.ID = id
	if msg.ID == "" {
		msg.ID = s.ids.LocalID()
	}
	return msg
}

func (s *Synthesizer) build(change model.MembershipChange, at time.Time) model.Message {
	return model.Message{
		ConversationID: change.GroupID,
		SenderID:       change.ActorID,
		SenderName:     change.ActorName,
		ReceiverID:     change.GroupID,
		ReceiverType:   model.ReceiverGroup,
		Kind:           model.KindActionSynthetic,
		Body:           s.Text(change),
		SentAt:         at,
		CorrelationID:  change.CorrelationID,
	}
}

// Text renders change from the local user's point of view.
func (s *Synthesizer) Text(change model.MembershipChange) string {
	actor := s.name(change.ActorID, change.ActorName, "You")
	target := s.name(change.TargetID, change.TargetName, "you")

	switch change.Action {
	case model.MemberAdded:
		return fmt.Sprintf("%s added %s", actor, target)
	case model.MemberKicked:
		return fmt.Sprintf("%s removed %s", actor, target)
	case model.MemberBanned:
		return fmt.Sprintf("%s banned %s", actor, target)
	case model.MemberUnbanned:
		return fmt.Sprintf("%s unbanned %s", actor, target)
	case model.MemberRoleChanged:
		if change.TargetID == s.localUserID {
			return fmt.Sprintf("%s changed your role to %s", actor, change.Role)
		}
		return fmt.Sprintf("%s changed %s's role to %s", actor, target, change.Role)
	case model.MemberLeft:
		return actor + " left the group"
	case model.MemberJoined:
		return actor + " joined the group"
	case model.MemberGroupDeleted:
		return actor + " deleted the group"
	}
	return fmt.Sprintf("%s updated the group", actor)
}

func (s *Synthesizer) name(id, display, self string) string {
	if id != "" && id == s.localUserID {
		return self
	}
	if display != "" {
		return display
	}
	if id != "" {
		return id
	}
	return "Someone"
}

var _ IDSource = (*snowflake.Node)(nil)
