package action

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/chatsync/pkg/model"
)

type seqIDs struct{ n int }

func (s *seqIDs) LocalID() string {
	s.n++
	return fmt.Sprintf("local-%d", s.n)
}

var now = time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

func newTestSynth() *Synthesizer {
	return New("me", &seqIDs{},
		WithClock(func() time.Time { return now }),
		WithCorrelationIDs(func() string { return "corr-1" }))
}

func TestLocalLines(t *testing.T) {
	s := newTestSynth()
	tests := []struct {
		change model.MembershipChange
		want   string
	}{
		{model.MembershipChange{Action: model.MemberAdded, TargetID: "u2", TargetName: "Bob"}, "You added Bob"},
		{model.MembershipChange{Action: model.MemberKicked, TargetID: "u2"}, "You removed u2"},
		{model.MembershipChange{Action: model.MemberBanned, TargetID: "u2", TargetName: "Bob"}, "You banned Bob"},
		{model.MembershipChange{Action: model.MemberUnbanned, TargetID: "u2", TargetName: "Bob"}, "You unbanned Bob"},
		{model.MembershipChange{Action: model.MemberRoleChanged, TargetID: "u2", TargetName: "Bob", Role: "moderator"}, "You changed Bob's role to moderator"},
		{model.MembershipChange{Action: model.MemberLeft}, "You left the group"},
		{model.MembershipChange{Action: model.MemberGroupDeleted}, "You deleted the group"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			tt.change.GroupID = "g1"
			msg := s.Local(tt.change)
			require.Equal(t, tt.want, msg.Body)
			require.Equal(t, model.KindActionSynthetic, msg.Kind)
			require.Equal(t, "me", msg.SenderID)
			require.Equal(t, "g1", msg.ConversationID)
			require.Equal(t, model.ReceiverGroup, msg.ReceiverType)
			require.Equal(t, now, msg.SentAt)
			require.Equal(t, "corr-1", msg.CorrelationID)
			require.Contains(t, msg.ID, "local-")
			require.False(t, msg.Deleted())
		})
	}
}

func TestLocalKeepsCallerCorrelationID(t *testing.T) {
	s := newTestSynth()
	msg := s.Local(model.MembershipChange{Action: model.MemberKicked, GroupID: "g1", TargetID: "u2", CorrelationID: "abc"})
	require.Equal(t, "abc", msg.CorrelationID)
}

func TestRemoteLines(t *testing.T) {
	s := newTestSynth()
	tests := []struct {
		change model.MembershipChange
		want   string
	}{
		{model.MembershipChange{Action: model.MemberAdded, ActorID: "u1", ActorName: "Alice", TargetID: "me"}, "Alice added you"},
		{model.MembershipChange{Action: model.MemberJoined, ActorID: "u3", ActorName: "Carol"}, "Carol joined the group"},
		{model.MembershipChange{Action: model.MemberKicked, ActorID: "u1", ActorName: "Alice", TargetID: "u3", TargetName: "Carol"}, "Alice removed Carol"},
		{model.MembershipChange{Action: model.MemberRoleChanged, ActorID: "u1", ActorName: "Alice", TargetID: "me", Role: "admin"}, "Alice changed your role to admin"},
		{model.MembershipChange{Action: model.MemberLeft, ActorID: "u4"}, "u4 left the group"},
		{model.MembershipChange{Action: "renamed"}, "Someone updated the group"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			msg := s.FromEvent("900", tt.change, now.Add(time.Minute))
			require.Equal(t, tt.want, msg.Body)
			require.Equal(t, "900", msg.ID)
			require.Equal(t, now.Add(time.Minute), msg.SentAt)
		})
	}
}

func TestFromEventWithoutIDGetsTemporaryID(t *testing.T) {
	s := newTestSynth()
	msg := s.FromEvent("", model.MembershipChange{Action: model.MemberJoined, ActorID: "u3"}, time.Time{})
	require.Equal(t, "local-1", msg.ID)
	require.Equal(t, now, msg.SentAt)
}

func TestRoles(t *testing.T) {
	require.True(t, CanChangeRole(RoleAdmin, RoleModerator))
	require.False(t, CanChangeRole(RoleAdmin, RoleAdmin))
	require.True(t, CanChangeRole(RoleModerator, RoleParticipant))
	require.False(t, CanChangeRole(RoleModerator, RoleModerator))
	require.False(t, CanChangeRole(RoleParticipant, RoleParticipant))

	require.False(t, CanKick(RoleAdmin, RoleParticipant, true))
	require.True(t, CanKick(RoleAdmin, RoleParticipant, false))

	require.True(t, CanAdd(RoleModerator))
	require.False(t, CanAdd(RoleParticipant))
	require.True(t, ValidRole("admin"))
	require.False(t, ValidRole("owner"))
}
