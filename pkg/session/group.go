package session

import (
	"context"
	"errors"

	"github.com/mahaj/chatsync/pkg/action"
	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/model"
)

var errNotGroup = errors.New("not a group conversation")

// AddMember adds userID to the group.
func (s *Session) AddMember(ctx context.Context, userID string) error {
	return s.memberAction(ctx, "add member", model.MemberAdded, userID, "",
		func(m Membership, group, corr string) error { return m.AddMember(ctx, group, userID, corr) })
}

// KickMember removes userID from the group.
func (s *Session) KickMember(ctx context.Context, userID string) error {
	return s.memberAction(ctx, "kick member", model.MemberKicked, userID, "",
		func(m Membership, group, corr string) error { return m.KickMember(ctx, group, userID, corr) })
}

func (s *Session) BanMember(ctx context.Context, userID string) error {
	return s.memberAction(ctx, "ban member", model.MemberBanned, userID, "",
		func(m Membership, group, corr string) error { return m.BanMember(ctx, group, userID, corr) })
}

func (s *Session) UnbanMember(ctx context.Context, userID string) error {
	return s.memberAction(ctx, "unban member", model.MemberUnbanned, userID, "",
		func(m Membership, group, corr string) error { return m.UnbanMember(ctx, group, userID, corr) })
}

// ChangeRole sets userID's role to one of the action.Role constants.
func (s *Session) ChangeRole(ctx context.Context, userID, role string) error {
	if !action.ValidRole(role) {
		return chaterr.Malformedf("change role", "unknown role %q", role)
	}
	return s.memberAction(ctx, "change role", model.MemberRoleChanged, userID, role,
		func(m Membership, group, corr string) error { return m.ChangeRole(ctx, group, userID, role, corr) })
}

// Leave removes the local user from the group.
func (s *Session) Leave(ctx context.Context) error {
	return s.memberAction(ctx, "leave", model.MemberLeft, "", "",
		func(m Membership, group, corr string) error { return m.Leave(ctx, group, corr) })
}

func (s *Session) DeleteGroup(ctx context.Context) error {
	return s.memberAction(ctx, "delete group", model.MemberGroupDeleted, "", "",
		func(m Membership, group, corr string) error { return m.DeleteGroup(ctx, group, corr) })
}

// memberAction checks what the local roster allows, calls the backend, and on
// success appends the action line right away. A failed call changes nothing.
func (s *Session) memberAction(ctx context.Context, op string, act model.MemberAction, target, role string, call func(m Membership, groupID, correlationID string) error) error {
	if s.closed.Load() {
		return chaterr.Closed(op)
	}
	if !s.cfg.Conversation.IsGroup() || s.cfg.ThreadParentID != "" {
		return chaterr.Malformed(op, errNotGroup)
	}
	if s.backend.Membership == nil {
		return chaterr.Permission(op, errors.New("no membership backend"))
	}
	if (act != model.MemberLeft && act != model.MemberGroupDeleted) && target == "" {
		return chaterr.Malformedf(op, "user id is required")
	}

	var (
		targetName string
		allowed    = true
	)
	if err := s.do(ctx, op, func() {
		targetName = s.members[target].Name
		allowed = s.permitted(act, target)
	}); err != nil {
		return err
	}
	if !allowed {
		return chaterr.Permission(op, errors.New("role does not allow this action"))
	}

	corr := s.synth.NewCorrelationID()
	if err := call(s.backend.Membership, s.cfg.Conversation.ID, corr); err != nil {
		s.logger.Warn().Err(err).Str("action", string(act)).Str("target", target).Msg("member action failed")
		return chaterr.Wrap(op, err)
	}

	change := model.MembershipChange{
		Action:        act,
		GroupID:       s.cfg.Conversation.ID,
		TargetID:      target,
		TargetName:    targetName,
		Role:          role,
		CorrelationID: corr,
	}
	line := s.synth.Local(change)
	s.settle(func() {
		change.ActorID = s.cfg.LocalUserID
		s.trackMember(change)
		s.commit(s.timeline.AppendLocal(line))
	})
	return nil
}

// permitted applies the group role rules when the roster is loaded; without a
// roster the backend decides. Run loop only.
func (s *Session) permitted(act model.MemberAction, target string) bool {
	me, ok := s.members[s.cfg.LocalUserID]
	if !ok {
		return true
	}
	switch act {
	case model.MemberAdded:
		return action.CanAdd(me.Role)
	case model.MemberKicked, model.MemberBanned, model.MemberUnbanned:
		other, known := s.members[target]
		if !known {
			// banned users are no longer on the roster
			return act == model.MemberUnbanned && action.CanAdd(me.Role)
		}
		return action.CanKick(me.Role, other.Role, target == s.cfg.LocalUserID)
	case model.MemberRoleChanged:
		other, known := s.members[target]
		if !known {
			return false
		}
		return target != s.cfg.LocalUserID && action.CanChangeRole(me.Role, other.Role)
	case model.MemberGroupDeleted:
		return me.Role == action.RoleAdmin
	}
	return true
}
