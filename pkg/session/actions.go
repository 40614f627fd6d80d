package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

// Send posts a text message. The entry shows up as pending at once and is
// confirmed or marked failed when the backend answers; it is never removed.
func (s *Session) Send(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return chaterr.Malformedf("send", "empty message")
	}
	return s.send(ctx, "send", model.KindText, body, "")
}

// SendMedia posts an attachment that was uploaded elsewhere.
func (s *Session) SendMedia(ctx context.Context, kind model.MessageKind, ref, caption string) error {
	if !kind.IsMedia() {
		return chaterr.Malformedf("send media", "%q is not a media kind", kind)
	}
	if ref == "" {
		return chaterr.Malformedf("send media", "attachment reference is required")
	}
	return s.send(ctx, "send media", kind, caption, ref)
}

func (s *Session) send(ctx context.Context, op string, kind model.MessageKind, body, ref string) error {
	conv := s.cfg.Conversation
	msg := model.Message{
		ID:             s.ids.GenerateString(),
		ConversationID: conv.ID,
		ThreadParentID: s.cfg.ThreadParentID,
		SenderID:       s.cfg.LocalUserID,
		ReceiverID:     conv.ID,
		ReceiverType:   conv.ReceiverType(),
		Kind:           kind,
		Body:           body,
		AttachmentRef:  ref,
		SentAt:         s.now().UTC(),
		CorrelationID:  uuid.NewString(),
		SendState:      model.SendPending,
	}
	localID := msg.ID

	if err := s.do(ctx, op, func() { s.commit(s.timeline.AppendLocal(msg)) }); err != nil {
		return err
	}

	confirmed, err := s.backend.Messenger.SendMessage(ctx, msg)
	if err != nil {
		metrics.Sends.WithLabelValues(metrics.OutcomeError).Inc()
		s.logger.Warn().Err(err).Str("message_id", localID).Msg("send failed")
		s.settle(func() { s.commit(s.timeline.MarkFailed(localID)) })
		return chaterr.Wrap(op, err)
	}
	metrics.Sends.WithLabelValues(metrics.OutcomeOK).Inc()
	if confirmed.ID == "" {
		confirmed = msg
	}
	if confirmed.CorrelationID == "" {
		confirmed.CorrelationID = msg.CorrelationID
	}
	s.settle(func() { s.commit(s.timeline.Confirm(localID, confirmed)) })
	return nil
}

// settle applies a backend result on the run loop and waits for it. Results
// that arrive after Close are dropped.
func (s *Session) settle(fn func()) {
	if err := s.do(context.Background(), "apply result", fn); err != nil {
		s.logger.Debug().Err(err).Msg("result discarded")
	}
}

// lookup returns the message id names, failing when the view does not hold it.
func (s *Session) lookup(ctx context.Context, op, id string) (model.Message, error) {
	var (
		msg model.Message
		ok  bool
	)
	if err := s.do(ctx, op, func() { msg, ok = s.timeline.Get(id) }); err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, chaterr.NotFound(op, nil)
	}
	if msg.Deleted() {
		return model.Message{}, chaterr.NotFound(op, errors.New("message was deleted"))
	}
	return msg, nil
}

// Edit replaces the body of one of the local user's messages once the backend
// accepts it.
func (s *Session) Edit(ctx context.Context, id, body string) error {
	const op = "edit"
	if strings.TrimSpace(body) == "" {
		return chaterr.Malformedf(op, "empty message")
	}
	msg, err := s.lookup(ctx, op, id)
	if err != nil {
		return err
	}
	if msg.SenderID != s.cfg.LocalUserID {
		return chaterr.Permission(op, nil)
	}
	if msg.SendState == model.SendPending {
		return chaterr.Transient(op, errors.New("message is still sending"))
	}

	edited, err := s.backend.Messenger.EditMessage(ctx, s.cfg.Conversation, id, body)
	if err != nil {
		return chaterr.Wrap(op, err)
	}
	at := edited.EditedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	if edited.Body == "" {
		edited.Body = body
	}
	ev := model.Event{
		Kind:      model.EventMessageEdited,
		MessageID: id,
		Message:   model.Message{ID: id, Body: edited.Body},
		ActorID:   s.cfg.LocalUserID,
		ActorIsMe: true,
		At:        at,
	}
	s.settle(func() { s.commit(s.timeline.Apply(ev)) })
	return nil
}

// Delete tombstones one of the local user's messages once the backend accepts it.
func (s *Session) Delete(ctx context.Context, id string) error {
	const op = "delete"
	msg, err := s.lookup(ctx, op, id)
	if err != nil {
		return err
	}
	if msg.SenderID != s.cfg.LocalUserID {
		return chaterr.Permission(op, nil)
	}
	if err := s.backend.Messenger.DeleteMessage(ctx, s.cfg.Conversation, id); err != nil {
		return chaterr.Wrap(op, err)
	}
	ev := model.Event{
		Kind:      model.EventMessageDeleted,
		MessageID: id,
		ActorID:   s.cfg.LocalUserID,
		ActorIsMe: true,
		At:        s.now().UTC(),
	}
	s.settle(func() { s.commit(s.timeline.Apply(ev)) })
	return nil
}

// React adds the local user's emoji to a message.
func (s *Session) React(ctx context.Context, id, emoji string) error {
	return s.react(ctx, "react", model.EventReactionAdded, id, emoji)
}

// Unreact removes the local user's emoji from a message.
func (s *Session) Unreact(ctx context.Context, id, emoji string) error {
	return s.react(ctx, "unreact", model.EventReactionRemoved, id, emoji)
}

func (s *Session) react(ctx context.Context, op string, kind model.EventKind, id, emoji string) error {
	if emoji == "" {
		return chaterr.Malformedf(op, "emoji is required")
	}
	msg, err := s.lookup(ctx, op, id)
	if err != nil {
		return err
	}
	if kind == model.EventReactionRemoved && !msg.Reactions[emoji].ReactedByMe {
		return nil
	}

	key := echoKey(kind, id, emoji)
	s.echoes.expect(key, s.now())
	if kind == model.EventReactionAdded {
		err = s.backend.Messenger.AddReaction(ctx, s.cfg.Conversation, id, emoji)
	} else {
		err = s.backend.Messenger.RemoveReaction(ctx, s.cfg.Conversation, id, emoji)
	}
	if err != nil {
		s.echoes.cancel(key)
		return chaterr.Wrap(op, err)
	}
	ev := model.Event{
		Kind:      kind,
		MessageID: id,
		Emoji:     emoji,
		ActorID:   s.cfg.LocalUserID,
		ActorIsMe: true,
		At:        s.now().UTC(),
	}
	s.settle(func() { s.commit(s.timeline.Apply(ev)) })
	return nil
}

// FetchOlder loads the next older page of history. It is a no-op while a fetch
// is running or once history is exhausted. A page that lands after Close is
// discarded.
func (s *Session) FetchOlder(ctx context.Context) error {
	const op = "fetch older"
	if s.closed.Load() {
		return chaterr.Closed(op)
	}
	if s.pager.Loading() {
		return nil
	}
	s.notify()

	batch, exhausted, err := s.pager.FetchOlder(ctx)
	if err != nil {
		s.notify()
		return err
	}
	if err := s.do(ctx, op, func() {
		s.timeline.SetExhausted(exhausted)
		res := s.timeline.ApplyHistory(batch)
		// has-more flips even when the page was empty
		res.Changed = true
		s.commit(res)
	}); err != nil {
		if chaterr.Is(err, chaterr.KindClosed) {
			s.logger.Debug().Int("count", len(batch)).Msg("history page discarded after close")
		}
		return err
	}
	return nil
}

// Keystroke records local typing activity.
func (s *Session) Keystroke() {
	if s.closed.Load() {
		return
	}
	s.typing.Keystroke()
}

// Message returns the entry with the given id, replies and the thread parent included.
func (s *Session) Message(ctx context.Context, id string) (model.Message, error) {
	var (
		msg model.Message
		ok  bool
	)
	if err := s.do(ctx, "get message", func() { msg, ok = s.timeline.Get(id) }); err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, chaterr.NotFound("get message", nil)
	}
	return msg, nil
}

// Replies returns the replies the main view holds for parentID.
func (s *Session) Replies(ctx context.Context, parentID string) ([]model.Message, error) {
	var out []model.Message
	err := s.do(ctx, "replies", func() { out = s.timeline.Replies(parentID) })
	return out, err
}
