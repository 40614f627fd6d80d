package ingest

import (
	"strconv"
	"strings"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/model"
)

const opClassify = "classify"

// Classify normalizes a raw envelope into a canonical event as seen by
// localUserID. Every field downstream code reads is populated here.
func Classify(env model.Envelope, localUserID string) (model.Event, error) {
	if env.UserID == "" {
		return model.Event{}, chaterr.Malformedf(opClassify, "%s envelope without user_id", env.Type)
	}
	receiverID, receiverType, err := resolveReceiver(env)
	if err != nil {
		return model.Event{}, err
	}

	ev := model.Event{
		ConversationID: conversationID(env.UserID, receiverID, receiverType, localUserID),
		ThreadParentID: idString(env.ParentID),
		SenderID:       env.UserID,
		ReceiverID:     receiverID,
		ReceiverType:   receiverType,
		ActorID:        env.UserID,
		At:             env.At,
	}
	if env.ActorID != "" {
		ev.ActorID = env.ActorID
	}
	ev.ActorIsMe = ev.ActorID == localUserID
	if ev.At.IsZero() {
		ev.At = env.Timestamp
	}

	switch env.Type {
	case model.TypeMessage:
		msg, err := normalizeMessage(env, ev)
		if err != nil {
			return model.Event{}, err
		}
		ev.Kind = model.EventMessageCreated
		if msg.Kind == model.KindCustom {
			ev.Kind = model.EventCustom
		}
		ev.Message = msg
		ev.MessageID = msg.ID

	case model.TypeCustom:
		env.Kind = string(model.KindCustom)
		msg, err := normalizeMessage(env, ev)
		if err != nil {
			return model.Event{}, err
		}
		ev.Kind = model.EventCustom
		ev.Message = msg
		ev.MessageID = msg.ID

	case model.TypeMessageEdited:
		if err := requireID(env); err != nil {
			return model.Event{}, err
		}
		ev.Kind = model.EventMessageEdited
		ev.MessageID = idString(env.ID)
		ev.Message = model.Message{ID: ev.MessageID, Body: env.Content}

	case model.TypeMessageDeleted:
		if err := requireID(env); err != nil {
			return model.Event{}, err
		}
		ev.Kind = model.EventMessageDeleted
		ev.MessageID = idString(env.ID)

	case model.TypeReactionAdded, model.TypeReactionRemoved:
		if err := requireID(env); err != nil {
			return model.Event{}, err
		}
		if env.Emoji == "" {
			return model.Event{}, chaterr.Malformedf(opClassify, "%s without emoji", env.Type)
		}
		ev.Kind = model.EventReactionAdded
		if env.Type == model.TypeReactionRemoved {
			ev.Kind = model.EventReactionRemoved
		}
		ev.MessageID = idString(env.ID)
		ev.Emoji = env.Emoji

	case model.TypeDelivered, model.TypeReadReceipt:
		if err := requireID(env); err != nil {
			return model.Event{}, err
		}
		if ev.At.IsZero() {
			return model.Event{}, chaterr.Malformedf(opClassify, "%s without timestamp", env.Type)
		}
		ev.Kind = model.EventDeliveryReceipt
		if env.Type == model.TypeReadReceipt {
			ev.Kind = model.EventReadReceipt
		}
		ev.MessageID = idString(env.ID)

	case model.TypeTyping, model.TypeTypingStarted, model.TypeTypingEnded:
		ev.Kind = model.EventTypingStarted
		if env.Type == model.TypeTypingEnded || isStop(env.Content) {
			ev.Kind = model.EventTypingEnded
		}
		ev.Typing = model.TypingSignal{UserID: env.UserID, Name: env.SenderName}

	case model.TypeMember:
		if !env.Action.Valid() {
			return model.Event{}, chaterr.Malformedf(opClassify, "unknown member action %q", env.Action)
		}
		if receiverType != model.ReceiverGroup {
			return model.Event{}, chaterr.Malformedf(opClassify, "member event addressed to a user")
		}
		ev.Kind = model.EventMembershipChanged
		ev.MessageID = idString(env.ID)
		ev.Membership = model.MembershipChange{
			Action:        env.Action,
			GroupID:       receiverID,
			ActorID:       ev.ActorID,
			ActorName:     env.SenderName,
			TargetID:      env.TargetID,
			TargetName:    env.TargetName,
			Role:          env.Role,
			CorrelationID: env.CorrelationID,
		}

	default:
		return model.Event{}, chaterr.Malformedf(opClassify, "unknown envelope type %q", env.Type)
	}
	return ev, nil
}

func normalizeMessage(env model.Envelope, ev model.Event) (model.Message, error) {
	if err := requireID(env); err != nil {
		return model.Message{}, err
	}
	if env.Timestamp.IsZero() {
		return model.Message{}, chaterr.Malformedf(opClassify, "message %d without timestamp", env.ID)
	}
	kind, ok := model.ParseKind(env.Kind)
	if !ok {
		return model.Message{}, chaterr.Malformedf(opClassify, "message %d has unknown kind %q", env.ID, env.Kind)
	}
	if kind == model.KindCallSummary && env.CallStatus == "" {
		return model.Message{}, chaterr.Malformedf(opClassify, "call %d without status", env.ID)
	}
	if kind.IsMedia() && env.Attachment == "" && env.Content == "" {
		return model.Message{}, chaterr.Malformedf(opClassify, "%s message %d without attachment", kind, env.ID)
	}
	body := env.Content
	if kind == model.KindCustom && body == "" && len(env.Payload) > 0 {
		body = string(env.Payload)
	}
	msg := model.Message{
		ID:             idString(env.ID),
		ConversationID: ev.ConversationID,
		ThreadParentID: ev.ThreadParentID,
		SenderID:       env.UserID,
		SenderName:     env.SenderName,
		ReceiverID:     ev.ReceiverID,
		ReceiverType:   ev.ReceiverType,
		Kind:           kind,
		Body:           body,
		AttachmentRef:  env.Attachment,
		CallStatus:     env.CallStatus,
		SentAt:         env.Timestamp.UTC(),
		ReplyCount:     env.ReplyCount,
		CorrelationID:  env.CorrelationID,
	}
	return msg, nil
}

// resolveReceiver fills in the receiver from the channel id when the envelope
// does not carry one: "dm:a:b" addresses the party other than the sender,
// anything else is a group.
func resolveReceiver(env model.Envelope) (string, model.ReceiverType, error) {
	id, typ := env.ReceiverID, env.ReceiverType
	a, b, isDM := model.ParseDMChannel(env.ChannelID)
	if typ == "" {
		typ = model.ReceiverGroup
		if isDM {
			typ = model.ReceiverUser
		}
	}
	if id == "" {
		switch {
		case isDM && env.UserID == a:
			id = b
		case isDM && env.UserID == b:
			id = a
		case !isDM:
			id = env.ChannelID
		}
	}
	if id == "" {
		return "", "", chaterr.Malformedf(opClassify, "%s envelope has no receiver", env.Type)
	}
	if typ != model.ReceiverUser && typ != model.ReceiverGroup {
		return "", "", chaterr.Malformedf(opClassify, "unknown receiver type %q", typ)
	}
	return id, typ, nil
}

// conversationID names the conversation from the local user's side: the other
// party for direct messages, the group otherwise.
func conversationID(senderID, receiverID string, typ model.ReceiverType, localUserID string) string {
	if typ == model.ReceiverGroup {
		return receiverID
	}
	if senderID == localUserID {
		return receiverID
	}
	return senderID
}

func requireID(env model.Envelope) error {
	if env.ID <= 0 {
		return chaterr.Malformedf(opClassify, "%s envelope without id", env.Type)
	}
	return nil
}

func idString(id int64) string {
	if id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func isStop(content string) bool {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "stop", "end", "ended", "stopped":
		return true
	}
	return false
}

// ParseID converts a timeline id back to its wire form. Temporary ids do not parse.
func ParseID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Envelope converts a canonical message into its wire form.
func Envelope(msg model.Message, channelID string) model.Envelope {
	id, _ := ParseID(msg.ID)
	parent, _ := ParseID(msg.ThreadParentID)
	env := model.Envelope{
		ID:            id,
		ChannelID:     channelID,
		UserID:        msg.SenderID,
		Content:       msg.Body,
		Type:          model.TypeMessage,
		Timestamp:     msg.SentAt,
		SenderName:    msg.SenderName,
		ReceiverID:    msg.ReceiverID,
		ReceiverType:  msg.ReceiverType,
		ParentID:      parent,
		Kind:          string(msg.Kind),
		Attachment:    msg.AttachmentRef,
		CallStatus:    msg.CallStatus,
		ReplyCount:    msg.ReplyCount,
		CorrelationID: msg.CorrelationID,
	}
	return env
}
