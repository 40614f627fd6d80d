package ws

import (
	"context"
	"encoding/json"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/history"
	"github.com/mahaj/chatsync/pkg/ingest"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/session"
	"github.com/mahaj/chatsync/pkg/typing"
)

var (
	_ ingest.Source       = (*Client)(nil)
	_ ingest.Acknowledger = (*Client)(nil)
	_ history.Fetcher     = (*Client)(nil)
	_ typing.Signaler     = (*Client)(nil)
	_ session.Messenger   = (*Client)(nil)
	_ session.Membership  = (*Client)(nil)
)

// Request ops understood by the gateway.
const (
	OpSend      = "send"
	OpEdit      = "edit"
	OpDelete    = "delete"
	OpReact     = "react"
	OpUnreact   = "unreact"
	OpGet       = "get"
	OpHistory   = "history"
	OpMembers   = "members"
	OpMember    = "member"
	OpDelivered = "delivered"
	OpRead      = "read"
)

type historyQuery struct {
	ThreadParentID string `json:"thread_parent_id,omitempty"`
	Cursor         string `json:"cursor,omitempty"`
	Limit          int    `json:"limit"`
}

type historyPage struct {
	Messages   []model.Envelope `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

func messageID(op, id string) (int64, error) {
	n, ok := ingest.ParseID(id)
	if !ok {
		return 0, chaterr.NotFound(op, nil)
	}
	return n, nil
}

// message turns the envelope carried in an ack payload into a canonical message.
func (c *Client) message(op string, ack model.Envelope) (model.Message, error) {
	env := ack
	if len(ack.Payload) > 0 {
		env = model.Envelope{}
		if err := json.Unmarshal(ack.Payload, &env); err != nil {
			return model.Message{}, chaterr.Malformed(op, err)
		}
	}
	if env.Type == "" || env.Type == model.TypeAck {
		env.Type = model.TypeMessage
	}
	if env.ChannelID == "" {
		env.ChannelID = c.channelID
	}
	ev, err := ingest.Classify(env, c.localUserID)
	if err != nil {
		return model.Message{}, err
	}
	return ev.Message, nil
}

// SendMessage publishes msg and returns the gateway's copy. The client id in
// msg.ID is kept by the gateway.
func (c *Client) SendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	ack, err := c.request(ctx, OpSend, ingest.Envelope(msg, c.channelID))
	if err != nil {
		return model.Message{}, err
	}
	out, err := c.message(OpSend, ack)
	if err != nil {
		// the send went through; fall back to what we sent
		c.logger.Debug().Err(err).Msg("send ack without message")
		return msg, nil
	}
	return out, nil
}

func (c *Client) EditMessage(ctx context.Context, _ model.Conversation, id, body string) (model.Message, error) {
	n, err := messageID(OpEdit, id)
	if err != nil {
		return model.Message{}, err
	}
	ack, err := c.request(ctx, OpEdit, model.Envelope{ID: n, Content: body})
	if err != nil {
		return model.Message{}, err
	}
	out := model.Message{ID: id, Body: body, EditedAt: ack.At}
	if len(ack.Payload) > 0 {
		if m, err := c.message(OpEdit, ack); err == nil {
			out.Body = m.Body
		}
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, _ model.Conversation, id string) error {
	n, err := messageID(OpDelete, id)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, OpDelete, model.Envelope{ID: n})
	return err
}

func (c *Client) AddReaction(ctx context.Context, _ model.Conversation, id, emoji string) error {
	return c.reaction(ctx, OpReact, id, emoji)
}

func (c *Client) RemoveReaction(ctx context.Context, _ model.Conversation, id, emoji string) error {
	return c.reaction(ctx, OpUnreact, id, emoji)
}

func (c *Client) reaction(ctx context.Context, op, id, emoji string) error {
	n, err := messageID(op, id)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, op, model.Envelope{ID: n, Emoji: emoji})
	return err
}

func (c *Client) GetMessage(ctx context.Context, _ model.Conversation, id string) (model.Message, error) {
	n, err := messageID(OpGet, id)
	if err != nil {
		return model.Message{}, err
	}
	ack, err := c.request(ctx, OpGet, model.Envelope{ID: n})
	if err != nil {
		return model.Message{}, err
	}
	return c.message(OpGet, ack)
}

// FetchPage implements history.Fetcher.
func (c *Client) FetchPage(ctx context.Context, req history.PageRequest) (history.Page, error) {
	query, err := json.Marshal(historyQuery{ThreadParentID: req.ThreadParentID, Cursor: req.Cursor, Limit: req.Limit})
	if err != nil {
		return history.Page{}, chaterr.Malformed(OpHistory, err)
	}
	ack, err := c.request(ctx, OpHistory, model.Envelope{Payload: query})
	if err != nil {
		return history.Page{}, err
	}
	var page historyPage
	if err := json.Unmarshal(ack.Payload, &page); err != nil {
		return history.Page{}, chaterr.Malformed(OpHistory, err)
	}

	out := history.Page{NextCursor: page.NextCursor, HasMore: page.HasMore}
	for _, env := range page.Messages {
		if env.Type == "" {
			env.Type = model.TypeMessage
		}
		if env.ChannelID == "" {
			env.ChannelID = c.channelID
		}
		ev, err := ingest.Classify(env, c.localUserID)
		if err != nil {
			c.logger.Warn().Err(err).Int64("message_id", env.ID).Msg("malformed history entry skipped")
			continue
		}
		out.Messages = append(out.Messages, ev.Message)
	}
	return out, nil
}

func (c *Client) ListMembers(ctx context.Context, groupID string) ([]model.Member, error) {
	ack, err := c.request(ctx, OpMembers, model.Envelope{ChannelID: groupID})
	if err != nil {
		return nil, err
	}
	var members []model.Member
	if len(ack.Payload) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(ack.Payload, &members); err != nil {
		return nil, chaterr.Malformed(OpMembers, err)
	}
	return members, nil
}

func (c *Client) member(ctx context.Context, groupID string, act model.MemberAction, target, role, correlationID string) error {
	_, err := c.request(ctx, OpMember, model.Envelope{
		ChannelID:     groupID,
		ReceiverID:    groupID,
		ReceiverType:  model.ReceiverGroup,
		Action:        act,
		TargetID:      target,
		Role:          role,
		CorrelationID: correlationID,
	})
	return err
}

func (c *Client) AddMember(ctx context.Context, groupID, userID, correlationID string) error {
	return c.member(ctx, groupID, model.MemberAdded, userID, "", correlationID)
}

func (c *Client) KickMember(ctx context.Context, groupID, userID, correlationID string) error {
	return c.member(ctx, groupID, model.MemberKicked, userID, "", correlationID)
}

func (c *Client) BanMember(ctx context.Context, groupID, userID, correlationID string) error {
	return c.member(ctx, groupID, model.MemberBanned, userID, "", correlationID)
}

func (c *Client) UnbanMember(ctx context.Context, groupID, userID, correlationID string) error {
	return c.member(ctx, groupID, model.MemberUnbanned, userID, "", correlationID)
}

func (c *Client) ChangeRole(ctx context.Context, groupID, userID, role, correlationID string) error {
	return c.member(ctx, groupID, model.MemberRoleChanged, userID, role, correlationID)
}

func (c *Client) Leave(ctx context.Context, groupID, correlationID string) error {
	return c.member(ctx, groupID, model.MemberLeft, "", "", correlationID)
}

func (c *Client) DeleteGroup(ctx context.Context, groupID, correlationID string) error {
	return c.member(ctx, groupID, model.MemberGroupDeleted, "", "", correlationID)
}

// MarkDelivered implements ingest.Acknowledger.
func (c *Client) MarkDelivered(ctx context.Context, msg model.Message) error {
	return c.receipt(ctx, OpDelivered, msg)
}

func (c *Client) MarkRead(ctx context.Context, msg model.Message) error {
	return c.receipt(ctx, OpRead, msg)
}

func (c *Client) receipt(ctx context.Context, op string, msg model.Message) error {
	n, err := messageID(op, msg.ID)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, op, model.Envelope{ID: n, ReceiverID: msg.SenderID, ReceiverType: model.ReceiverUser})
	return err
}

// StartTyping implements typing.Signaler. Typing signals are not acknowledged.
func (c *Client) StartTyping(ctx context.Context, conv model.Conversation) error {
	return c.typing(ctx, model.TypeTypingStarted)
}

func (c *Client) EndTyping(ctx context.Context, conv model.Conversation) error {
	return c.typing(ctx, model.TypeTypingEnded)
}

func (c *Client) typing(ctx context.Context, typ model.MessageType) error {
	return c.write(ctx, string(typ), model.Envelope{
		ChannelID: c.channelID,
		UserID:    c.localUserID,
		Type:      typ,
	})
}
