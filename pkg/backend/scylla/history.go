// Package scylla reads conversation history straight from the message store
// the messaging service writes to.
package scylla

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/history"
	"github.com/mahaj/chatsync/pkg/ingest"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
)

var _ history.Fetcher = (*History)(nil)

// Schema creates the tables History reads. Both cluster by id descending so a
// page is a single slice of one partition.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		channel_id text,
		id bigint,
		user_id text,
		content text,
		type text,
		kind text,
		attachment text,
		reply_count int,
		timestamp timestamp,
		PRIMARY KEY (channel_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS thread_messages (
		parent_id bigint,
		id bigint,
		channel_id text,
		user_id text,
		content text,
		type text,
		kind text,
		attachment text,
		timestamp timestamp,
		PRIMARY KEY (parent_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
}

const columns = "channel_id, id, user_id, content, type, kind, attachment, timestamp"

// History implements history.Fetcher over the messages tables.
type History struct {
	session *db.Session
	logger  zerolog.Logger
}

func NewHistory(session *db.Session) *History {
	return &History{session: session, logger: logging.Component("scylla-history")}
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, session *db.Session) error {
	for _, stmt := range Schema {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// FetchPage returns up to req.Limit messages older than the cursor, oldest
// first.
func (h *History) FetchPage(ctx context.Context, req history.PageRequest) (history.Page, error) {
	if req.Limit <= 0 {
		req.Limit = history.DefaultPageSize
	}
	stmt, args, err := buildQuery(req)
	if err != nil {
		return history.Page{}, err
	}

	iter := h.session.Query(stmt, args...).WithContext(ctx).Iter()
	var (
		rows []model.Envelope
		row  model.Envelope
		typ  string
	)
	for iter.Scan(&row.ChannelID, &row.ID, &row.UserID, &row.Content, &typ, &row.Kind, &row.Attachment, &row.Timestamp) {
		row.Type = model.MessageType(typ)
		if req.ThreadParentID != "" {
			row.ParentID, _ = ingest.ParseID(req.ThreadParentID)
		}
		rows = append(rows, row)
		row = model.Envelope{}
	}
	if err := iter.Close(); err != nil {
		h.logger.Warn().Err(err).Str("conversation_id", req.Conversation.ID).Msg("history query failed")
		return history.Page{}, chaterr.Transient("fetch history", err)
	}
	return h.toPage(rows, req), nil
}

// toPage classifies rows as seen by the requesting user and orders them oldest
// first.
func (h *History) toPage(rows []model.Envelope, req history.PageRequest) history.Page {
	page := history.Page{HasMore: len(rows) >= req.Limit}
	oldest := int64(math.MaxInt64)
	for _, env := range rows {
		if env.ID < oldest {
			oldest = env.ID
		}
		if env.Type == "" {
			env.Type = model.TypeMessage
		}
		ev, err := ingest.Classify(env, req.LocalUserID)
		if err != nil {
			h.logger.Debug().Err(err).Int64("id", env.ID).Msg("stored row skipped")
			continue
		}
		page.Messages = append(page.Messages, ev.Message)
	}
	slices.SortFunc(page.Messages, func(a, b model.Message) int {
		if model.Less(&a, &b) {
			return -1
		}
		if model.Less(&b, &a) {
			return 1
		}
		return 0
	})
	if len(rows) > 0 {
		page.NextCursor = history.EncodeCursor(history.Cursor{BeforeID: strconv.FormatInt(oldest, 10)})
	}
	return page
}

func buildQuery(req history.PageRequest) (string, []any, error) {
	if req.Limit <= 0 {
		req.Limit = history.DefaultPageSize
	}
	before := int64(math.MaxInt64)
	if req.Cursor != "" {
		c, err := history.DecodeCursor(req.Cursor)
		if err != nil {
			return "", nil, chaterr.Malformed("fetch history", err)
		}
		if c.BeforeID != "" {
			id, ok := ingest.ParseID(c.BeforeID)
			if !ok {
				return "", nil, chaterr.Malformedf("fetch history", "cursor id %q", c.BeforeID)
			}
			before = id
		}
	}

	if req.ThreadParentID != "" {
		parent, ok := ingest.ParseID(req.ThreadParentID)
		if !ok {
			return "", nil, chaterr.NotFound("fetch history", fmt.Errorf("thread parent %q", req.ThreadParentID))
		}
		stmt := "SELECT " + columns + " FROM thread_messages WHERE parent_id = ? AND id < ? ORDER BY id DESC LIMIT ?"
		return stmt, []any{parent, before, req.Limit}, nil
	}
	channelID := req.Conversation.ChannelID(req.LocalUserID)
	stmt := "SELECT " + columns + " FROM messages WHERE channel_id = ? AND id < ? ORDER BY id DESC LIMIT ?"
	return stmt, []any{channelID, before, req.Limit}, nil
}
