package scylla

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/history"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
)

func TestBuildQuery(t *testing.T) {
	req := history.PageRequest{Conversation: model.Direct("bob"), LocalUserID: "alice", Limit: 30}
	stmt, args, err := buildQuery(req)
	require.NoError(t, err)
	require.Contains(t, stmt, "FROM messages WHERE channel_id = ? AND id < ?")
	require.Equal(t, []any{"dm:alice:bob", int64(math.MaxInt64), 30}, args)

	req.Cursor = history.EncodeCursor(history.Cursor{BeforeID: "120"})
	_, args, err = buildQuery(req)
	require.NoError(t, err)
	require.Equal(t, int64(120), args[1])

	req.ThreadParentID = "77"
	stmt, args, err = buildQuery(req)
	require.NoError(t, err)
	require.Contains(t, stmt, "FROM thread_messages WHERE parent_id = ?")
	require.Equal(t, int64(77), args[0])
}

func TestBuildQueryRejectsBadInput(t *testing.T) {
	_, _, err := buildQuery(history.PageRequest{Conversation: model.Group("g1"), Cursor: "%%%"})
	require.True(t, chaterr.Is(err, chaterr.KindMalformed))

	_, _, err = buildQuery(history.PageRequest{Conversation: model.Group("g1"), ThreadParentID: "local-1"})
	require.True(t, chaterr.Is(err, chaterr.KindNotFound))
}

func TestToPageOrdersOldestFirst(t *testing.T) {
	h := &History{logger: logging.Component("test")}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := []model.Envelope{
		{ID: 30, ChannelID: "g1", UserID: "bob", Content: "c", Type: model.TypeMessage, Timestamp: base.Add(3 * time.Second)},
		{ID: 20, ChannelID: "g1", UserID: "me", Content: "b", Timestamp: base.Add(2 * time.Second)},
		{ID: 15, ChannelID: "g1", Content: "no sender", Timestamp: base},
		{ID: 10, ChannelID: "g1", UserID: "bob", Content: "a", Type: model.TypeMessage, Timestamp: base.Add(time.Second)},
	}
	page := h.toPage(rows, history.PageRequest{Conversation: model.Group("g1"), LocalUserID: "me", Limit: 4})

	require.True(t, page.HasMore)
	require.Len(t, page.Messages, 3)
	require.Equal(t, "10", page.Messages[0].ID)
	require.Equal(t, "20", page.Messages[1].ID)
	require.Equal(t, "30", page.Messages[2].ID)
	require.Equal(t, "g1", page.Messages[0].ConversationID)

	c, err := history.DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "10", c.BeforeID)

	short := h.toPage(rows[:1], history.PageRequest{Conversation: model.Group("g1"), LocalUserID: "me", Limit: 30})
	require.False(t, short.HasMore)
}
