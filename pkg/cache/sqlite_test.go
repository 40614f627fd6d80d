package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/chatsync/pkg/model"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)
	msgs, err := s.Load(context.Background(), "g1", "")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSaveAndLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	msgs := []model.Message{
		{ID: "1", ConversationID: "g1", SenderID: "bob", ReceiverID: "g1", ReceiverType: model.ReceiverGroup, Kind: model.KindText, Body: "hi", SentAt: at,
			Reactions: map[string]model.ReactionAggregate{"👍": {Emoji: "👍", Count: 2, ReactedByMe: true}}},
		{ID: "2", ConversationID: "g1", SenderID: "me", ReceiverID: "g1", ReceiverType: model.ReceiverGroup, Kind: model.KindText, Body: "yo", SentAt: at.Add(time.Second)},
	}
	require.NoError(t, s.Save(ctx, "g1", "", msgs))

	got, err := s.Load(ctx, "g1", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "hi", got[0].Body)
	require.True(t, got[0].SentAt.Equal(at))
	require.Equal(t, 2, got[0].Reactions["👍"].Count)

	// threads are stored separately
	thread, err := s.Load(ctx, "g1", "1")
	require.NoError(t, err)
	require.Empty(t, thread)

	require.NoError(t, s.Save(ctx, "g1", "", msgs[:1]))
	got, err = s.Load(ctx, "g1", "")
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.Forget(ctx, "g1", ""))
	got, err = s.Load(ctx, "g1", "")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUnreadableSnapshotIsColdStart(t *testing.T) {
	s := newStore(t)
	_, err := s.db.Exec(`INSERT INTO timeline_snapshots (conversation_id, thread_id, payload, saved_at) VALUES ('g1', '', 'not json', ?)`, time.Now())
	require.NoError(t, err)

	msgs, err := s.Load(context.Background(), "g1", "")
	require.NoError(t, err)
	require.Empty(t, msgs)
}
