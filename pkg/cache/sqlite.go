// Package cache keeps the last confirmed view of each conversation on disk so
// a session can show something before the first history page arrives.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/session"
)

var _ session.SnapshotStore = (*SQLiteStore)(nil)

// SQLiteStore stores one JSON snapshot per conversation and thread.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logging.Component("cache"), now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS timeline_snapshots (
		conversation_id TEXT NOT NULL,
		thread_id       TEXT NOT NULL DEFAULT '',
		payload         TEXT NOT NULL,
		saved_at        DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, thread_id)
	);`)
	return err
}

// Load returns the saved messages, or nothing if the conversation was never saved.
func (s *SQLiteStore) Load(ctx context.Context, conversationID, threadID string) ([]model.Message, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM timeline_snapshots WHERE conversation_id = ? AND thread_id = ?`,
		conversationID, threadID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var msgs []model.Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		// a corrupt row is treated as a cold start
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("discarding unreadable snapshot")
		return nil, nil
	}
	return msgs, nil
}

// Save replaces the snapshot for the conversation and thread.
func (s *SQLiteStore) Save(ctx context.Context, conversationID, threadID string, msgs []model.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timeline_snapshots (conversation_id, thread_id, payload, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, thread_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		conversationID, threadID, string(payload), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug().Str("conversation_id", conversationID).Int("messages", len(msgs)).Msg("snapshot saved")
	return nil
}

// Forget drops a saved snapshot.
func (s *SQLiteStore) Forget(ctx context.Context, conversationID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timeline_snapshots WHERE conversation_id = ? AND thread_id = ?`,
		conversationID, threadID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
