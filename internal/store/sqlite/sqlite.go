// Package sqlite is the standalone MessageStore: a single file, no server,
// schema created on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/roomgate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_messages (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	turn_id    TEXT NOT NULL DEFAULT '',
	run_id     TEXT NOT NULL DEFAULT '',
	agent_ids  TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_room_messages_room_created
	ON room_messages (room_id, created_at);
`

// Store implements store.MessageStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its directory) if needed.
// An empty path defaults to "./data/roomgate.db".
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "./data/roomgate.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *store.Message) error {
	store.Prepare(msg, store.RoleUser)
	return s.insert(ctx, msg)
}

func (s *Store) SaveReply(ctx context.Context, msg *store.Message) error {
	store.Prepare(msg, store.RoleAgent)
	return s.insert(ctx, msg)
}

func (s *Store) insert(ctx context.Context, msg *store.Message) error {
	agentIDs := msg.AgentIDs
	if agentIDs == nil {
		agentIDs = []string{}
	}
	ids, err := json.Marshal(agentIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_messages (id, room_id, sender_id, role, content, turn_id, run_id, agent_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID.String(), msg.RoomID, msg.SenderID, msg.Role, msg.Content,
		msg.TurnID, msg.RunID, string(ids), msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert room message: %w", err)
	}
	return nil
}

func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, role, content, turn_id, run_id, agent_ids, created_at
		FROM (
			SELECT * FROM room_messages
			WHERE room_id = ? AND deleted_at IS NULL
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var (
			m       store.Message
			id      string
			ids     string
			created int64
		)
		if err := rows.Scan(&id, &m.RoomID, &m.SenderID, &m.Role, &m.Content, &m.TurnID, &m.RunID, &ids, &created); err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad message id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(ids), &m.AgentIDs); err != nil {
			return nil, fmt.Errorf("bad agent_ids for %s: %w", id, err)
		}
		if len(m.AgentIDs) == 0 {
			m.AgentIDs = nil
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) DeleteMessage(ctx context.Context, roomID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE room_messages SET deleted_at = ?
		WHERE id = ? AND room_id = ? AND deleted_at IS NULL
	`, time.Now().UnixMilli(), id.String(), roomID)
	if err != nil {
		return fmt.Errorf("delete room message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }
