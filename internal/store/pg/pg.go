package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/roomgate/internal/store"
)

// OpenDB opens a pooled Postgres handle through the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PGMessageStore implements store.MessageStore on the room_messages table.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

func (s *PGMessageStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	store.Prepare(msg, store.RoleUser)
	return s.insert(ctx, msg)
}

func (s *PGMessageStore) SaveReply(ctx context.Context, msg *store.Message) error {
	store.Prepare(msg, store.RoleAgent)
	return s.insert(ctx, msg)
}

func (s *PGMessageStore) insert(ctx context.Context, msg *store.Message) error {
	agentIDs := msg.AgentIDs
	if agentIDs == nil {
		agentIDs = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_messages (id, room_id, sender_id, role, content, turn_id, run_id, agent_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Role, msg.Content,
		msg.TurnID, msg.RunID, pq.Array(agentIDs), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert room message: %w", err)
	}
	return nil
}

func (s *PGMessageStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, role, content,
		 COALESCE(turn_id, ''), COALESCE(run_id, ''), agent_ids, created_at
		 FROM room_messages
		 WHERE room_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var agentIDs []string
		if err := rows.Scan(
			&m.ID, &m.RoomID, &m.SenderID, &m.Role, &m.Content,
			&m.TurnID, &m.RunID, pq.Array(&agentIDs), &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.AgentIDs = agentIDs
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the index, oldest-first for callers.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PGMessageStore) DeleteMessage(ctx context.Context, roomID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_messages SET deleted_at = now()
		 WHERE id = $1 AND room_id = $2 AND deleted_at IS NULL`, id, roomID)
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

func (s *PGMessageStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PGMessageStore) Close() error { return s.db.Close() }
