package notify

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists notifications to the notifications table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Insert(ctx context.Context, n Notification) error {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, escrow_id, metadata, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.EscrowID, meta, n.IsRead, n.CreatedAt)
	return err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, escrow_id, metadata, is_read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var escrowID sql.NullString
		var meta []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &escrowID, &meta, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		if escrowID.Valid {
			v := escrowID.String
			n.EscrowID = &v
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &n.Metadata)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExistsByEscrowAndType(ctx context.Context, escrowID, notifType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM notifications WHERE escrow_id = $1 AND type = $2)
	`, escrowID, notifType).Scan(&exists)
	return exists, err
}
