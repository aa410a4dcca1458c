package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/creatorpay/escrow-engine/internal/idgen"
)

// PostgresLogger writes EscrowEvent rows to the escrow_events table.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger constructs a Postgres-backed audit Logger. db is used
// only by ListByEscrow; Append always writes through the caller's tx.
func NewPostgresLogger(db *sql.DB) *PostgresLogger { return &PostgresLogger{db: db} }

func (l *PostgresLogger) Append(ctx context.Context, tx *sql.Tx, ev Event) error {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_events
			(id, escrow_id, milestone_payment_id, actor_id, event_type, description, metadata, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, ev.ID, ev.EscrowID, ev.MilestonePaymentID, ev.ActorID, ev.EventType, ev.Description, meta, nullIfEmpty(ev.IPAddress))
	return err
}

func (l *PostgresLogger) ListByEscrow(ctx context.Context, escrowID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, escrow_id, milestone_payment_id, actor_id, event_type, description, metadata, ip_address, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY created_at ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			meta    []byte
			msID    sql.NullString
			actorID sql.NullString
			ip      sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &msID, &actorID, &ev.EventType, &ev.Description, &meta, &ip, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if msID.Valid {
			v := msID.String
			ev.MilestonePaymentID = &v
		}
		if actorID.Valid {
			v := actorID.String
			ev.ActorID = &v
		}
		ev.IPAddress = ip.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
