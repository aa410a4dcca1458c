package webhookingest

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/creatorpay/escrow-engine/internal/ierr"
)

const uniqueViolation = "23505"

// PostgresStore is the production Store backing webhook_logs
// (migrations/005_webhook_logs.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, log *WebhookLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, provider, event_type, reference, payload, processed, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, log.ID, log.Provider, log.EventType, log.Reference, log.Payload, log.Processed, nullIfEmpty(log.Error))
	if err != nil {
		var pqErr *pq.Error
		if ok := asPQError(err, &pqErr); ok && pqErr.Code == uniqueViolation {
			return ierr.Integrityf("duplicate webhook delivery for %s/%s/%s", log.Provider, log.EventType, log.Reference)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, processingErr error) error {
	var errText sql.NullString
	if processingErr != nil {
		errText = sql.NullString{String: processingErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs SET processed = $2, error = $3 WHERE id = $1
	`, id, processingErr == nil, errText)
	return err
}

func asPQError(err error, target **pq.Error) bool {
	pqErr, ok := err.(*pq.Error)
	if ok {
		*target = pqErr
	}
	return ok
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
