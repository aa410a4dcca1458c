package payout

import (
	"context"
	"database/sql"

	"github.com/creatorpay/escrow-engine/internal/ierr"
)

// PostgresStore persists payout accounts to seller_payout_accounts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Insert(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seller_payout_accounts
			(id, user_id, payout_method, mobile_money_number, bank_account_number, bank_code,
			 bank_account_name, provider_recipient_code, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	`, a.ID, a.UserID, a.PayoutMethod, nullIfEmpty(a.MobileMoneyNumber), nullIfEmpty(a.BankAccountNumber),
		nullIfEmpty(a.BankCode), nullIfEmpty(a.BankAccountName), a.ProviderRecipientCode, a.IsActive)
	return err
}

func (s *PostgresStore) GetActive(ctx context.Context, userID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, payout_method, mobile_money_number, bank_account_number, bank_code,
		       bank_account_name, provider_recipient_code, is_active
		FROM seller_payout_accounts WHERE user_id = $1 AND is_active LIMIT 1
	`, userID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ierr.NotFoundf("no active payout account for user %s", userID)
	}
	return a, err
}

func (s *PostgresStore) Deactivate(ctx context.Context, userID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE seller_payout_accounts SET is_active = false, deactivated_at = now()
		WHERE id = (
			SELECT id FROM seller_payout_accounts WHERE user_id = $1 AND is_active LIMIT 1
		)
		RETURNING id, user_id, payout_method, mobile_money_number, bank_account_number, bank_code,
		          bank_account_name, provider_recipient_code, is_active
	`, userID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ierr.NotFoundf("no active payout account for user %s", userID)
	}
	return a, err
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var mobile, bankAcct, bankCode, bankName sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.PayoutMethod, &mobile, &bankAcct, &bankCode, &bankName,
		&a.ProviderRecipientCode, &a.IsActive)
	if err != nil {
		return nil, err
	}
	a.MobileMoneyNumber = mobile.String
	a.BankAccountNumber = bankAcct.String
	a.BankCode = bankCode.String
	a.BankAccountName = bankName.String
	return &a, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
