// Package payout implements the seller payout-account manager: setup,
// lookup, and removal of a creator's payout destination, with at most one
// active account per user and provider recipient lifecycle calls
// delegated to internal/provider. Replaced accounts are deactivated, not
// deleted, so superseded rows stay available for audit.
package payout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/creatorpay/escrow-engine/internal/idgen"
	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/provider"
)

// Method mirrors provider.PayoutMethod for stored accounts.
type Method string

const (
	MobileMoney Method = "MOBILE_MONEY"
	Bank        Method = "BANK"
)

// Account is a seller's payout destination.
type Account struct {
	ID                    string
	UserID                string
	PayoutMethod          Method
	MobileMoneyNumber     string
	BankAccountNumber     string
	BankCode              string
	BankAccountName       string
	ProviderRecipientCode string
	IsActive              bool
}

// Store persists payout accounts.
type Store interface {
	// Insert adds a new account row.
	Insert(ctx context.Context, a *Account) error
	// GetActive returns the user's active account, or a NotFound error.
	GetActive(ctx context.Context, userID string) (*Account, error)
	// Deactivate marks the user's active account (if any) inactive and
	// returns it; a no-op returning NotFound if none is active.
	Deactivate(ctx context.Context, userID string) (*Account, error)
}

// AccountTypeChecker tells the manager whether a user is a Creator
// account, the only account type allowed to own a payout account.
type AccountTypeChecker interface {
	IsCreator(ctx context.Context, userID string) (bool, error)
}

// SetupInput is the request to create or replace a seller's payout
// account.
type SetupInput struct {
	UserID            string
	Method            Method
	MobileMoneyNumber string
	BankAccountNumber string
	BankCode          string
	Name              string // display name sent to the provider as the recipient name
}

// Manager owns the payout-account lifecycle.
type Manager struct {
	store    Store
	adapter  provider.Adapter
	accounts AccountTypeChecker
	logger   *slog.Logger
}

// New constructs a payout-account Manager.
func New(store Store, adapter provider.Adapter, accounts AccountTypeChecker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, adapter: adapter, accounts: accounts, logger: logger}
}

// Setup registers a new payout account for userID, deactivating any
// existing active account first (retained for audit, not deleted).
// Requires userID's account type to be Creator.
func (m *Manager) Setup(ctx context.Context, in SetupInput) (*Account, error) {
	isCreator, err := m.accounts.IsCreator(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !isCreator {
		return nil, ierr.Forbiddenf("only creator accounts may set up a payout account")
	}
	switch in.Method {
	case MobileMoney:
		if in.MobileMoneyNumber == "" {
			return nil, ierr.Validationf("mobile money number is required")
		}
	case Bank:
		if in.BankAccountNumber == "" || in.BankCode == "" {
			return nil, ierr.Validationf("bank account number and bank code are required")
		}
	default:
		return nil, ierr.Validationf("unknown payout method %q", in.Method)
	}

	// Deactivate any existing active account; the row is retained for
	// audit, never deleted.
	if _, err := m.store.Deactivate(ctx, in.UserID); err != nil {
		var ie *ierr.Error
		if !errors.As(err, &ie) || ie.Kind != ierr.NotFound {
			return nil, err
		}
	}

	var recipientCode, bankAccountName string
	switch in.Method {
	case MobileMoney:
		recipientCode, err = m.adapter.CreateMobileMoneyRecipient(ctx, provider.MobileMoneyRecipientInput{
			Name:        in.Name,
			PhoneNumber: in.MobileMoneyNumber,
		})
	case Bank:
		bankAccountName, err = m.adapter.ResolveAccount(ctx, provider.ResolveAccountInput{
			AccountNumber: in.BankAccountNumber,
			BankCode:      in.BankCode,
		})
		if err != nil {
			return nil, err
		}
		recipientCode, err = m.adapter.CreateBankRecipient(ctx, provider.BankRecipientInput{
			Name:          in.Name,
			AccountNumber: in.BankAccountNumber,
			BankCode:      in.BankCode,
		})
	}
	if err != nil {
		return nil, err
	}

	acct := &Account{
		ID:                    idgen.WithPrefix("pac_"),
		UserID:                in.UserID,
		PayoutMethod:          in.Method,
		MobileMoneyNumber:     in.MobileMoneyNumber,
		BankAccountNumber:     in.BankAccountNumber,
		BankCode:              in.BankCode,
		BankAccountName:       bankAccountName,
		ProviderRecipientCode: recipientCode,
		IsActive:              true,
	}
	if err := m.store.Insert(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Get returns userID's active payout account.
func (m *Manager) Get(ctx context.Context, userID string) (*Account, error) {
	return m.store.GetActive(ctx, userID)
}

// Remove deactivates userID's active payout account and makes a
// best-effort attempt to delete the provider-side recipient; a provider
// failure here is non-fatal.
func (m *Manager) Remove(ctx context.Context, userID string) error {
	acct, err := m.store.Deactivate(ctx, userID)
	if err != nil {
		return err
	}
	if err := m.adapter.DeleteRecipient(ctx, acct.ProviderRecipientCode); err != nil {
		m.logger.Warn("provider recipient deletion failed (non-fatal)",
			"user_id", userID, "recipient_code", acct.ProviderRecipientCode, "error", err)
	}
	return nil
}
