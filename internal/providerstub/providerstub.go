// Package providerstub is a deterministic in-memory implementation of
// provider.Adapter for unit tests.
package providerstub

import (
	"context"
	"fmt"
	"sync"

	"github.com/creatorpay/escrow-engine/internal/idgen"
	"github.com/creatorpay/escrow-engine/internal/provider"
)

// Adapter is a thread-safe, in-memory provider.Adapter. By default every
// initialized payment verifies as successful (an unknown reference is
// pending) and every transfer succeeds; tests can
// override behavior per-reference via the Fail* maps before exercising
// the engine.
type Adapter struct {
	mu sync.Mutex

	payments  map[string]provider.VerifyPaymentOutput
	transfers map[string]provider.InitiateTransferOutput
	banks     []provider.Bank

	// FailPaymentVerify, keyed by reference, forces VerifyPayment to
	// return the given status instead of success.
	FailPaymentVerify map[string]provider.PaymentStatus
	// FailTransfer, keyed by reference, forces InitiateTransfer to
	// return the given status instead of success.
	FailTransfer map[string]provider.TransferStatus
}

// New creates a providerstub.Adapter with a small fixed bank list.
func New() *Adapter {
	return &Adapter{
		payments:          make(map[string]provider.VerifyPaymentOutput),
		transfers:         make(map[string]provider.InitiateTransferOutput),
		FailPaymentVerify: make(map[string]provider.PaymentStatus),
		FailTransfer:      make(map[string]provider.TransferStatus),
		banks: []provider.Bank{
			{Code: "01", Name: "Stub Commercial Bank"},
			{Code: "02", Name: "Stub Cooperative Bank"},
		},
	}
}

func (a *Adapter) InitializePayment(_ context.Context, in provider.InitializePaymentInput) (provider.InitializePaymentOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.payments[in.Reference] = provider.VerifyPaymentOutput{
		Status:      provider.PaymentSuccess,
		ProviderID:  idgen.WithPrefix("stubpay_"),
		AmountMinor: in.AmountMinor,
	}
	return provider.InitializePaymentOutput{
		AuthorizationURL: "https://stub-provider.test/pay/" + in.Reference,
		AccessCode:       idgen.Hex(8),
		Reference:        in.Reference,
	}, nil
}

func (a *Adapter) VerifyPayment(_ context.Context, reference string) (provider.VerifyPaymentOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if status, forced := a.FailPaymentVerify[reference]; forced {
		return provider.VerifyPaymentOutput{Status: status}, nil
	}

	out, ok := a.payments[reference]
	if !ok {
		return provider.VerifyPaymentOutput{Status: provider.PaymentPending}, nil
	}
	return out, nil
}

func (a *Adapter) CreateMobileMoneyRecipient(_ context.Context, _ provider.MobileMoneyRecipientInput) (string, error) {
	return idgen.WithPrefix("rcp_mm_"), nil
}

func (a *Adapter) CreateBankRecipient(_ context.Context, _ provider.BankRecipientInput) (string, error) {
	return idgen.WithPrefix("rcp_bank_"), nil
}

func (a *Adapter) ListBanks(_ context.Context) ([]provider.Bank, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]provider.Bank, len(a.banks))
	copy(out, a.banks)
	return out, nil
}

func (a *Adapter) ResolveAccount(_ context.Context, in provider.ResolveAccountInput) (string, error) {
	return fmt.Sprintf("Stub Account %s", in.AccountNumber), nil
}

func (a *Adapter) DeleteRecipient(_ context.Context, _ string) error {
	return nil
}

func (a *Adapter) InitiateTransfer(_ context.Context, in provider.InitiateTransferInput) (provider.InitiateTransferOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.transfers[in.Reference]; ok {
		return existing, nil // idempotent on reference
	}

	status := provider.TransferSuccess
	if forced, ok := a.FailTransfer[in.Reference]; ok {
		status = forced
	}

	out := provider.InitiateTransferOutput{
		TransferCode: idgen.WithPrefix("trf_"),
		Status:       status,
	}
	a.transfers[in.Reference] = out
	return out, nil
}

func (a *Adapter) RefundTransaction(_ context.Context, _ string) (provider.RefundOutput, error) {
	return provider.RefundOutput{Status: "success"}, nil
}
