// Package provider defines the payment-provider adapter contract: payment
// initialization/verification, transfer recipients, transfers, and refunds.
// Implementations must be safe for concurrent use and idempotent on the
// reference keys the engine supplies.
package provider

import "context"

// PaymentStatus is the normalized status returned by VerifyPayment.
type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentPending PaymentStatus = "pending"
	PaymentFailed  PaymentStatus = "failed"
)

// TransferStatus is the normalized status returned by InitiateTransfer.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferSuccess TransferStatus = "success"
	TransferFailed  TransferStatus = "failed"
)

// PayoutMethod identifies how a seller receives funds.
type PayoutMethod string

const (
	MobileMoney  PayoutMethod = "MOBILE_MONEY"
	BankTransfer PayoutMethod = "BANK"
)

// InitializePaymentInput is the request to start a hosted payment.
type InitializePaymentInput struct {
	Email     string
	AmountMinor int64
	Reference string
	Metadata  map[string]string
}

// InitializePaymentOutput carries the hosted-payment URL handed back to
// the caller.
type InitializePaymentOutput struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// VerifyPaymentOutput is the normalized result of checking a payment.
type VerifyPaymentOutput struct {
	Status      PaymentStatus
	ProviderID  string
	AmountMinor int64
}

// MobileMoneyRecipientInput requests a mobile-money payout recipient.
type MobileMoneyRecipientInput struct {
	Name        string
	PhoneNumber string
}

// BankRecipientInput requests a bank payout recipient.
type BankRecipientInput struct {
	Name          string
	AccountNumber string
	BankCode      string
}

// Bank describes one entry from ListBanks.
type Bank struct {
	Code string
	Name string
}

// ResolveAccountInput requests a human-readable account name for a bank
// account, used to confirm recipient details before saving.
type ResolveAccountInput struct {
	AccountNumber string
	BankCode      string
}

// InitiateTransferInput requests an outbound payout.
type InitiateTransferInput struct {
	AmountMinor   int64
	RecipientCode string
	Reference     string
	Reason        string
}

// InitiateTransferOutput is the normalized result of an outbound payout.
type InitiateTransferOutput struct {
	TransferCode string
	Status       TransferStatus
}

// RefundOutput is the normalized result of a refund request.
type RefundOutput struct {
	Status string
}

// Adapter abstracts all outbound calls to the platform's payment provider.
// Implementations must be goroutine-safe and hold no per-escrow state;
// every call is keyed by an explicit reference supplied by the caller.
type Adapter interface {
	InitializePayment(ctx context.Context, in InitializePaymentInput) (InitializePaymentOutput, error)
	VerifyPayment(ctx context.Context, reference string) (VerifyPaymentOutput, error)

	CreateMobileMoneyRecipient(ctx context.Context, in MobileMoneyRecipientInput) (recipientCode string, err error)
	CreateBankRecipient(ctx context.Context, in BankRecipientInput) (recipientCode string, err error)
	ListBanks(ctx context.Context) ([]Bank, error)
	ResolveAccount(ctx context.Context, in ResolveAccountInput) (accountName string, err error)
	DeleteRecipient(ctx context.Context, recipientCode string) error

	InitiateTransfer(ctx context.Context, in InitiateTransferInput) (InitiateTransferOutput, error)
	RefundTransaction(ctx context.Context, paymentReference string) (RefundOutput, error)
}
