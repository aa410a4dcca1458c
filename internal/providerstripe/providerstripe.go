// Package providerstripe implements provider.Adapter on top of Stripe:
// Checkout Sessions for payment initialization/verification, Connect
// Express accounts for seller payout recipients, and Transfers/Refunds
// for payout settlement.
package providerstripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"

	"github.com/creatorpay/escrow-engine/internal/circuitbreaker"
	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/metrics"
	"github.com/creatorpay/escrow-engine/internal/provider"
	"github.com/creatorpay/escrow-engine/internal/retry"
)

// Adapter calls the Stripe API for every provider.Adapter capability.
// It is stateless beyond the Stripe client and a per-capability circuit
// breaker, so a single instance may be shared across all requests and
// the scheduler goroutine.
type Adapter struct {
	client       *stripe.Client
	frontendURL  string
	breaker      *circuitbreaker.Breaker
	maxAttempts  int
}

// New creates a Stripe-backed adapter. frontendURL is used to build the
// Checkout Session success/cancel redirect URLs.
func New(secretKey, frontendURL string) *Adapter {
	return &Adapter{
		client:      stripe.NewClient(secretKey),
		frontendURL: frontendURL,
		breaker:     circuitbreaker.New(5, 30e9), // 30s open duration
		maxAttempts: 3,
	}
}

// call wraps an outbound Stripe request with the circuit breaker and
// retry-with-backoff.
func (a *Adapter) call(ctx context.Context, capability string, fn func() error) error {
	if !a.breaker.Allow(capability) {
		metrics.ProviderCallsTotal.WithLabelValues(capability, "rejected").Inc()
		return ierr.Provider("payment provider temporarily unavailable", true, nil)
	}

	err := retry.Do(ctx, a.maxAttempts, 200_000_000, func() error {
		if err := fn(); err != nil {
			if !isRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})

	if err != nil {
		a.breaker.RecordFailure(capability)
		pErr := toProviderError(err)
		outcome := "permanent"
		var ie *ierr.Error
		if errors.As(pErr, &ie) && ie.Retryable {
			outcome = "retryable"
		}
		metrics.ProviderCallsTotal.WithLabelValues(capability, outcome).Inc()
		return pErr
	}
	a.breaker.RecordSuccess(capability)
	metrics.ProviderCallsTotal.WithLabelValues(capability, "success").Inc()
	return nil
}

func isRetryable(err error) bool {
	var stripeErr *stripe.Error
	if se, ok := err.(*stripe.Error); ok {
		stripeErr = se
	}
	if stripeErr == nil {
		return true // network/transport errors: retry
	}
	if stripeErr.Type == stripe.ErrorTypeAPI {
		return true
	}
	// stripe-go dropped the api_connection_error/rate_limit_error ErrorType
	// constants; fall back to the HTTP status code for the same classes of
	// failure (0 = transport/connection failure, 429 = rate limited).
	switch stripeErr.HTTPStatusCode {
	case 0, 429:
		return true
	default:
		return false
	}
}

func toProviderError(err error) error {
	var stripeErr *stripe.Error
	retryable := isRetryable(err)
	if se, ok := err.(*stripe.Error); ok {
		stripeErr = se
	}
	if stripeErr != nil {
		return ierr.Provider(stripeErr.Msg, retryable, err)
	}
	return ierr.Provider("payment provider call failed", retryable, err)
}

func (a *Adapter) InitializePayment(ctx context.Context, in provider.InitializePaymentInput) (provider.InitializePaymentOutput, error) {
	successURL := fmt.Sprintf("%s/payments/success?reference=%s", a.frontendURL, in.Reference)
	cancelURL := fmt.Sprintf("%s/payments/cancelled?reference=%s", a.frontendURL, in.Reference)

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail:     stripe.String(in.Email),
		ClientReferenceID: stripe.String(in.Reference),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String("kes"),
					UnitAmount: stripe.Int64(in.AmountMinor),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String("Escrow payment " + in.Reference),
					},
				},
			},
		},
		Metadata: in.Metadata,
	}

	var session *stripe.CheckoutSession
	err := a.call(ctx, "initialize_payment", func() error {
		var err error
		session, err = a.client.V1CheckoutSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		return provider.InitializePaymentOutput{}, err
	}

	return provider.InitializePaymentOutput{
		AuthorizationURL: session.URL,
		AccessCode:       session.ID,
		Reference:        in.Reference,
	}, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, reference string) (provider.VerifyPaymentOutput, error) {
	params := &stripe.CheckoutSessionListParams{}
	params.Filters.AddFilter("client_reference_id", "", reference)

	var found *stripe.CheckoutSession
	err := a.call(ctx, "verify_payment", func() error {
		for session, err := range a.client.V1CheckoutSessions.List(ctx, params) {
			if err != nil {
				return err
			}
			found = session
			return nil
		}
		return nil
	})
	if err != nil {
		return provider.VerifyPaymentOutput{}, err
	}
	if found == nil {
		return provider.VerifyPaymentOutput{Status: provider.PaymentPending}, nil
	}

	status := provider.PaymentPending
	switch found.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		status = provider.PaymentSuccess
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		if found.Status == stripe.CheckoutSessionStatusExpired {
			status = provider.PaymentFailed
		} else {
			status = provider.PaymentPending
		}
	}

	return provider.VerifyPaymentOutput{
		Status:      status,
		ProviderID:  found.ID,
		AmountMinor: found.AmountTotal,
	}, nil
}

func (a *Adapter) CreateMobileMoneyRecipient(ctx context.Context, in provider.MobileMoneyRecipientInput) (string, error) {
	return a.createExpressAccount(ctx, in.Name, map[string]string{
		"payout_method": "mobile_money",
		"phone_number":  in.PhoneNumber,
	})
}

func (a *Adapter) CreateBankRecipient(ctx context.Context, in provider.BankRecipientInput) (string, error) {
	return a.createExpressAccount(ctx, in.Name, map[string]string{
		"payout_method":  "bank",
		"account_number": in.AccountNumber,
		"bank_code":      in.BankCode,
	})
}

// createExpressAccount creates a Stripe Connect Express account to act
// as a payout recipient for a creator; recipientCode is the account ID.
func (a *Adapter) createExpressAccount(ctx context.Context, name string, metadata map[string]string) (string, error) {
	params := &stripe.AccountCreateParams{
		Type:     stripe.String(string(stripe.AccountTypeExpress)),
		Country:  stripe.String("KE"),
		Metadata: metadata,
		BusinessProfile: &stripe.AccountCreateBusinessProfileParams{
			Name: stripe.String(name),
		},
	}

	var acct *stripe.Account
	err := a.call(ctx, "create_recipient", func() error {
		var err error
		acct, err = a.client.V1Accounts.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

func (a *Adapter) ListBanks(ctx context.Context) ([]provider.Bank, error) {
	// Stripe has no bank-directory endpoint for Kenyan rails; Kenyan
	// bank codes are a small fixed set maintained alongside the adapter.
	return kenyanBanks, nil
}

func (a *Adapter) ResolveAccount(ctx context.Context, in provider.ResolveAccountInput) (string, error) {
	params := &stripe.AccountCreateExternalAccountParams{
		ExternalAccount: stripe.String(in.AccountNumber),
	}
	var ext *stripe.AccountExternalAccount
	err := a.call(ctx, "resolve_account", func() error {
		var err error
		ext, err = a.client.V1Accounts.CreateExternalAccount(ctx, in.BankCode, params)
		return err
	})
	if err != nil {
		return "", err
	}
	if ext != nil && ext.BankAccount != nil {
		return ext.BankAccount.AccountHolderName, nil
	}
	return "", ierr.Provider("unable to resolve account name", false, nil)
}

func (a *Adapter) DeleteRecipient(ctx context.Context, recipientCode string) error {
	return a.call(ctx, "delete_recipient", func() error {
		_, err := a.client.V1Accounts.Reject(ctx, recipientCode, &stripe.AccountRejectParams{
			Reason: stripe.String("requested_by_user"),
		})
		return err
	})
}

func (a *Adapter) InitiateTransfer(ctx context.Context, in provider.InitiateTransferInput) (provider.InitiateTransferOutput, error) {
	params := &stripe.TransferCreateParams{
		Amount:      stripe.Int64(in.AmountMinor),
		Currency:    stripe.String("kes"),
		Destination: stripe.String(in.RecipientCode),
		Params: stripe.Params{
			IdempotencyKey: stripe.String(in.Reference),
		},
		Metadata: map[string]string{
			"reference": in.Reference,
			"reason":    in.Reason,
		},
	}

	var tr *stripe.Transfer
	err := a.call(ctx, "initiate_transfer", func() error {
		var err error
		tr, err = a.client.V1Transfers.Create(ctx, params)
		return err
	})
	if err != nil {
		return provider.InitiateTransferOutput{}, err
	}

	return provider.InitiateTransferOutput{
		TransferCode: tr.ID,
		Status:       provider.TransferSuccess,
	}, nil
}

func (a *Adapter) RefundTransaction(ctx context.Context, paymentReference string) (provider.RefundOutput, error) {
	params := &stripe.RefundCreateParams{
		Params: stripe.Params{
			IdempotencyKey: stripe.String("refund_" + paymentReference),
		},
	}
	params.AddExtra("payment_intent_data[metadata][reference]", paymentReference)

	var rf *stripe.Refund
	err := a.call(ctx, "refund_transaction", func() error {
		var err error
		rf, err = a.client.V1Refunds.Create(ctx, params)
		return err
	})
	if err != nil {
		return provider.RefundOutput{}, err
	}

	return provider.RefundOutput{Status: string(rf.Status)}, nil
}

var kenyanBanks = []provider.Bank{
	{Code: "01", Name: "KCB Bank Kenya"},
	{Code: "02", Name: "Standard Chartered Bank Kenya"},
	{Code: "03", Name: "Absa Bank Kenya"},
	{Code: "07", Name: "Equity Bank Kenya"},
	{Code: "11", Name: "Cooperative Bank of Kenya"},
}
