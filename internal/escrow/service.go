package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/creatorpay/escrow-engine/internal/audit"
	"github.com/creatorpay/escrow-engine/internal/idgen"
	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/metrics"
	"github.com/creatorpay/escrow-engine/internal/money"
	"github.com/creatorpay/escrow-engine/internal/notify"
	"github.com/creatorpay/escrow-engine/internal/payout"
	"github.com/creatorpay/escrow-engine/internal/provider"
	"github.com/creatorpay/escrow-engine/internal/refgen"
	"github.com/creatorpay/escrow-engine/internal/traces"
)

// minDisputeReasonLength mirrors internal/validation.MinDisputeReasonLength;
// the service enforces it independently of the HTTP layer so the invariant
// holds for any caller, not just the gin handlers.
const minDisputeReasonLength = 10

// UserDirectory resolves the buyer email the provider adapter needs to
// initialize a hosted payment. User CRUD itself lives outside the engine.
type UserDirectory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// AdminDirectory resolves which users should be notified of operational
// failures (a reverted transfer, a failed payout). The engine leaves the
// lookup to its caller rather than assuming a fixed admin id.
type AdminDirectory interface {
	Admins(ctx context.Context) ([]string, error)
}

// CreateInput is the request to open a new escrow from an external
// source (job proposal, campaign, or service request). The caller
// resolves the source object first and supplies its title, amount, and
// buyer/seller references; the engine never reads source objects itself.
type CreateInput struct {
	BuyerID  string
	SellerID string

	Source           SourceKind
	JobProposalID     *string
	JobID             *string
	CampaignID        *string
	ServiceRequestID  *string

	Title                string
	Currency             string
	AmountMinor          int64
	InspectionPeriodDays int
	Terms                string
	Metadata             map[string]any
}

// MilestoneInput is one entry of a milestone schedule supplied to
// CreateMilestones.
type MilestoneInput struct {
	SourceMilestoneID int
	Title             string
	Amount            int64
	OrderIndex        int
}

// Config holds the engine's tunable money and timing parameters
// (FEE_RATE / AUTO_RELEASE_DAYS / CURRENCY).
type Config struct {
	FeeRate               float64
	DefaultCurrency       string
	DefaultInspectionDays int
}

// Service implements the escrow lifecycle state machine.
// Every lifecycle method acquires Store.WithLock (or WithMilestoneLock),
// re-reads status under the row lock, mutates, appends an audit event in
// the same transaction, and only calls out to the payment provider
// strictly before (verify-payment) or after (transfers, refunds) the
// locked section, never while the lock is held.
type Service struct {
	store    Store
	audit    audit.Logger
	notifier *notify.Sink
	provider provider.Adapter
	payouts  *payout.Manager
	users    UserDirectory
	admins   AdminDirectory
	logger   *slog.Logger
	cfg      Config
}

// NewService constructs the escrow engine from its collaborators.
func NewService(
	store Store,
	auditLog audit.Logger,
	notifier *notify.Sink,
	adapter provider.Adapter,
	payouts *payout.Manager,
	users UserDirectory,
	admins AdminDirectory,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = 0.02
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "KES"
	}
	if cfg.DefaultInspectionDays <= 0 {
		cfg.DefaultInspectionDays = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: store, audit: auditLog, notifier: notifier, provider: adapter,
		payouts: payouts, users: users, admins: admins, logger: logger, cfg: cfg,
	}
}

func (s *Service) appendEvent(ctx context.Context, tx *sql.Tx, escrowID string, milestoneID *string, eventType, description string) error {
	return s.audit.Append(ctx, tx, audit.Event{
		ID:                 idgen.WithPrefix("evt_"),
		EscrowID:           escrowID,
		MilestonePaymentID: milestoneID,
		ActorID:            audit.ActorFromContext(ctx),
		EventType:          eventType,
		Description:        description,
		IPAddress:          audit.IP(ctx),
	})
}

func (s *Service) adminIDs(ctx context.Context) []string {
	if s.admins == nil {
		return nil
	}
	ids, err := s.admins.Admins(ctx)
	if err != nil {
		s.logger.Error("admin directory lookup failed", "error", err)
		return nil
	}
	return ids
}

func isBuyerOrSeller(actor Actor, e *Escrow) bool {
	return actor.IsAdmin || actor.UserID == e.BuyerID || actor.UserID == e.SellerID
}

// recordTransition samples a committed status change into the engine's
// Prometheus counters, observing time-to-resolution once a terminal
// status is reached.
func recordTransition(e *Escrow) {
	metrics.EscrowsTotal.WithLabelValues(string(e.Status)).Inc()
	if e.Status.IsTerminal() && !e.CreatedAt.IsZero() {
		metrics.EscrowDuration.Observe(nowFunc().Sub(e.CreatedAt).Seconds())
	}
}

// Create opens a new escrow in PENDING and asks the provider to
// initialize a hosted payment. The returned authorization URL is handed
// back to the caller for redirect.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Escrow, string, error) {
	if in.BuyerID == "" || in.SellerID == "" {
		return nil, "", ierr.Validationf("buyer and seller are required")
	}
	if in.BuyerID == in.SellerID {
		return nil, "", ierr.Validationf("buyer and seller must be different users")
	}
	if !actor.IsAdmin && actor.UserID != in.BuyerID {
		return nil, "", ierr.Forbiddenf("only the buyer may create an escrow for their own source")
	}

	sourceCount := 0
	if in.JobProposalID != nil {
		sourceCount++
	}
	if in.CampaignID != nil {
		sourceCount++
	}
	if in.ServiceRequestID != nil {
		sourceCount++
	}
	if sourceCount != 1 {
		return nil, "", ierr.Validationf("exactly one of jobProposalId, campaignId, serviceRequestId is required")
	}
	if in.AmountMinor <= 0 {
		return nil, "", ierr.Validationf("amount must be greater than zero")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, "", ierr.Validationf("title is required")
	}

	currency := in.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	inspectionDays := in.InspectionPeriodDays
	if inspectionDays <= 0 {
		inspectionDays = s.cfg.DefaultInspectionDays
	}

	fee, seller := money.Split(in.AmountMinor, s.cfg.FeeRate)

	now := nowFunc()
	e := &Escrow{
		ID:                   idgen.WithPrefix("esc_"),
		BuyerID:              in.BuyerID,
		SellerID:             in.SellerID,
		Source:               in.Source,
		JobProposalID:        in.JobProposalID,
		JobID:                in.JobID,
		CampaignID:           in.CampaignID,
		ServiceRequestID:     in.ServiceRequestID,
		Title:                in.Title,
		Currency:             currency,
		TotalAmount:          in.AmountMinor,
		FeeAmount:            fee,
		SellerAmount:         seller,
		Status:               StatusPending,
		InspectionPeriodDays: inspectionDays,
		Terms:                in.Terms,
		Metadata:             in.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	e.PaymentRef = refgen.Payment(e.ID)

	err := s.store.Create(ctx, e, func(tx *sql.Tx) error {
		return s.appendEvent(ctx, tx, e.ID, nil, "created", fmt.Sprintf("escrow created for %q", e.Title))
	})
	if err != nil {
		return nil, "", err
	}
	recordTransition(e)

	email, err := s.users.Email(ctx, e.BuyerID)
	if err != nil {
		return e, "", err
	}
	out, err := s.provider.InitializePayment(ctx, provider.InitializePaymentInput{
		Email:       email,
		AmountMinor: e.TotalAmount,
		Reference:   e.PaymentRef,
		Metadata:    map[string]string{"escrow_id": e.ID},
	})
	if err != nil {
		return e, "", err
	}
	return e, out.AuthorizationURL, nil
}

// fundEscrow is the shared core of VerifyPayment and FundFromWebhook:
// verify with the provider outside any lock, then transition PENDING →
// FUNDED under the row lock. The returned bool reports whether this call
// performed the transition (false on an idempotent no-op), so callers can
// attach once-only side effects to the actual state change.
func (s *Service) fundEscrow(ctx context.Context, e *Escrow) (*Escrow, bool, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.fund", traces.EscrowID(e.ID), traces.PaymentRef(e.PaymentRef))
	defer span.End()

	out, err := s.provider.VerifyPayment(ctx, e.PaymentRef)
	if err != nil {
		return nil, false, err
	}
	if out.Status != provider.PaymentSuccess {
		return nil, false, ierr.Validationf("payment has not been confirmed by the provider")
	}

	var result *Escrow
	var transitioned bool
	err = s.store.WithLock(ctx, e.ID, func(tx *sql.Tx, cur *Escrow) error {
		if cur.Status != StatusPending {
			result = cur
			return nil
		}
		now := nowFunc()
		cur.Status = StatusFunded
		cur.PaymentConfirmedAt = &now
		cur.UpdatedAt = now
		if err := s.appendEvent(ctx, tx, cur.ID, nil, "funded", "payment confirmed by provider"); err != nil {
			return err
		}
		result = cur
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if transitioned {
		recordTransition(result)
	}
	return result, transitioned, nil
}

// VerifyPayment handles a buyer-initiated confirmation call. Safe to call
// repeatedly (idempotent).
func (s *Service) VerifyPayment(ctx context.Context, escrowID string, actor Actor) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusFunded, StatusInProgress, StatusDelivered, StatusReleased:
		return e, nil
	}
	if !actor.IsAdmin && actor.UserID != e.BuyerID {
		return nil, ierr.Forbiddenf("only the buyer may verify payment")
	}
	if e.Status != StatusPending {
		return nil, ierr.InvalidTransitionf("cannot verify payment for escrow in status %s", e.Status)
	}
	if e.PaymentRef == "" {
		return nil, ierr.Integrityf("escrow %s has no payment reference", e.ID)
	}
	funded, _, err := s.fundEscrow(ctx, e)
	return funded, err
}

// FundFromWebhook funds an escrow in response to a charge.success webhook,
// located by its payment reference. Skips caller authorization (the
// webhook signature already authenticated the provider) and is a no-op
// once the escrow has left PENDING. The buyer is told their payment came
// through only when this delivery performed the transition, so duplicate
// deliveries never repeat the notification.
func (s *Service) FundFromWebhook(ctx context.Context, paymentRef string) (*Escrow, error) {
	e, err := s.store.GetByPaymentRef(ctx, paymentRef)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return e, nil
	}
	funded, transitioned, err := s.fundEscrow(ctx, e)
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.notifier.Create(ctx, funded.BuyerID, "payment.confirmed", "Payment confirmed",
			fmt.Sprintf("Your payment for %q has been confirmed and is held in escrow.", funded.Title),
			&funded.ID, nil)
	}
	return funded, nil
}

// Start transitions FUNDED → IN_PROGRESS (seller only).
func (s *Service) Start(ctx context.Context, escrowID string, actor Actor) (*Escrow, error) {
	var result *Escrow
	err := s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, e *Escrow) error {
		if actor.UserID != e.SellerID {
			return ierr.Forbiddenf("only the seller may start work")
		}
		if e.Status != StatusFunded {
			return ierr.InvalidTransitionf("cannot start work on escrow in status %s", e.Status)
		}
		now := nowFunc()
		e.Status = StatusInProgress
		e.UpdatedAt = now
		result = e
		return s.appendEvent(ctx, tx, e.ID, nil, "work_started", "seller started work")
	})
	if err == nil {
		recordTransition(result)
	}
	return result, err
}

// Deliver transitions FUNDED or IN_PROGRESS → DELIVERED (seller only).
// A seller may deliver directly from FUNDED without an explicit Start;
// both paths are intentional.
func (s *Service) Deliver(ctx context.Context, escrowID string, actor Actor, deliveryNote string) (*Escrow, error) {
	var result *Escrow
	err := s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, e *Escrow) error {
		if actor.UserID != e.SellerID {
			return ierr.Forbiddenf("only the seller may mark delivery")
		}
		switch e.Status {
		case StatusFunded, StatusInProgress:
		default:
			return ierr.InvalidTransitionf("cannot deliver escrow in status %s", e.Status)
		}
		now := nowFunc()
		autoRelease := now.AddDate(0, 0, e.InspectionPeriodDays)
		e.Status = StatusDelivered
		e.DeliveryConfirmedAt = &now
		e.DeliveryNote = deliveryNote
		e.AutoReleaseAt = &autoRelease
		e.UpdatedAt = now
		result = e
		return s.appendEvent(ctx, tx, e.ID, nil, "delivered", "seller marked work delivered")
	})
	if err == nil {
		recordTransition(result)
		s.notifier.Create(ctx, result.BuyerID, "escrow.delivered", "Work delivered",
			fmt.Sprintf("%q has been marked delivered. Review it before the inspection period ends.", result.Title),
			&result.ID, nil)
	}
	return result, err
}

// Release performs the concurrency-critical release sequence: read-only
// pre-checks, then an idempotent locked transition, then a provider
// transfer strictly after commit.
func (s *Service) Release(ctx context.Context, escrowID string, actor Actor) (*Escrow, error) {
	return s.release(ctx, escrowID, actor, "released")
}

// AutoRelease is the scheduler's entry point for a DELIVERED escrow past
// its inspection deadline. It authorizes as the buyer, on whose behalf
// the auto-release happens, and records a dedicated `auto_released`
// event rather than `released` so the audit log distinguishes
// buyer-initiated from time-based releases. The caller's context carries
// no actor, so the event's ActorID is null.
func (s *Service) AutoRelease(ctx context.Context, escrowID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return s.release(ctx, escrowID, Actor{UserID: e.BuyerID}, "auto_released")
}

func (s *Service) release(ctx context.Context, escrowID string, actor Actor, eventType string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(escrowID))
	defer span.End()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin && actor.UserID != e.BuyerID {
		return nil, ierr.Forbiddenf("only the buyer or an admin may release funds")
	}
	if e.Status != StatusDelivered && e.Status != StatusReleased {
		return nil, ierr.InvalidTransitionf("cannot release escrow in status %s", e.Status)
	}

	var acct *payout.Account
	if e.Status == StatusDelivered {
		acct, err = s.payouts.Get(ctx, e.SellerID)
		if err != nil {
			return nil, err
		}
	}

	var result *Escrow
	var alreadyReleased bool
	var transferAmount int64
	var recipientCode string

	err = s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, cur *Escrow) error {
		if cur.Status == StatusReleased {
			alreadyReleased = true
			result = cur
			return nil
		}
		if cur.Status != StatusDelivered {
			return ierr.InvalidTransitionf("cannot release escrow in status %s", cur.Status)
		}
		now := nowFunc()
		cur.SellerRecipientCode = acct.ProviderRecipientCode
		cur.SellerPayoutMethod = PayoutMethod(acct.PayoutMethod)
		cur.Status = StatusReleased
		cur.FundsReleasedAt = &now
		cur.TransferRef = refgen.Transfer(cur.ID)
		cur.UpdatedAt = now
		if err := s.appendEvent(ctx, tx, cur.ID, nil, eventType, "buyer released funds"); err != nil {
			return err
		}
		transferAmount = cur.SellerAmount
		recipientCode = cur.SellerRecipientCode
		result = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyReleased {
		return result, nil
	}
	recordTransition(result)

	s.completeTransfer(ctx, result, transferAmount, recipientCode, result.TransferRef)
	return result, nil
}

// completeTransfer performs the post-commit provider transfer shared by
// Release and the release_to_seller/partial_split dispute-resolution
// paths. A provider failure never rolls back the prior commit; it
// reverts the escrow to FUNDED in a fresh transaction and notifies the
// seller and platform admins.
func (s *Service) completeTransfer(ctx context.Context, e *Escrow, amountMinor int64, recipientCode, transferRef string) {
	ctx, span := traces.StartSpan(ctx, "escrow.transfer",
		traces.EscrowID(e.ID), traces.TransferRef(transferRef), traces.Amount(money.FormatAmount(amountMinor)))
	defer span.End()

	out, callErr := s.provider.InitiateTransfer(ctx, provider.InitiateTransferInput{
		AmountMinor:   amountMinor,
		RecipientCode: recipientCode,
		Reference:     transferRef,
		Reason:        "escrow release " + e.ID,
	})
	if callErr != nil || out.Status == provider.TransferFailed {
		s.revertReleaseOnTransferFailure(ctx, e.ID, callErr)
		return
	}
	s.notifier.NotifyBothParties(ctx, e.BuyerID, e.SellerID, "escrow.released", &e.ID,
		"Funds released", fmt.Sprintf("Your payment for %q has been released.", e.Title),
		"Payment released", fmt.Sprintf("Funds for %q have been released to your payout account.", e.Title),
		nil)
}

func (s *Service) revertReleaseOnTransferFailure(ctx context.Context, escrowID string, transferErr error) {
	now := nowFunc()
	var e *Escrow
	err := s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, cur *Escrow) error {
		if cur.Status != StatusReleased {
			return nil
		}
		cur.Status = StatusFunded
		cur.TransferFailedAt = &now
		cur.UpdatedAt = now
		e = cur
		return s.appendEvent(ctx, tx, cur.ID, nil, "transfer_failed", fmt.Sprintf("transfer failed: %v", transferErr))
	})
	if err != nil {
		s.logger.Error("failed to revert escrow after transfer failure", "escrow_id", escrowID, "error", err)
		return
	}
	if e == nil {
		return
	}
	recordTransition(e)
	s.notifier.Create(ctx, e.SellerID, "payout.failed", "Payout failed",
		"Your payout could not be completed and will be retried.", &e.ID, nil)
	for _, adminID := range s.adminIDs(ctx) {
		s.notifier.Create(ctx, adminID, "payout.failed", "Payout failed",
			fmt.Sprintf("Transfer for escrow %s failed and was reverted to FUNDED.", e.ID), &e.ID, nil)
	}
}

// Dispute transitions FUNDED/IN_PROGRESS/DELIVERED → DISPUTED, raised by
// either party.
func (s *Service) Dispute(ctx context.Context, escrowID string, actor Actor, reason string) (*Escrow, error) {
	if len(strings.TrimSpace(reason)) < minDisputeReasonLength {
		return nil, ierr.Validationf("dispute reason must be at least %d characters", minDisputeReasonLength)
	}
	var result *Escrow
	err := s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, e *Escrow) error {
		if !isBuyerOrSeller(actor, e) {
			return ierr.Forbiddenf("only a party to this escrow may raise a dispute")
		}
		switch e.Status {
		case StatusFunded, StatusInProgress, StatusDelivered:
		default:
			return ierr.InvalidTransitionf("cannot dispute escrow in status %s", e.Status)
		}
		now := nowFunc()
		e.Status = StatusDisputed
		e.DisputeReason = reason
		e.DisputeRaisedBy = actor.UserID
		e.UpdatedAt = now
		result = e
		return s.appendEvent(ctx, tx, e.ID, nil, "dispute_raised", reason)
	})
	if err == nil {
		recordTransition(result)
		s.notifier.NotifyBothParties(ctx, result.BuyerID, result.SellerID, "escrow.dispute_raised", &result.ID,
			"Dispute raised", fmt.Sprintf("A dispute has been raised on %q.", result.Title),
			"Dispute raised", fmt.Sprintf("A dispute has been raised on %q.", result.Title), nil)
		for _, adminID := range s.adminIDs(ctx) {
			s.notifier.Create(ctx, adminID, "escrow.dispute_raised", "Dispute raised",
				fmt.Sprintf("Escrow %s needs resolution.", result.ID), &result.ID, nil)
		}
	}
	return result, err
}

// ResolveDispute settles a DISPUTED escrow along one of the three
// resolution paths. Admin only.
func (s *Service) ResolveDispute(ctx context.Context, escrowID string, actor Actor, resolution DisputeResolution, splitPercent int) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute", traces.EscrowID(escrowID))
	defer span.End()

	if !actor.IsAdmin {
		return nil, ierr.Forbiddenf("only an admin may resolve a dispute")
	}

	var acct *payout.Account
	var err error
	switch resolution {
	case ResolutionReleaseToSeller, ResolutionPartialSplit:
		e, getErr := s.store.Get(ctx, escrowID)
		if getErr != nil {
			return nil, getErr
		}
		if e.Status != StatusDisputed {
			return e, nil
		}
		acct, err = s.payouts.Get(ctx, e.SellerID)
		if err != nil {
			return nil, err
		}
	}

	var result *Escrow
	var transferAmount, refundAmount int64
	var recipientCode string
	var doTransfer, doRefund, transitioned bool

	err = s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, e *Escrow) error {
		if e.Status != StatusDisputed {
			result = e
			return nil
		}
		now := nowFunc()
		e.DisputeResolution = resolution
		e.DisputeResolvedAt = &now
		e.UpdatedAt = now

		switch resolution {
		case ResolutionReleaseToSeller:
			e.SellerRecipientCode = acct.ProviderRecipientCode
			e.SellerPayoutMethod = PayoutMethod(acct.PayoutMethod)
			e.Status = StatusReleased
			e.FundsReleasedAt = &now
			e.TransferRef = refgen.Transfer(e.ID)
			transferAmount = e.SellerAmount
			recipientCode = e.SellerRecipientCode
			doTransfer = true

		case ResolutionRefundBuyer:
			e.Status = StatusRefunded
			doRefund = true
			refundAmount = e.TotalAmount

		case ResolutionPartialSplit:
			if splitPercent < 0 || splitPercent > 100 {
				return ierr.Validationf("splitPercent must be between 0 and 100")
			}
			e.SellerRecipientCode = acct.ProviderRecipientCode
			e.SellerPayoutMethod = PayoutMethod(acct.PayoutMethod)
			e.SplitPercent = splitPercent
			sellerGross := money.Proportional(e.TotalAmount, int64(splitPercent), 100)
			_, sellerNet := money.Split(sellerGross, s.cfg.FeeRate)
			e.Status = StatusReleased
			e.FundsReleasedAt = &now
			e.TransferRef = refgen.Transfer(e.ID)
			transferAmount = sellerNet
			recipientCode = e.SellerRecipientCode
			refundAmount = e.TotalAmount - sellerGross
			doTransfer = true
			doRefund = true

		default:
			return ierr.Validationf("unknown dispute resolution %q", resolution)
		}

		if err := s.appendEvent(ctx, tx, e.ID, nil, "dispute_resolved",
			fmt.Sprintf("dispute resolved: %s", resolution)); err != nil {
			return err
		}
		result = e
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transitioned {
		recordTransition(result)
	}

	if doTransfer {
		s.completeTransfer(ctx, result, transferAmount, recipientCode, result.TransferRef)
	}
	if doRefund {
		s.completeRefund(ctx, result, refundAmount, resolution == ResolutionRefundBuyer)
	}
	return result, nil
}

// completeRefund issues a post-commit refund through the provider. The
// adapter contract only exposes a reference-keyed refund of the original
// payment (no partial-amount parameter), so a PARTIAL_SPLIT's buyer
// remainder is requested the same way and logged with its computed
// amount; see DESIGN.md for the reasoning. setRefundConfirmedAt is only
// true for a full refund_buyer resolution, where the escrow's terminal
// status is REFUNDED and the timestamp field applies.
func (s *Service) completeRefund(ctx context.Context, e *Escrow, amountMinor int64, setRefundConfirmedAt bool) {
	_, err := s.provider.RefundTransaction(ctx, e.PaymentRef)
	if err != nil {
		s.logger.Error("refund provider call failed", "escrow_id", e.ID, "amount_minor", amountMinor, "error", err)
		return
	}
	if setRefundConfirmedAt {
		now := nowFunc()
		if err := s.store.WithLock(ctx, e.ID, func(tx *sql.Tx, cur *Escrow) error {
			if cur.Status != StatusRefunded {
				return nil
			}
			cur.RefundConfirmedAt = &now
			cur.UpdatedAt = now
			return s.appendEvent(ctx, tx, cur.ID, nil, "refund_confirmed", "refund confirmed by provider")
		}); err != nil {
			s.logger.Error("failed to record refund confirmation", "escrow_id", e.ID, "error", err)
		}
	}
	s.notifier.Create(ctx, e.BuyerID, "escrow.refunded", "Refund issued",
		fmt.Sprintf("A refund of %s has been issued for %q.", money.Format(amountMinor, e.Currency), e.Title),
		&e.ID, nil)
}

// Refund implements the pre-delivery refund path (FUNDED/IN_PROGRESS →
// REFUNDED), buyer or admin only.
func (s *Service) Refund(ctx context.Context, escrowID string, actor Actor) (*Escrow, error) {
	var result *Escrow
	err := s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, e *Escrow) error {
		if !actor.IsAdmin && actor.UserID != e.BuyerID {
			return ierr.Forbiddenf("only the buyer or an admin may request a refund")
		}
		switch e.Status {
		case StatusFunded, StatusInProgress:
		default:
			return ierr.InvalidTransitionf("cannot refund escrow in status %s", e.Status)
		}
		now := nowFunc()
		e.Status = StatusRefunded
		e.UpdatedAt = now
		result = e
		return s.appendEvent(ctx, tx, e.ID, nil, "refunded", "pre-delivery refund requested")
	})
	if err != nil {
		return nil, err
	}
	recordTransition(result)
	s.completeRefund(ctx, result, result.TotalAmount, true)
	return result, nil
}

// Cancel transitions PENDING → CANCELLED, buyer or admin only.
func (s *Service) Cancel(ctx context.Context, escrowID string, actor Actor, reason string) (*Escrow, error) {
	var result *Escrow
	err := s.store.WithLock(ctx, escrowID, func(tx *sql.Tx, e *Escrow) error {
		if !actor.IsAdmin && actor.UserID != e.BuyerID {
			return ierr.Forbiddenf("only the buyer or an admin may cancel")
		}
		if e.Status != StatusPending {
			return ierr.InvalidTransitionf("cannot cancel escrow in status %s", e.Status)
		}
		now := nowFunc()
		e.Status = StatusCancelled
		e.CancelledBy = actor.UserID
		e.CancellationReason = reason
		e.CancelledAt = &now
		e.UpdatedAt = now
		result = e
		return s.appendEvent(ctx, tx, e.ID, nil, "cancelled", reason)
	})
	if err == nil {
		recordTransition(result)
	}
	return result, err
}

// CreateMilestones installs an escrow's milestone schedule. Write-once:
// the store rejects a second call once any milestone row exists, so a
// schedule is immutable after the escrow references it.
func (s *Service) CreateMilestones(ctx context.Context, escrowID string, actor Actor, inputs []MilestoneInput) ([]*MilestonePayment, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin && actor.UserID != e.BuyerID {
		return nil, ierr.Forbiddenf("only the buyer or an admin may define milestones")
	}
	if len(inputs) == 0 {
		return nil, ierr.Validationf("at least one milestone is required")
	}
	var sum int64
	milestones := make([]*MilestonePayment, len(inputs))
	for i, in := range inputs {
		if in.Amount <= 0 {
			return nil, ierr.Validationf("milestone amount must be greater than zero")
		}
		sum += in.Amount
		milestones[i] = &MilestonePayment{
			ID:                idgen.WithPrefix("mst_"),
			EscrowID:          escrowID,
			SourceMilestoneID: in.SourceMilestoneID,
			Title:             in.Title,
			Amount:            in.Amount,
			OrderIndex:        in.OrderIndex,
			Status:            MilestonePending,
		}
	}
	if sum != e.TotalAmount {
		return nil, ierr.Validationf("milestone amounts must sum to the escrow total (%d), got %d", e.TotalAmount, sum)
	}
	if err := s.store.CreateMilestones(ctx, escrowID, milestones); err != nil {
		return nil, err
	}
	return milestones, nil
}

// DeliverMilestone transitions one milestone PENDING/IN_PROGRESS →
// DELIVERED, seller only.
func (s *Service) DeliverMilestone(ctx context.Context, escrowID, milestoneID string, actor Actor, deliveryNote string) (*MilestonePayment, error) {
	var result *MilestonePayment
	err := s.store.WithMilestoneLock(ctx, escrowID, milestoneID, func(tx *sql.Tx, e *Escrow, m *MilestonePayment, _ []*MilestonePayment) error {
		if actor.UserID != e.SellerID {
			return ierr.Forbiddenf("only the seller may mark a milestone delivered")
		}
		switch m.Status {
		case MilestonePending, MilestoneInProgress:
		default:
			return ierr.InvalidTransitionf("cannot deliver milestone in status %s", m.Status)
		}
		now := nowFunc()
		m.Status = MilestoneDelivered
		m.DeliveredAt = &now
		m.DeliveryNote = deliveryNote
		result = m
		return s.appendEvent(ctx, tx, e.ID, &m.ID, "milestone_delivered", fmt.Sprintf("milestone %q delivered", m.Title))
	})
	return result, err
}

// ReleaseMilestone releases one milestone's proportional transfer
// (amount × (1 − feeRate)); when every milestone in the escrow becomes
// RELEASED, the parent escrow transitions to RELEASED in the same
// transaction.
func (s *Service) ReleaseMilestone(ctx context.Context, escrowID, milestoneID string, actor Actor) (*MilestonePayment, *Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release_milestone",
		traces.EscrowID(escrowID), traces.MilestoneID(milestoneID))
	defer span.End()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.IsAdmin && actor.UserID != e.BuyerID {
		return nil, nil, ierr.Forbiddenf("only the buyer or an admin may release a milestone")
	}
	m, err := s.store.GetMilestone(ctx, escrowID, milestoneID)
	if err != nil {
		return nil, nil, err
	}

	var acct *payout.Account
	if m.Status != MilestoneReleased {
		acct, err = s.payouts.Get(ctx, e.SellerID)
		if err != nil {
			return nil, nil, err
		}
	}

	var resultM *MilestonePayment
	var resultE *Escrow
	var alreadyReleased, parentJustReleased bool
	var transferAmount int64
	var recipientCode string

	err = s.store.WithMilestoneLock(ctx, escrowID, milestoneID, func(tx *sql.Tx, curE *Escrow, curM *MilestonePayment, all []*MilestonePayment) error {
		if curM.Status == MilestoneReleased {
			alreadyReleased = true
			resultM, resultE = curM, curE
			return nil
		}
		if curM.Status != MilestoneDelivered {
			return ierr.InvalidTransitionf("cannot release milestone in status %s", curM.Status)
		}
		now := nowFunc()
		curM.Status = MilestoneReleased
		curM.ReleasedAt = &now
		curM.TransferRef = refgen.MilestoneTransfer(curE.ID)

		_, sellerShare := money.Split(curM.Amount, s.cfg.FeeRate)
		transferAmount = sellerShare
		recipientCode = acct.ProviderRecipientCode
		curE.SellerRecipientCode = acct.ProviderRecipientCode
		curE.SellerPayoutMethod = PayoutMethod(acct.PayoutMethod)
		curE.UpdatedAt = now

		if err := s.appendEvent(ctx, tx, curE.ID, &curM.ID, "milestone_released", fmt.Sprintf("milestone %q released", curM.Title)); err != nil {
			return err
		}

		allReleased := true
		for _, mm := range all {
			status := mm.Status
			if mm.ID == curM.ID {
				status = MilestoneReleased
			}
			if status != MilestoneReleased {
				allReleased = false
				break
			}
		}
		if allReleased {
			curE.Status = StatusReleased
			curE.FundsReleasedAt = &now
			parentJustReleased = true
			if err := s.appendEvent(ctx, tx, curE.ID, nil, "released", "all milestones released"); err != nil {
				return err
			}
		}
		resultM, resultE = curM, curE
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if alreadyReleased {
		return resultM, resultE, nil
	}
	if parentJustReleased {
		recordTransition(resultE)
	}

	s.completeTransfer(ctx, resultE, transferAmount, recipientCode, resultM.TransferRef)
	if parentJustReleased {
		s.notifier.NotifyBothParties(ctx, resultE.BuyerID, resultE.SellerID, "escrow.released", &resultE.ID,
			"Funds released", fmt.Sprintf("All milestones for %q have been released.", resultE.Title),
			"Payment released", fmt.Sprintf("All milestones for %q have been released to your payout account.", resultE.Title),
			nil)
	}
	return resultM, resultE, nil
}

// Get returns an escrow, authorized to its buyer, seller, or any admin.
func (s *Service) Get(ctx context.Context, escrowID string, actor Actor) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !isBuyerOrSeller(actor, e) {
		return nil, ierr.Forbiddenf("not authorized to view this escrow")
	}
	return e, nil
}

// List returns escrows matching f. Non-admins are scoped to escrows
// where they are the buyer or seller; an admin may query unscoped.
func (s *Service) List(ctx context.Context, f ListFilter, actor Actor) ([]*Escrow, error) {
	if !actor.IsAdmin {
		if f.BuyerID == "" && f.SellerID == "" {
			f.BuyerID = actor.UserID
		} else if f.BuyerID != actor.UserID && f.SellerID != actor.UserID {
			return nil, ierr.Forbiddenf("not authorized to view these escrows")
		}
	}
	return s.store.List(ctx, f)
}

// Events returns an escrow's audit-event stream, ASC by time.
func (s *Service) Events(ctx context.Context, escrowID string, actor Actor) ([]audit.Event, error) {
	if _, err := s.Get(ctx, escrowID, actor); err != nil {
		return nil, err
	}
	return s.audit.ListByEscrow(ctx, escrowID)
}

// Milestones returns an escrow's milestone schedule.
func (s *Service) Milestones(ctx context.Context, escrowID string, actor Actor) ([]*MilestonePayment, error) {
	if _, err := s.Get(ctx, escrowID, actor); err != nil {
		return nil, err
	}
	return s.store.ListMilestones(ctx, escrowID)
}

// Stats returns dashboard aggregates, scoped like List for non-admins.
func (s *Service) Stats(ctx context.Context, f ListFilter, actor Actor) (Stats, error) {
	if !actor.IsAdmin {
		if f.BuyerID == "" && f.SellerID == "" {
			f.BuyerID = actor.UserID
		} else if f.BuyerID != actor.UserID && f.SellerID != actor.UserID {
			return Stats{}, ierr.Forbiddenf("not authorized to view these stats")
		}
	}
	return s.store.Stats(ctx, f)
}
