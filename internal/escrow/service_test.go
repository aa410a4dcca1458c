package escrow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creatorpay/escrow-engine/internal/audit"
	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/notify"
	"github.com/creatorpay/escrow-engine/internal/payout"
	"github.com/creatorpay/escrow-engine/internal/provider"
	"github.com/creatorpay/escrow-engine/internal/providerstub"
)

type fakeUsers struct{}

func (fakeUsers) Email(_ context.Context, userID string) (string, error) {
	return userID + "@example.test", nil
}

type fakeAdmins struct{ ids []string }

func (f fakeAdmins) Admins(_ context.Context) ([]string, error) { return f.ids, nil }

type fakeAccountType struct{ creator bool }

func (f fakeAccountType) IsCreator(_ context.Context, _ string) (bool, error) { return f.creator, nil }

// failingTransferAdapter wraps providerstub.Adapter and forces the next
// InitiateTransfer call to report TransferFailed, regardless of reference.
// Transfer references are timestamp+random and can't be predicted ahead of
// a call, so a toggle is simpler than pre-registering a failure by key.
type failingTransferAdapter struct {
	*providerstub.Adapter
	failNext atomic.Bool
}

func newFailingTransferAdapter() *failingTransferAdapter {
	return &failingTransferAdapter{Adapter: providerstub.New()}
}

func (a *failingTransferAdapter) InitiateTransfer(ctx context.Context, in provider.InitiateTransferInput) (provider.InitiateTransferOutput, error) {
	if a.failNext.CompareAndSwap(true, false) {
		return provider.InitiateTransferOutput{Status: provider.TransferFailed}, nil
	}
	return a.Adapter.InitiateTransfer(ctx, in)
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	auditLog *audit.MemoryLogger
	notifs   *notify.MemoryStore
	payouts  *payout.Manager
}

func newHarness(t *testing.T, adapter provider.Adapter, adminIDs []string) *harness {
	t.Helper()
	store := NewMemoryStore()
	al := audit.NewMemoryLogger()
	ns := notify.NewMemoryStore()
	sink := notify.New(ns, slog.Default())
	payoutStore := payout.NewMemoryStore()
	mgr := payout.New(payoutStore, adapter, fakeAccountType{creator: true}, slog.Default())
	svc := NewService(store, al, sink, adapter, mgr, fakeUsers{}, fakeAdmins{ids: adminIDs}, slog.Default(), Config{
		FeeRate:               0.1,
		DefaultCurrency:       "KES",
		DefaultInspectionDays: 7,
	})
	return &harness{svc: svc, store: store, auditLog: al, notifs: ns, payouts: mgr}
}

func (h *harness) registerSellerPayout(t *testing.T, ctx context.Context, sellerID string) {
	t.Helper()
	_, err := h.payouts.Setup(ctx, payout.SetupInput{
		UserID:            sellerID,
		Method:            payout.MobileMoney,
		MobileMoneyNumber: "0712345678",
		Name:              sellerID,
	})
	if err != nil {
		t.Fatalf("registerSellerPayout: %v", err)
	}
}

func jobProposalInput(buyer, seller string, amountMinor int64) CreateInput {
	jp := "jp_1"
	return CreateInput{
		BuyerID:       buyer,
		SellerID:      seller,
		Source:        SourceJobProposal,
		JobProposalID: &jp,
		Title:         "landing page redesign",
		AmountMinor:   amountMinor,
	}
}

func TestCreate_Success(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()

	e, authURL, err := h.svc.Create(ctx, Actor{UserID: "buyer1"}, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if authURL == "" {
		t.Fatal("expected a non-empty authorization URL")
	}
	if e.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", e.Status)
	}
	if e.FeeAmount+e.SellerAmount != e.TotalAmount {
		t.Fatalf("fee + seller amount (%d + %d) must equal total (%d)", e.FeeAmount, e.SellerAmount, e.TotalAmount)
	}
	if e.Currency != "KES" {
		t.Fatalf("expected default currency KES, got %s", e.Currency)
	}
	if e.InspectionPeriodDays != 7 {
		t.Fatalf("expected default inspection period 7, got %d", e.InspectionPeriodDays)
	}
	if h.auditLog.CountByType(e.ID, "created") != 1 {
		t.Fatal("expected exactly one created audit event")
	}
}

func TestCreate_ValidationErrors(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()

	jp := "jp_1"
	cp := "cmp_1"

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing buyer", CreateInput{SellerID: "s1", JobProposalID: &jp, AmountMinor: 100, Title: "x"}},
		{"buyer equals seller", CreateInput{BuyerID: "b1", SellerID: "b1", JobProposalID: &jp, AmountMinor: 100, Title: "x"}},
		{"no source", CreateInput{BuyerID: "b1", SellerID: "s1", AmountMinor: 100, Title: "x"}},
		{"two sources", CreateInput{BuyerID: "b1", SellerID: "s1", JobProposalID: &jp, CampaignID: &cp, AmountMinor: 100, Title: "x"}},
		{"zero amount", CreateInput{BuyerID: "b1", SellerID: "s1", JobProposalID: &jp, AmountMinor: 0, Title: "x"}},
		{"blank title", CreateInput{BuyerID: "b1", SellerID: "s1", JobProposalID: &jp, AmountMinor: 100, Title: "  "}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := h.svc.Create(ctx, Actor{UserID: "b1"}, c.in)
			assertKind(t, err, ierr.Validation)
		})
	}
}

func TestCreate_OnlyBuyerMayCreateForThemselves(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()

	_, _, err := h.svc.Create(ctx, Actor{UserID: "someone-else"}, jobProposalInput("buyer1", "seller1", 1000))
	assertKind(t, err, ierr.Authorization)
}

func assertKind(t *testing.T, err error, want ierr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error of kind %s, got nil", want)
	}
	ie, ok := err.(*ierr.Error)
	if !ok {
		t.Fatalf("expected *ierr.Error, got %T (%v)", err, err)
	}
	if ie.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, ie.Kind, err)
	}
}

// TestVerifyPayment_FundsAndIsIdempotent covers create-then-fund and
// double funding: two VerifyPayment calls for the same escrow must only
// append one "funded" audit event.
func TestVerifyPayment_FundsAndIsIdempotent(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := h.svc.VerifyPayment(ctx, e.ID, buyer)
		if err != nil {
			t.Fatalf("VerifyPayment call %d: %v", i, err)
		}
		if got.Status != StatusFunded {
			t.Fatalf("call %d: expected FUNDED, got %s", i, got.Status)
		}
	}
	if h.auditLog.CountByType(e.ID, "funded") != 1 {
		t.Fatal("expected exactly one funded audit event across both calls")
	}
}

// TestFundFromWebhook_DuplicateIsIdempotent: the same
// charge.success webhook delivered twice must not double-fund, duplicate
// the funded audit event, or re-notify the buyer.
func TestFundFromWebhook_DuplicateIsIdempotent(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()

	e, _, err := h.svc.Create(ctx, Actor{UserID: "buyer1"}, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := h.svc.FundFromWebhook(ctx, e.PaymentRef)
		if err != nil {
			t.Fatalf("FundFromWebhook call %d: %v", i, err)
		}
		if got.Status != StatusFunded {
			t.Fatalf("call %d: expected FUNDED, got %s", i, got.Status)
		}
	}
	if h.auditLog.CountByType(e.ID, "funded") != 1 {
		t.Fatal("expected exactly one funded audit event across both webhook deliveries")
	}
	if n := h.notifs.CountByType("buyer1", "payment.confirmed"); n != 1 {
		t.Fatalf("expected exactly one payment.confirmed notification across both deliveries, got %d", n)
	}
}

func TestVerifyPayment_RejectsUnconfirmedPayment(t *testing.T) {
	adapter := providerstub.New()
	h := newHarness(t, adapter, nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	adapter.FailPaymentVerify[e.PaymentRef] = provider.PaymentPending

	_, err = h.svc.VerifyPayment(ctx, e.ID, buyer)
	assertKind(t, err, ierr.Validation)
}

// TestLifecycle_DeliverAndRelease: deliver then release
// transfers funds to the seller and marks the escrow RELEASED.
func TestLifecycle_DeliverAndRelease(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}
	seller := Actor{UserID: "seller1"}
	h.registerSellerPayout(t, ctx, "seller1")

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if _, err := h.svc.Start(ctx, e.ID, seller); err != nil {
		t.Fatalf("Start: %v", err)
	}
	delivered, err := h.svc.Deliver(ctx, e.ID, seller, "done")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if delivered.Status != StatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", delivered.Status)
	}
	if delivered.AutoReleaseAt == nil {
		t.Fatal("expected AutoReleaseAt to be set on delivery")
	}
	if h.notifs.CountByType("buyer1", "escrow.delivered") != 1 {
		t.Fatal("expected buyer to be notified of delivery")
	}

	released, err := h.svc.Release(ctx, e.ID, buyer)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected RELEASED, got %s", released.Status)
	}
	if released.TransferRef == "" {
		t.Fatal("expected a transfer reference to be assigned")
	}
	if h.notifs.CountByType("seller1", "escrow.released") != 1 {
		t.Fatal("expected seller to be notified of release")
	}

	// Idempotent: releasing an already-RELEASED escrow is a no-op, not an error.
	again, err := h.svc.Release(ctx, e.ID, buyer)
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if again.Status != StatusReleased {
		t.Fatalf("expected still RELEASED, got %s", again.Status)
	}
}

func TestRelease_RequiresDeliveredStatus(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}
	h.registerSellerPayout(t, ctx, "seller1")

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = h.svc.Release(ctx, e.ID, buyer)
	assertKind(t, err, ierr.InvalidStateTransition)
}

// TestRelease_TransferFailureRevertsToFunded: a failed outbound
// transfer reverts the escrow to FUNDED instead of leaving it stranded in
// RELEASED, and notifies the seller and admins.
func TestRelease_TransferFailureRevertsToFunded(t *testing.T) {
	adapter := newFailingTransferAdapter()
	h := newHarness(t, adapter, []string{"admin1"})
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}
	seller := Actor{UserID: "seller1"}
	h.registerSellerPayout(t, ctx, "seller1")

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if _, err := h.svc.Deliver(ctx, e.ID, seller, "done"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	adapter.failNext.Store(true)
	released, err := h.svc.Release(ctx, e.ID, buyer)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("Release should still report RELEASED synchronously, got %s", released.Status)
	}

	// completeTransfer's revert happens synchronously within Release.
	reverted, err := h.svc.store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reverted.Status != StatusFunded {
		t.Fatalf("expected reverted escrow to be FUNDED after transfer failure, got %s", reverted.Status)
	}
	if reverted.TransferFailedAt == nil {
		t.Fatal("expected TransferFailedAt to be set")
	}
	if h.notifs.CountByType("seller1", "payout.failed") != 1 {
		t.Fatal("expected seller to be notified of the failed payout")
	}
	if h.notifs.CountByType("admin1", "payout.failed") != 1 {
		t.Fatal("expected admin to be notified of the failed payout")
	}
}

// TestDispute_ResolutionPaths covers all three dispute resolutions
// (partial split, release-to-seller, refund-buyer).
func TestDispute_ResolutionPaths(t *testing.T) {
	cases := []struct {
		name           string
		resolution     DisputeResolution
		splitPercent   int
		wantFinalState Status
	}{
		{"release to seller", ResolutionReleaseToSeller, 0, StatusReleased},
		{"refund buyer", ResolutionRefundBuyer, 0, StatusRefunded},
		{"partial split 60/40", ResolutionPartialSplit, 60, StatusReleased},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, providerstub.New(), []string{"admin1"})
			ctx := context.Background()
			buyer := Actor{UserID: "buyer1"}
			seller := Actor{UserID: "seller1"}
			admin := Actor{UserID: "admin1", IsAdmin: true}
			h.registerSellerPayout(t, ctx, "seller1")

			e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
				t.Fatalf("VerifyPayment: %v", err)
			}
			if _, err := h.svc.Dispute(ctx, e.ID, buyer, "item did not match the agreed description"); err != nil {
				t.Fatalf("Dispute: %v", err)
			}

			resolved, err := h.svc.ResolveDispute(ctx, e.ID, admin, c.resolution, c.splitPercent)
			if err != nil {
				t.Fatalf("ResolveDispute: %v", err)
			}
			if resolved.Status != c.wantFinalState {
				t.Fatalf("expected %s, got %s", c.wantFinalState, resolved.Status)
			}
			if resolved.DisputeResolution != c.resolution {
				t.Fatalf("expected resolution recorded as %s, got %s", c.resolution, resolved.DisputeResolution)
			}
		})
	}
}

func TestDispute_NonPartyCannotRaise(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	_, err = h.svc.Dispute(ctx, e.ID, Actor{UserID: "stranger"}, "this is long enough to pass validation")
	assertKind(t, err, ierr.Authorization)
}

func TestDispute_ReasonTooShort(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = h.svc.Dispute(ctx, e.ID, buyer, "short")
	assertKind(t, err, ierr.Validation)
}

func TestResolveDispute_RequiresAdmin(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = h.svc.ResolveDispute(ctx, e.ID, buyer, ResolutionRefundBuyer, 0)
	assertKind(t, err, ierr.Authorization)
}

func TestRefund_PreDelivery(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	refunded, err := h.svc.Refund(ctx, e.ID, buyer)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", refunded.Status)
	}
	if h.notifs.CountByType("buyer1", "escrow.refunded") != 1 {
		t.Fatal("expected buyer to be notified of the refund")
	}
}

func TestRefund_RejectsAfterDelivery(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}
	seller := Actor{UserID: "seller1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if _, err := h.svc.Deliver(ctx, e.ID, seller, "done"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	_, err = h.svc.Refund(ctx, e.ID, buyer)
	assertKind(t, err, ierr.InvalidStateTransition)
}

func TestCancel_OnlyFromPending(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cancelled, err := h.svc.Cancel(ctx, e.ID, buyer, "changed my mind")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err == nil {
		t.Fatal("expected verifying payment on a cancelled escrow to fail")
	}
}

// TestMilestones_ReleaseAllCompletesParent: once every
// milestone is RELEASED the parent escrow transitions to RELEASED too.
func TestMilestones_ReleaseAllCompletesParent(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}
	seller := Actor{UserID: "seller1"}
	h.registerSellerPayout(t, ctx, "seller1")

	cp := "cmp_1"
	e, _, err := h.svc.Create(ctx, buyer, CreateInput{
		BuyerID:     "buyer1",
		SellerID:    "seller1",
		Source:      SourceCampaign,
		CampaignID:  &cp,
		Title:       "campaign with milestones",
		AmountMinor: 100000,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}

	milestones, err := h.svc.CreateMilestones(ctx, e.ID, buyer, []MilestoneInput{
		{SourceMilestoneID: 1, Title: "first half", Amount: 40000, OrderIndex: 0},
		{SourceMilestoneID: 2, Title: "second half", Amount: 60000, OrderIndex: 1},
	})
	if err != nil {
		t.Fatalf("CreateMilestones: %v", err)
	}
	if len(milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(milestones))
	}

	for i, m := range milestones {
		if _, err := h.svc.DeliverMilestone(ctx, e.ID, m.ID, seller, "milestone done"); err != nil {
			t.Fatalf("DeliverMilestone %d: %v", i, err)
		}
		releasedM, parent, err := h.svc.ReleaseMilestone(ctx, e.ID, m.ID, buyer)
		if err != nil {
			t.Fatalf("ReleaseMilestone %d: %v", i, err)
		}
		if releasedM.Status != MilestoneReleased {
			t.Fatalf("milestone %d: expected RELEASED, got %s", i, releasedM.Status)
		}
		if i == 0 && parent.Status == StatusReleased {
			t.Fatal("parent should not be RELEASED before all milestones are")
		}
		if i == 1 && parent.Status != StatusReleased {
			t.Fatalf("expected parent RELEASED after final milestone, got %s", parent.Status)
		}
	}
}

func TestCreateMilestones_AmountsMustSumToTotal(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	cp := "cmp_1"
	e, _, err := h.svc.Create(ctx, buyer, CreateInput{
		BuyerID:     "buyer1",
		SellerID:    "seller1",
		Source:      SourceCampaign,
		CampaignID:  &cp,
		Title:       "campaign",
		AmountMinor: 100000,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = h.svc.CreateMilestones(ctx, e.ID, buyer, []MilestoneInput{
		{SourceMilestoneID: 1, Title: "only one", Amount: 50000, OrderIndex: 0},
	})
	assertKind(t, err, ierr.Validation)
}

func TestGet_ScopesToPartiesAndAdmin(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := h.svc.Get(ctx, e.ID, Actor{UserID: "seller1"}); err != nil {
		t.Fatalf("seller should be able to view: %v", err)
	}
	if _, err := h.svc.Get(ctx, e.ID, Actor{UserID: "admin1", IsAdmin: true}); err != nil {
		t.Fatalf("admin should be able to view: %v", err)
	}
	_, err = h.svc.Get(ctx, e.ID, Actor{UserID: "stranger"})
	assertKind(t, err, ierr.Authorization)
}

func TestList_NonAdminScopedToOwnEscrows(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}

	if _, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	results, err := h.svc.List(ctx, ListFilter{}, buyer)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 escrow scoped to buyer1, got %d", len(results))
	}

	_, err = h.svc.List(ctx, ListFilter{BuyerID: "someone-else"}, buyer)
	assertKind(t, err, ierr.Authorization)
}

// TestScheduler_AutoRelease: a DELIVERED escrow whose
// auto-release deadline has passed is released without buyer action.
func TestScheduler_AutoRelease(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}
	seller := Actor{UserID: "seller1"}
	h.registerSellerPayout(t, ctx, "seller1")

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if _, err := h.svc.Deliver(ctx, e.ID, seller, "done"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	// Simulate the inspection period having already elapsed.
	origNow := nowFunc
	nowFunc = func() time.Time { return origNow().Add(8 * 24 * time.Hour) }
	defer func() { nowFunc = origNow }()

	sched := NewScheduler(h.svc, time.Minute, slog.Default())
	sched.runOnce(ctx)

	got, err := h.svc.store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusReleased {
		t.Fatalf("expected scheduler to auto-release, got %s", got.Status)
	}

	events, err := h.auditLog.ListByEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("ListByEscrow: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.EventType != "auto_released" {
			continue
		}
		found = true
		if ev.ActorID != nil {
			t.Fatalf("expected auto_released event to carry a nil actor, got %q", *ev.ActorID)
		}
	}
	if !found {
		t.Fatalf("expected an auto_released event, got %+v", events)
	}
}

func TestScheduler_WarningIsNotDuplicated(t *testing.T) {
	h := newHarness(t, providerstub.New(), nil)
	ctx := context.Background()
	buyer := Actor{UserID: "buyer1"}
	seller := Actor{UserID: "seller1"}

	e, _, err := h.svc.Create(ctx, buyer, jobProposalInput("buyer1", "seller1", 100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.VerifyPayment(ctx, e.ID, buyer); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if _, err := h.svc.Deliver(ctx, e.ID, seller, "done"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	// Deliver sets AutoReleaseAt 7 days out; move "now" to 6.5 days in so
	// the escrow falls inside the 24h warning window but isn't past due.
	origNow := nowFunc
	nowFunc = func() time.Time { return origNow().Add(6*24*time.Hour + 12*time.Hour) }
	defer func() { nowFunc = origNow }()

	sched := NewScheduler(h.svc, time.Minute, slog.Default())
	sched.runOnce(ctx)
	sched.runOnce(ctx)

	if n := h.notifs.CountByType("buyer1", "escrow.auto_release_warning"); n != 1 {
		t.Fatalf("expected exactly one warning notification across two ticks, got %d", n)
	}
}
