package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FundFromWebhook, ConfirmTransfer, FailTransfer, and ConfirmRefund are
// the escrow-side targets of internal/webhookingest's dispatch. None of
// them perform caller authorization: the webhook's HMAC signature is the
// trust boundary, not an Actor.

// ConfirmTransfer handles a transfer.success webhook: it locates the
// escrow or milestone by transferRef, records the confirmation, and
// notifies the seller.
func (s *Service) ConfirmTransfer(ctx context.Context, transferRef string) error {
	if m, err := s.store.GetMilestoneByTransferRef(ctx, transferRef); err == nil {
		return s.confirmMilestoneTransfer(ctx, m)
	}
	e, err := s.store.GetByTransferRef(ctx, transferRef)
	if err != nil {
		return err
	}
	return s.confirmEscrowTransfer(ctx, e)
}

func (s *Service) confirmEscrowTransfer(ctx context.Context, e *Escrow) error {
	now := nowFunc()
	var result *Escrow
	err := s.store.WithLock(ctx, e.ID, func(tx *sql.Tx, cur *Escrow) error {
		if cur.Status != StatusReleased || cur.TransferConfirmedAt != nil {
			return nil
		}
		cur.TransferConfirmedAt = &now
		cur.UpdatedAt = now
		result = cur
		return s.appendEvent(ctx, tx, cur.ID, nil, "transfer_confirmed", "transfer confirmed by provider")
	})
	if err != nil {
		return err
	}
	if result != nil {
		s.notifier.Create(ctx, result.SellerID, "payout.confirmed", "Payout confirmed",
			fmt.Sprintf("Your payout for %q has been confirmed.", result.Title), &result.ID, nil)
	}
	return nil
}

func (s *Service) confirmMilestoneTransfer(ctx context.Context, m *MilestonePayment) error {
	var e *Escrow
	var title string
	err := s.store.WithMilestoneLock(ctx, m.EscrowID, m.ID, func(tx *sql.Tx, curE *Escrow, curM *MilestonePayment, _ []*MilestonePayment) error {
		if curM.Status != MilestoneReleased {
			return nil
		}
		e = curE
		title = curM.Title
		return s.appendEvent(ctx, tx, curE.ID, &curM.ID, "milestone_transfer_confirmed", "milestone transfer confirmed by provider")
	})
	if err != nil {
		return err
	}
	if e != nil {
		s.notifier.Create(ctx, e.SellerID, "payout.confirmed", "Payout confirmed",
			fmt.Sprintf("Your payout for milestone %q has been confirmed.", title), &e.ID, nil)
	}
	return nil
}

// FailTransfer handles transfer.failed / transfer.reversed webhooks: it
// reverts the escrow RELEASED → FUNDED, or the milestone RELEASED →
// DELIVERED (and its parent escrow RELEASED → FUNDED alongside it), and
// notifies the seller and platform admins.
func (s *Service) FailTransfer(ctx context.Context, transferRef, reason string) error {
	if m, err := s.store.GetMilestoneByTransferRef(ctx, transferRef); err == nil {
		return s.failMilestoneTransfer(ctx, m, reason)
	}
	e, err := s.store.GetByTransferRef(ctx, transferRef)
	if err != nil {
		return err
	}
	s.revertReleaseOnTransferFailure(ctx, e.ID, errors.New(reason))
	return nil
}

func (s *Service) failMilestoneTransfer(ctx context.Context, m *MilestonePayment, reason string) error {
	now := nowFunc()
	var e *Escrow
	err := s.store.WithMilestoneLock(ctx, m.EscrowID, m.ID, func(tx *sql.Tx, curE *Escrow, curM *MilestonePayment, _ []*MilestonePayment) error {
		if curM.Status != MilestoneReleased {
			return nil
		}
		curM.Status = MilestoneDelivered
		curM.RejectionReason = reason
		if curE.Status == StatusReleased {
			curE.Status = StatusFunded
			curE.TransferFailedAt = &now
			curE.UpdatedAt = now
		}
		e = curE
		return s.appendEvent(ctx, tx, curE.ID, &curM.ID, "milestone_transfer_failed", reason)
	})
	if err != nil {
		return err
	}
	if e != nil {
		s.notifier.Create(ctx, e.SellerID, "payout.failed", "Payout failed",
			"Your milestone payout could not be completed and will be retried.", &e.ID, nil)
		for _, adminID := range s.adminIDs(ctx) {
			s.notifier.Create(ctx, adminID, "payout.failed", "Payout failed",
				fmt.Sprintf("Milestone transfer for escrow %s failed.", e.ID), &e.ID, nil)
		}
	}
	return nil
}

// ConfirmRefund handles a refund.processed webhook.
func (s *Service) ConfirmRefund(ctx context.Context, paymentRef string) error {
	e, err := s.store.GetByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}
	now := nowFunc()
	var result *Escrow
	err = s.store.WithLock(ctx, e.ID, func(tx *sql.Tx, cur *Escrow) error {
		if cur.Status != StatusRefunded || cur.RefundConfirmedAt != nil {
			return nil
		}
		cur.RefundConfirmedAt = &now
		cur.UpdatedAt = now
		result = cur
		return s.appendEvent(ctx, tx, cur.ID, nil, "refund_confirmed", "refund confirmed by provider")
	})
	if err != nil {
		return err
	}
	if result != nil {
		s.notifier.Create(ctx, result.BuyerID, "escrow.refunded", "Refund confirmed",
			fmt.Sprintf("Your refund for %q has been confirmed.", result.Title), &result.ID, nil)
	}
	return nil
}
