package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/creatorpay/escrow-engine/internal/metrics"
)

// Scheduler periodically auto-releases escrows past their inspection
// deadline and warns buyers approaching one.
type Scheduler struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a Scheduler polling every interval.
func NewScheduler(svc *Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{svc: svc, interval: interval, logger: logger}
}

// Run blocks, running one pass immediately and then on every tick, until
// ctx is cancelled.
func (sc *Scheduler) Run(ctx context.Context) {
	sc.runOnce(ctx)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.runOnce(ctx)
		}
	}
}

func (sc *Scheduler) runOnce(ctx context.Context) {
	sc.autoRelease(ctx)
	sc.warnApproaching(ctx)
}

// autoRelease releases every DELIVERED escrow whose auto-release deadline
// has passed. The buyer never explicitly acts; Service.AutoRelease
// authorizes on the buyer's behalf and records the transition under the
// `auto_released` event type with a null actor.
func (sc *Scheduler) autoRelease(ctx context.Context) {
	escrows, err := sc.svc.store.ListDeliveredPastDeadline(ctx)
	if err != nil {
		sc.logger.Error("scheduler: list delivered past deadline", "error", err)
		return
	}
	for _, e := range escrows {
		_, err := sc.svc.AutoRelease(ctx, e.ID)
		if err != nil {
			sc.logger.Error("scheduler: auto-release failed", "escrow_id", e.ID, "error", err)
			continue
		}
		metrics.AutoReleasesTotal.Inc()
		sc.logger.Info("scheduler: auto-released escrow", "escrow_id", e.ID)
	}
}

// warnApproaching notifies the buyer once per escrow when the deadline
// falls inside the warning window, deduping via notify.Sink so repeated
// ticks don't spam the buyer.
func (sc *Scheduler) warnApproaching(ctx context.Context) {
	escrows, err := sc.svc.store.ListDeliveredWithinWarningWindow(ctx)
	if err != nil {
		sc.logger.Error("scheduler: list delivered within warning window", "error", err)
		return
	}
	for _, e := range escrows {
		if sc.svc.notifier.WarningAlreadySent(ctx, e.ID) {
			continue
		}
		sc.svc.notifier.Create(ctx, e.BuyerID, "escrow.auto_release_warning", "Funds release approaching",
			"Your inspection period is ending soon. Review the delivery or it will be automatically released.",
			&e.ID, nil)
	}
}
