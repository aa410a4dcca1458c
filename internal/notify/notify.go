// Package notify implements the engine's best-effort notification sink.
// Create and NotifyBothParties never return an error the caller must
// handle: failures are logged and swallowed so a notification write can
// never roll back a state transition. Writes happen after the
// state-change transaction that produced them has committed.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/creatorpay/escrow-engine/internal/idgen"
)

// Notification is one stored, user-readable notification row.
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	EscrowID  *string
	Metadata  map[string]any
	IsRead    bool
	CreatedAt time.Time
}

// Store persists notifications. Implementations must be safe to call from
// multiple goroutines (the scheduler and HTTP handlers both write through
// the same Sink).
type Store interface {
	Insert(ctx context.Context, n Notification) error
	ListByUser(ctx context.Context, userID string) ([]Notification, error)
	ExistsByEscrowAndType(ctx context.Context, escrowID, notifType string) (bool, error)
}

// Sink is the engine's notification fanout point. Every lifecycle
// operation that needs to tell a buyer, seller, or admin something calls
// Create or NotifyBothParties after its state-change transaction commits.
type Sink struct {
	store  Store
	logger *slog.Logger
}

// New constructs a Sink backed by store.
func New(store Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger}
}

// Create writes one notification. Any error is logged, never returned —
// notification failures must never propagate into a lifecycle operation's
// result.
func (s *Sink) Create(ctx context.Context, userID, notifType, title, message string, escrowID *string, metadata map[string]any) {
	n := Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Type:      notifType,
		Title:     title,
		Message:   message,
		EscrowID:  escrowID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, n); err != nil {
		s.logger.Error("notification write failed",
			"user_id", userID, "type", notifType, "escrow_id", escrowID, "error", err)
	}
}

// NotifyBothParties fans out the same event as two independent
// notifications, one per party, each with its own title/message so the
// copy can be tailored to buyer vs seller.
func (s *Sink) NotifyBothParties(ctx context.Context, buyerID, sellerID, notifType string, escrowID *string, buyerTitle, buyerMessage, sellerTitle, sellerMessage string, metadata map[string]any) {
	s.Create(ctx, buyerID, notifType, buyerTitle, buyerMessage, escrowID, metadata)
	s.Create(ctx, sellerID, notifType, sellerTitle, sellerMessage, escrowID, metadata)
}

// WarningAlreadySent reports whether an auto_release_warning notification
// already exists for escrowID, so the scheduler can suppress duplicates
// within the warning window.
func (s *Sink) WarningAlreadySent(ctx context.Context, escrowID string) bool {
	exists, err := s.store.ExistsByEscrowAndType(ctx, escrowID, "escrow.auto_release_warning")
	if err != nil {
		s.logger.Error("notification dedup check failed", "escrow_id", escrowID, "error", err)
		return false
	}
	return exists
}
