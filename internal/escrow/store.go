package escrow

import (
	"context"
	"database/sql"
)

// ListFilter narrows GET /escrow and GET /admin/escrow queries.
type ListFilter struct {
	Status   Status
	BuyerID  string
	SellerID string
	Page     int
	Limit    int
}

// Stats is the aggregate shape backing GET /escrow/stats.
type Stats struct {
	TotalEscrows     int
	ByStatus         map[Status]int
	TotalVolume      int64
	TotalFeesEarned  int64
	AverageAmount    int64
}

// Store abstracts persistence for escrows and their milestones. It is
// implemented for Postgres (internal/escrow/postgres_store.go) and in
// memory for unit tests (internal/escrow/memory_store.go).
//
// WithLock is the engine's unit-of-work boundary: it acquires the
// equivalent of `SELECT ... FOR UPDATE` on the escrow row (a real
// Postgres row lock, or the in-memory store's sharded mutex), re-reads
// current state, invokes fn, and persists fn's mutations atomically.
// fn receives a *sql.Tx so Postgres callers can run further statements
// (audit inserts, milestone updates) in the same transaction; the
// in-memory store passes nil, since there is nothing to run it against.
// If fn returns an error, all mutations are discarded.
type Store interface {
	// Create inserts e and then invokes after in the same transaction
	// (nil tx for the in-memory store), so the service can append the
	// "created" audit event atomically with the insert. If after returns
	// an error the insert is rolled back.
	Create(ctx context.Context, e *Escrow, after func(tx *sql.Tx) error) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByPaymentRef(ctx context.Context, paymentRef string) (*Escrow, error)
	GetByTransferRef(ctx context.Context, transferRef string) (*Escrow, error)
	List(ctx context.Context, f ListFilter) ([]*Escrow, error)
	ListDeliveredPastDeadline(ctx context.Context) ([]*Escrow, error)
	ListDeliveredWithinWarningWindow(ctx context.Context) ([]*Escrow, error)
	Stats(ctx context.Context, f ListFilter) (Stats, error)

	// WithLock runs fn with the current escrow state loaded under a
	// per-row lock; fn mutates the passed Escrow in place and the store
	// persists the result if fn returns nil.
	WithLock(ctx context.Context, id string, fn func(tx *sql.Tx, e *Escrow) error) error

	CreateMilestones(ctx context.Context, escrowID string, milestones []*MilestonePayment) error
	ListMilestones(ctx context.Context, escrowID string) ([]*MilestonePayment, error)
	GetMilestone(ctx context.Context, escrowID, milestoneID string) (*MilestonePayment, error)
	GetMilestoneByTransferRef(ctx context.Context, transferRef string) (*MilestonePayment, error)

	// WithMilestoneLock locks both the parent escrow row and the
	// milestone row (same lock key as WithLock — milestones are
	// serialized with their parent since releasing the last milestone
	// mutates the parent too).
	WithMilestoneLock(ctx context.Context, escrowID, milestoneID string, fn func(tx *sql.Tx, e *Escrow, m *MilestonePayment, all []*MilestonePayment) error) error
}
