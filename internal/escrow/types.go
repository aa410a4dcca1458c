// Package escrow implements the engine's core state machine: creation
// from external sources, funding, start/delivery, release, dispute
// resolution, refund, cancellation, milestone settlement, queries, and
// stats.
package escrow

import "time"

// Status is the escrow lifecycle state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusFunded      Status = "FUNDED"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusDelivered   Status = "DELIVERED"
	StatusReleased    Status = "RELEASED"
	StatusDisputed    Status = "DISPUTED"
	StatusRefunded    Status = "REFUNDED"
	StatusCancelled   Status = "CANCELLED"
)

// IsTerminal reports whether status is one the escrow can never leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// SourceKind identifies which external collaborator produced an escrow.
type SourceKind string

const (
	SourceJobProposal    SourceKind = "job_proposal"
	SourceCampaign       SourceKind = "campaign"
	SourceServiceRequest SourceKind = "service_request"
)

// DisputeResolution is the outcome an admin chooses when resolving a
// dispute.
type DisputeResolution string

const (
	ResolutionReleaseToSeller DisputeResolution = "RELEASE_TO_SELLER"
	ResolutionRefundBuyer     DisputeResolution = "REFUND_BUYER"
	ResolutionPartialSplit    DisputeResolution = "PARTIAL_SPLIT"
)

// PayoutMethod mirrors provider.PayoutMethod for the snapshot fields
// captured on an escrow at release time.
type PayoutMethod string

const (
	PayoutMobileMoney PayoutMethod = "MOBILE_MONEY"
	PayoutBank        PayoutMethod = "BANK"
)

// Escrow is a single hold of funds for a unit of work.
type Escrow struct {
	ID       string
	BuyerID  string
	SellerID string

	Source            SourceKind
	JobProposalID     *string
	JobID             *string // parent job, only set alongside JobProposalID
	CampaignID        *string
	ServiceRequestID  *string

	Title    string
	Currency string

	TotalAmount  int64
	FeeAmount    int64
	SellerAmount int64

	Status Status

	InspectionPeriodDays int

	PaymentRef        string
	PaymentAccessCode string
	TransferRef       string

	SellerRecipientCode string
	SellerPayoutMethod  PayoutMethod

	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaymentConfirmedAt  *time.Time
	DeliveryConfirmedAt *time.Time
	AutoReleaseAt       *time.Time
	FundsReleasedAt     *time.Time
	TransferConfirmedAt *time.Time
	TransferFailedAt    *time.Time
	RefundConfirmedAt   *time.Time
	CancelledAt         *time.Time
	DisputeResolvedAt   *time.Time

	DisputeReason     string
	DisputeRaisedBy   string
	DisputeResolution DisputeResolution
	SplitPercent      int

	CancelledBy         string
	CancellationReason  string

	DeliveryNote string
	Terms        string
	Metadata     map[string]any
}

// MilestoneStatus is the independent per-milestone FSM state.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "PENDING"
	MilestoneInProgress MilestoneStatus = "IN_PROGRESS"
	MilestoneDelivered  MilestoneStatus = "DELIVERED"
	MilestoneReleased   MilestoneStatus = "RELEASED"
	MilestoneDisputed   MilestoneStatus = "DISPUTED"
	MilestoneRefunded   MilestoneStatus = "REFUNDED"
)

// MilestonePayment is a sub-ledger entry for one milestone of a campaign
// escrow.
type MilestonePayment struct {
	ID                string
	EscrowID          string
	SourceMilestoneID int
	Title             string
	Amount            int64
	OrderIndex        int
	Status            MilestoneStatus

	DueDate        *time.Time
	DeliveredAt    *time.Time
	ReleasedAt     *time.Time
	DeliveryNote   string
	RejectionReason string
	TransferRef    string
}

// AuthRole is the caller's claimed relationship to an escrow, checked by
// the service against the persisted buyer/seller/admin facts.
type AuthRole string

const (
	RoleBuyer  AuthRole = "buyer"
	RoleSeller AuthRole = "seller"
	RoleAdmin  AuthRole = "admin"
)

// Actor identifies the caller of a lifecycle operation.
type Actor struct {
	UserID  string
	IsAdmin bool
}
