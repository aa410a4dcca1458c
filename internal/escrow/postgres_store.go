package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/creatorpay/escrow-engine/internal/ierr"
)

// PostgresStore is the production Store. Every lifecycle mutation goes
// through WithLock/WithMilestoneLock, which hold a SELECT ... FOR UPDATE
// row lock on the escrow for the duration of the transition.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `
	id, buyer_id, seller_id, source, job_proposal_id, job_id, campaign_id, service_request_id,
	title, currency, total_amount, fee_amount, seller_amount, status, inspection_period_days,
	payment_ref, payment_access_code, transfer_ref, seller_recipient_code, seller_payout_method,
	created_at, updated_at, payment_confirmed_at, delivery_confirmed_at, auto_release_at,
	funds_released_at, transfer_confirmed_at, transfer_failed_at, refund_confirmed_at,
	cancelled_at, dispute_resolved_at, dispute_reason, dispute_raised_by, dispute_resolution,
	split_percent, cancelled_by, cancellation_reason, delivery_note, terms, metadata
`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	var e Escrow
	var (
		jobProposalID, jobID, campaignID, serviceRequestID sql.NullString
		paymentAccessCode, transferRef                     sql.NullString
		sellerRecipientCode, sellerPayoutMethod            sql.NullString
		paymentConfirmedAt, deliveryConfirmedAt            sql.NullTime
		autoReleaseAt, fundsReleasedAt                     sql.NullTime
		transferConfirmedAt, transferFailedAt              sql.NullTime
		refundConfirmedAt, cancelledAt, disputeResolvedAt  sql.NullTime
		disputeReason, disputeRaisedBy, disputeResolution  sql.NullString
		splitPercent                                       sql.NullInt64
		cancelledBy, cancellationReason                     sql.NullString
		deliveryNote, terms                                sql.NullString
		metadata                                           []byte
	)

	err := row.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &e.Source, &jobProposalID, &jobID, &campaignID, &serviceRequestID,
		&e.Title, &e.Currency, &e.TotalAmount, &e.FeeAmount, &e.SellerAmount, &e.Status, &e.InspectionPeriodDays,
		&e.PaymentRef, &paymentAccessCode, &transferRef, &sellerRecipientCode, &sellerPayoutMethod,
		&e.CreatedAt, &e.UpdatedAt, &paymentConfirmedAt, &deliveryConfirmedAt, &autoReleaseAt,
		&fundsReleasedAt, &transferConfirmedAt, &transferFailedAt, &refundConfirmedAt,
		&cancelledAt, &disputeResolvedAt, &disputeReason, &disputeRaisedBy, &disputeResolution,
		&splitPercent, &cancelledBy, &cancellationReason, &deliveryNote, &terms, &metadata,
	)
	if err != nil {
		return nil, err
	}

	e.JobProposalID = nullableString(jobProposalID)
	e.JobID = nullableString(jobID)
	e.CampaignID = nullableString(campaignID)
	e.ServiceRequestID = nullableString(serviceRequestID)
	e.PaymentAccessCode = paymentAccessCode.String
	e.TransferRef = transferRef.String
	e.SellerRecipientCode = sellerRecipientCode.String
	e.SellerPayoutMethod = PayoutMethod(sellerPayoutMethod.String)
	e.PaymentConfirmedAt = nullableTime(paymentConfirmedAt)
	e.DeliveryConfirmedAt = nullableTime(deliveryConfirmedAt)
	e.AutoReleaseAt = nullableTime(autoReleaseAt)
	e.FundsReleasedAt = nullableTime(fundsReleasedAt)
	e.TransferConfirmedAt = nullableTime(transferConfirmedAt)
	e.TransferFailedAt = nullableTime(transferFailedAt)
	e.RefundConfirmedAt = nullableTime(refundConfirmedAt)
	e.CancelledAt = nullableTime(cancelledAt)
	e.DisputeResolvedAt = nullableTime(disputeResolvedAt)
	e.DisputeReason = disputeReason.String
	e.DisputeRaisedBy = disputeRaisedBy.String
	e.DisputeResolution = DisputeResolution(disputeResolution.String)
	e.SplitPercent = int(splitPercent.Int64)
	e.CancelledBy = cancelledBy.String
	e.CancellationReason = cancellationReason.String
	e.DeliveryNote = deliveryNote.String
	e.Terms = terms.String
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}

	return &e, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (s *PostgresStore) Create(ctx context.Context, e *Escrow, after func(tx *sql.Tx) error) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO escrows (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
		        now(), now(), $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38)
	`, escrowColumns),
		e.ID, e.BuyerID, e.SellerID, e.Source,
		nullableStringPtr(e.JobProposalID), nullableStringPtr(e.JobID),
		nullableStringPtr(e.CampaignID), nullableStringPtr(e.ServiceRequestID),
		e.Title, e.Currency, e.TotalAmount, e.FeeAmount, e.SellerAmount, e.Status, e.InspectionPeriodDays,
		e.PaymentRef, nullIfEmptyStr(e.PaymentAccessCode), nullIfEmptyStr(e.TransferRef),
		nullIfEmptyStr(e.SellerRecipientCode), nullIfEmptyStr(string(e.SellerPayoutMethod)),
		e.PaymentConfirmedAt, e.DeliveryConfirmedAt, e.AutoReleaseAt, e.FundsReleasedAt,
		e.TransferConfirmedAt, e.TransferFailedAt, e.RefundConfirmedAt, e.CancelledAt, e.DisputeResolvedAt,
		nullIfEmptyStr(e.DisputeReason), nullIfEmptyStr(e.DisputeRaisedBy), nullIfEmptyStr(string(e.DisputeResolution)),
		nullIfZero(e.SplitPercent), nullIfEmptyStr(e.CancelledBy), nullIfEmptyStr(e.CancellationReason),
		nullIfEmptyStr(e.DeliveryNote), nullIfEmptyStr(e.Terms), meta,
	)
	if err != nil {
		return err
	}

	if after != nil {
		if err := after(tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func nullIfEmptyStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM escrows WHERE id = $1`, escrowColumns), id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ierr.NotFoundf("escrow %s not found", id)
	}
	return e, err
}

func (s *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM escrows WHERE payment_ref = $1`, escrowColumns), ref)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ierr.NotFoundf("escrow with payment ref %s not found", ref)
	}
	return e, err
}

func (s *PostgresStore) GetByTransferRef(ctx context.Context, ref string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM escrows WHERE transfer_ref = $1`, escrowColumns), ref)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ierr.NotFoundf("escrow with transfer ref %s not found", ref)
	}
	return e, err
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Escrow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(`SELECT %s FROM escrows WHERE 1=1`, escrowColumns)
	var args []any
	n := 1
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
		n++
	}
	if f.BuyerID != "" {
		query += fmt.Sprintf(" AND buyer_id = $%d", n)
		args = append(args, f.BuyerID)
		n++
	}
	if f.SellerID != "" {
		query += fmt.Sprintf(" AND seller_id = $%d", n)
		args = append(args, f.SellerID)
		n++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDeliveredPastDeadline(ctx context.Context) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM escrows WHERE status = $1 AND auto_release_at <= now()`, escrowColumns), StatusDelivered)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListDeliveredWithinWarningWindow(ctx context.Context) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM escrows WHERE status = $1 AND auto_release_at > now() AND auto_release_at <= now() + interval '24 hours'`,
		escrowColumns), StatusDelivered)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (s *PostgresStore) Stats(ctx context.Context, f ListFilter) (Stats, error) {
	st := Stats{ByStatus: make(map[Status]int)}

	query := `SELECT status, count(*), coalesce(sum(total_amount),0), coalesce(sum(fee_amount),0) FROM escrows WHERE 1=1`
	var args []any
	n := 1
	if f.BuyerID != "" {
		query += fmt.Sprintf(" AND buyer_id = $%d", n)
		args = append(args, f.BuyerID)
		n++
	}
	if f.SellerID != "" {
		query += fmt.Sprintf(" AND seller_id = $%d", n)
		args = append(args, f.SellerID)
		n++
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return st, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status Status
		var count int
		var volume, fees int64
		if err := rows.Scan(&status, &count, &volume, &fees); err != nil {
			return st, err
		}
		st.ByStatus[status] = count
		st.TotalEscrows += count
		st.TotalVolume += volume
		st.TotalFeesEarned += fees
	}
	if st.TotalEscrows > 0 {
		st.AverageAmount = st.TotalVolume / int64(st.TotalEscrows)
	}
	return st, rows.Err()
}

// WithLock begins a transaction, acquires SELECT ... FOR UPDATE on the
// escrow row, invokes fn with the re-read state, and persists the result
// via an UPDATE within the same transaction before committing.
func (s *PostgresStore) WithLock(ctx context.Context, id string, fn func(tx *sql.Tx, e *Escrow) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM escrows WHERE id = $1 FOR UPDATE`, escrowColumns), id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return ierr.NotFoundf("escrow %s not found", id)
	}
	if err != nil {
		return err
	}

	if err := fn(tx, e); err != nil {
		return err
	}

	if err := updateEscrowTx(ctx, tx, e); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func updateEscrowTx(ctx context.Context, tx *sql.Tx, e *Escrow) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE escrows SET
			status=$2, payment_ref=$3, payment_access_code=$4, transfer_ref=$5,
			seller_recipient_code=$6, seller_payout_method=$7, updated_at=now(),
			payment_confirmed_at=$8, delivery_confirmed_at=$9, auto_release_at=$10,
			funds_released_at=$11, transfer_confirmed_at=$12, transfer_failed_at=$13,
			refund_confirmed_at=$14, cancelled_at=$15, dispute_resolved_at=$16,
			dispute_reason=$17, dispute_raised_by=$18, dispute_resolution=$19, split_percent=$20,
			cancelled_by=$21, cancellation_reason=$22, delivery_note=$23, metadata=$24
		WHERE id=$1
	`, e.ID, e.Status, e.PaymentRef, nullIfEmptyStr(e.PaymentAccessCode), nullIfEmptyStr(e.TransferRef),
		nullIfEmptyStr(e.SellerRecipientCode), nullIfEmptyStr(string(e.SellerPayoutMethod)),
		e.PaymentConfirmedAt, e.DeliveryConfirmedAt, e.AutoReleaseAt, e.FundsReleasedAt,
		e.TransferConfirmedAt, e.TransferFailedAt, e.RefundConfirmedAt, e.CancelledAt, e.DisputeResolvedAt,
		nullIfEmptyStr(e.DisputeReason), nullIfEmptyStr(e.DisputeRaisedBy), nullIfEmptyStr(string(e.DisputeResolution)),
		nullIfZero(e.SplitPercent), nullIfEmptyStr(e.CancelledBy), nullIfEmptyStr(e.CancellationReason),
		nullIfEmptyStr(e.DeliveryNote), meta,
	)
	return err
}

const milestoneColumns = `
	id, escrow_id, source_milestone_id, title, amount, order_index, status,
	due_date, delivered_at, released_at, delivery_note, rejection_reason, transfer_ref
`

func scanMilestone(row scanner) (*MilestonePayment, error) {
	var m MilestonePayment
	var dueDate, deliveredAt, releasedAt sql.NullTime
	var deliveryNote, rejectionReason, transferRef sql.NullString

	err := row.Scan(&m.ID, &m.EscrowID, &m.SourceMilestoneID, &m.Title, &m.Amount, &m.OrderIndex, &m.Status,
		&dueDate, &deliveredAt, &releasedAt, &deliveryNote, &rejectionReason, &transferRef)
	if err != nil {
		return nil, err
	}
	m.DeliveryNote = deliveryNote.String
	m.RejectionReason = rejectionReason.String
	m.TransferRef = transferRef.String
	return &m, nil
}

func (s *PostgresStore) CreateMilestones(ctx context.Context, escrowID string, milestones []*MilestonePayment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM milestone_payments WHERE escrow_id = $1`, escrowID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return ierr.Integrityf("milestones already locked for escrow %s", escrowID)
	}

	for _, m := range milestones {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO milestone_payments (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, milestoneColumns),
			m.ID, m.EscrowID, m.SourceMilestoneID, m.Title, m.Amount, m.OrderIndex, m.Status,
			m.DueDate, m.DeliveredAt, m.ReleasedAt, nullIfEmptyStr(m.DeliveryNote),
			nullIfEmptyStr(m.RejectionReason), nullIfEmptyStr(m.TransferRef))
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) ListMilestones(ctx context.Context, escrowID string) ([]*MilestonePayment, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM milestone_payments WHERE escrow_id = $1 ORDER BY order_index ASC`, milestoneColumns), escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*MilestonePayment
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMilestone(ctx context.Context, escrowID, milestoneID string) (*MilestonePayment, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM milestone_payments WHERE escrow_id = $1 AND id = $2`, milestoneColumns), escrowID, milestoneID)
	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, ierr.NotFoundf("milestone %s not found", milestoneID)
	}
	return m, err
}

func (s *PostgresStore) GetMilestoneByTransferRef(ctx context.Context, ref string) (*MilestonePayment, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM milestone_payments WHERE transfer_ref = $1`, milestoneColumns), ref)
	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, ierr.NotFoundf("milestone with transfer ref %s not found", ref)
	}
	return m, err
}

// WithMilestoneLock locks the parent escrow row (milestones are
// serialized with their parent: releasing the last milestone mutates the
// parent's status in the same transaction) and the target milestone row,
// then persists both.
func (s *PostgresStore) WithMilestoneLock(ctx context.Context, escrowID, milestoneID string, fn func(tx *sql.Tx, e *Escrow, m *MilestonePayment, all []*MilestonePayment) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM escrows WHERE id = $1 FOR UPDATE`, escrowColumns), escrowID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return ierr.NotFoundf("escrow %s not found", escrowID)
	}
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM milestone_payments WHERE escrow_id = $1 ORDER BY order_index ASC FOR UPDATE`, milestoneColumns), escrowID)
	if err != nil {
		return err
	}
	var all []*MilestonePayment
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		all = append(all, m)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var target *MilestonePayment
	for _, m := range all {
		if m.ID == milestoneID {
			target = m
			break
		}
	}
	if target == nil {
		return ierr.NotFoundf("milestone %s not found", milestoneID)
	}

	if err := fn(tx, e, target, all); err != nil {
		return err
	}

	if err := updateEscrowTx(ctx, tx, e); err != nil {
		return err
	}
	for _, m := range all {
		if err := updateMilestoneTx(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func updateMilestoneTx(ctx context.Context, tx *sql.Tx, m *MilestonePayment) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE milestone_payments SET
			status=$2, delivered_at=$3, released_at=$4, delivery_note=$5, rejection_reason=$6, transfer_ref=$7
		WHERE id=$1
	`, m.ID, m.Status, m.DeliveredAt, m.ReleasedAt, nullIfEmptyStr(m.DeliveryNote),
		nullIfEmptyStr(m.RejectionReason), nullIfEmptyStr(m.TransferRef))
	return err
}
