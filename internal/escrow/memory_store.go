package escrow

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/syncutil"
)

// MemoryStore is an in-memory Store for unit tests. A ShardedMutex keyed
// by escrow id stands in for the Postgres store's row lock, so tests
// exercise per-escrow lock contention without a database.
type MemoryStore struct {
	locks syncutil.ShardedMutex

	mu         sync.RWMutex
	escrows    map[string]*Escrow
	milestones map[string][]*MilestonePayment // escrowID -> ordered milestones
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		milestones: make(map[string][]*MilestonePayment),
	}
}

func (s *MemoryStore) Create(_ context.Context, e *Escrow, after func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.escrows[e.ID]; exists {
		return ierr.Integrityf("escrow %s already exists", e.ID)
	}
	if after != nil {
		if err := after(nil); err != nil {
			return err
		}
	}
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ierr.NotFoundf("escrow %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetByPaymentRef(_ context.Context, ref string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.escrows {
		if e.PaymentRef == ref {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ierr.NotFoundf("escrow with payment ref %s not found", ref)
}

func (s *MemoryStore) GetByTransferRef(_ context.Context, ref string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.escrows {
		if e.TransferRef == ref {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ierr.NotFoundf("escrow with transfer ref %s not found", ref)
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.BuyerID != "" && e.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && e.SellerID != f.SellerID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Page, f.Limit), nil
}

func paginate(all []*Escrow, page, limit int) []*Escrow {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return []*Escrow{}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func (s *MemoryStore) ListDeliveredPastDeadline(_ context.Context) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	now := nowFunc()
	for _, e := range s.escrows {
		if e.Status == StatusDelivered && e.AutoReleaseAt != nil && !e.AutoReleaseAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDeliveredWithinWarningWindow(_ context.Context) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	now := nowFunc()
	warnBy := now.Add(warningWindow)
	for _, e := range s.escrows {
		if e.Status == StatusDelivered && e.AutoReleaseAt != nil &&
			e.AutoReleaseAt.After(now) && !e.AutoReleaseAt.After(warnBy) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, f ListFilter) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByStatus: make(map[Status]int)}
	for _, e := range s.escrows {
		if f.BuyerID != "" && e.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && e.SellerID != f.SellerID {
			continue
		}
		st.TotalEscrows++
		st.ByStatus[e.Status]++
		st.TotalVolume += e.TotalAmount
		st.TotalFeesEarned += e.FeeAmount
	}
	if st.TotalEscrows > 0 {
		st.AverageAmount = st.TotalVolume / int64(st.TotalEscrows)
	}
	return st, nil
}

func (s *MemoryStore) WithLock(ctx context.Context, id string, fn func(tx *sql.Tx, e *Escrow) error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.RLock()
	existing, ok := s.escrows[id]
	s.mu.RUnlock()
	if !ok {
		return ierr.NotFoundf("escrow %s not found", id)
	}

	cp := *existing
	if err := fn(nil, &cp); err != nil {
		return err
	}

	s.mu.Lock()
	s.escrows[id] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateMilestones(_ context.Context, escrowID string, milestones []*MilestonePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.milestones[escrowID]; len(existing) > 0 {
		return ierr.Integrityf("milestones already locked for escrow %s", escrowID)
	}

	cp := make([]*MilestonePayment, len(milestones))
	for i, m := range milestones {
		mm := *m
		cp[i] = &mm
	}
	s.milestones[escrowID] = cp
	return nil
}

func (s *MemoryStore) ListMilestones(_ context.Context, escrowID string) ([]*MilestonePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.milestones[escrowID]
	out := make([]*MilestonePayment, len(src))
	for i, m := range src {
		mm := *m
		out[i] = &mm
	}
	return out, nil
}

func (s *MemoryStore) GetMilestone(_ context.Context, escrowID, milestoneID string) (*MilestonePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.milestones[escrowID] {
		if m.ID == milestoneID {
			mm := *m
			return &mm, nil
		}
	}
	return nil, ierr.NotFoundf("milestone %s not found", milestoneID)
}

func (s *MemoryStore) GetMilestoneByTransferRef(_ context.Context, ref string) (*MilestonePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ms := range s.milestones {
		for _, m := range ms {
			if m.TransferRef == ref {
				mm := *m
				return &mm, nil
			}
		}
	}
	return nil, ierr.NotFoundf("milestone with transfer ref %s not found", ref)
}

func (s *MemoryStore) WithMilestoneLock(ctx context.Context, escrowID, milestoneID string, fn func(tx *sql.Tx, e *Escrow, m *MilestonePayment, all []*MilestonePayment) error) error {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	s.mu.RLock()
	existingEscrow, ok := s.escrows[escrowID]
	ms := s.milestones[escrowID]
	s.mu.RUnlock()
	if !ok {
		return ierr.NotFoundf("escrow %s not found", escrowID)
	}

	eCopy := *existingEscrow
	msCopy := make([]*MilestonePayment, len(ms))
	var target *MilestonePayment
	for i, m := range ms {
		mm := *m
		msCopy[i] = &mm
		if mm.ID == milestoneID {
			target = msCopy[i]
		}
	}
	if target == nil {
		return ierr.NotFoundf("milestone %s not found", milestoneID)
	}

	if err := fn(nil, &eCopy, target, msCopy); err != nil {
		return err
	}

	s.mu.Lock()
	s.escrows[escrowID] = &eCopy
	s.milestones[escrowID] = msCopy
	s.mu.Unlock()
	return nil
}
