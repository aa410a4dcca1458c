package payout

import (
	"context"
	"sync"

	"github.com/creatorpay/escrow-engine/internal/ierr"
)

// MemoryStore is an in-memory Store for unit tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts []*Account
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts = append(s.accounts, &cp)
	return nil
}

func (s *MemoryStore) GetActive(_ context.Context, userID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.UserID == userID && a.IsActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ierr.NotFoundf("no active payout account for user %s", userID)
}

func (s *MemoryStore) Deactivate(_ context.Context, userID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.UserID == userID && a.IsActive {
			a.IsActive = false
			cp := *a
			return &cp, nil
		}
	}
	return nil, ierr.NotFoundf("no active payout account for user %s", userID)
}
