package webhookingest

import (
	"context"
	"sync"

	"github.com/creatorpay/escrow-engine/internal/ierr"
)

type dedupKey struct {
	provider  string
	eventType string
	reference string
}

// MemoryStore is an in-memory Store for unit tests.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string]*WebhookLog
	seen map[dedupKey]bool
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string]*WebhookLog),
		seen: make(map[dedupKey]bool),
	}
}

func (s *MemoryStore) Insert(_ context.Context, log *WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey{log.Provider, log.EventType, log.Reference}
	if s.seen[key] {
		return ierr.Integrityf("duplicate webhook delivery for %s/%s/%s", log.Provider, log.EventType, log.Reference)
	}
	s.seen[key] = true
	cp := *log
	s.logs[log.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id string, processingErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return ierr.NotFoundf("webhook log %s not found", id)
	}
	log.Processed = processingErr == nil
	if processingErr != nil {
		log.Error = processingErr.Error()
	}
	return nil
}
