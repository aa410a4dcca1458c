package audit

import (
	"context"
	"database/sql"
	"sync"

	"github.com/creatorpay/escrow-engine/internal/idgen"
)

// MemoryLogger is an in-memory Logger for unit tests. Append ignores the
// *sql.Tx argument (there is no real transaction backing it) but is still
// called at the same point in the control flow as PostgresLogger so tests
// exercise the same call sequence as production.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLogger constructs an in-memory audit Logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Append(_ context.Context, _ *sql.Tx, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	l.events = append(l.events, ev)
	return nil
}

func (l *MemoryLogger) ListByEscrow(_ context.Context, escrowID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, ev := range l.events {
		if ev.EscrowID == escrowID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CountByType returns how many events of a given type exist for an escrow;
// used by tests asserting idempotency.
func (l *MemoryLogger) CountByType(escrowID, eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ev := range l.events {
		if ev.EscrowID == escrowID && ev.EventType == eventType {
			n++
		}
	}
	return n
}
