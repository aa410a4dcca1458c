// Package audit writes the escrow engine's append-only EscrowEvent log.
// Every write happens inside the same sql.Tx as the state transition that
// produced it: the engine must never commit a state change without its
// event, and never write an event that contradicts persisted status.
package audit

import (
	"context"
	"database/sql"
	"time"
)

type contextKey string

const (
	actorKey     contextKey = "audit_actor"
	ipKey        contextKey = "audit_ip"
	requestIDKey contextKey = "audit_request_id"
)

// WithActor attaches the acting user id to ctx. Pass an empty string for
// system-initiated events (auto-release, webhook ingestion) so event rows
// record a null actor.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// Actor reads the acting user id from ctx, or "" if none was set.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}

// WithIP attaches the request's source IP to ctx.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey, ip)
}

// IP reads the request's source IP from ctx, or "" if none was set.
func IP(ctx context.Context) string {
	v, _ := ctx.Value(ipKey).(string)
	return v
}

// WithRequestID attaches a request id to ctx, propagated into event metadata.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID reads the request id from ctx, or "" if none was set.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// Event is one append-only audit-log row.
type Event struct {
	ID                 string
	EscrowID           string
	MilestonePaymentID *string
	ActorID            *string
	EventType          string
	Description        string
	Metadata           map[string]any
	IPAddress          string
	CreatedAt          time.Time
}

// Logger appends EscrowEvent rows. Append must be called within the same
// transaction as the state mutation it records so the two can never
// diverge.
type Logger interface {
	Append(ctx context.Context, tx *sql.Tx, ev Event) error
	ListByEscrow(ctx context.Context, escrowID string) ([]Event, error)
}

// ActorFromContext builds the nullable ActorID field for an Event from
// context; system-originated events (scheduler, webhook) carry a null
// actor.
func ActorFromContext(ctx context.Context) *string {
	a := Actor(ctx)
	if a == "" {
		return nil
	}
	return &a
}
