// Package webhookingest receives inbound payment-provider webhooks,
// verifies their HMAC-SHA512 signature over the raw request body,
// de-duplicates by a unique (provider, eventType, reference) key, and
// dispatches each event into the escrow engine asynchronously after
// acknowledging the delivery.
package webhookingest

import (
	"context"
	"time"
)

// WebhookLog is a durable record of one inbound webhook delivery,
// keyed by (Provider, EventType, Reference) to make delivery idempotent.
type WebhookLog struct {
	ID        string
	Provider  string
	EventType string
	Reference string
	Payload   string
	Processed bool
	Error     string
	CreatedAt time.Time
}

// Store persists webhook delivery logs. Insert must surface a duplicate
// (provider, eventType, reference) as an ierr.IntegrityError so the
// handler can ack 200 without reprocessing.
type Store interface {
	Insert(ctx context.Context, log *WebhookLog) error
	MarkProcessed(ctx context.Context, id string, processingErr error) error
}
