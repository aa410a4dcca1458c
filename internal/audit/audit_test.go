package audit

import (
	"context"
	"testing"
)

func TestActor_RoundTripsThroughContext(t *testing.T) {
	ctx := WithActor(context.Background(), "buyer1")
	if got := Actor(ctx); got != "buyer1" {
		t.Fatalf("expected buyer1, got %q", got)
	}
	if got := Actor(context.Background()); got != "" {
		t.Fatalf("expected empty actor on a bare context, got %q", got)
	}
}

func TestIP_RoundTripsThroughContext(t *testing.T) {
	ctx := WithIP(context.Background(), "203.0.113.7")
	if got := IP(ctx); got != "203.0.113.7" {
		t.Fatalf("expected 203.0.113.7, got %q", got)
	}
}

func TestRequestID_RoundTripsThroughContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
}

func TestActorFromContext_NilForSystemEvents(t *testing.T) {
	if p := ActorFromContext(context.Background()); p != nil {
		t.Fatalf("expected a nil actor pointer for a system-originated event, got %v", *p)
	}
	ctx := WithActor(context.Background(), "buyer1")
	p := ActorFromContext(ctx)
	if p == nil || *p != "buyer1" {
		t.Fatalf("expected a pointer to buyer1, got %v", p)
	}
}

func TestMemoryLogger_AppendAssignsIDAndListsByEscrow(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()

	if err := l.Append(ctx, nil, Event{EscrowID: "esc_1", EventType: "created"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(ctx, nil, Event{EscrowID: "esc_1", EventType: "funded"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(ctx, nil, Event{EscrowID: "esc_2", EventType: "created"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := l.ListByEscrow(ctx, "esc_1")
	if err != nil {
		t.Fatalf("ListByEscrow: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for esc_1, got %d", len(events))
	}
	for _, ev := range events {
		if ev.ID == "" {
			t.Fatal("expected Append to assign an ID when none is supplied")
		}
	}

	if n := l.CountByType("esc_1", "created"); n != 1 {
		t.Fatalf("expected 1 created event for esc_1, got %d", n)
	}
	if n := l.CountByType("esc_1", "refunded"); n != 0 {
		t.Fatalf("expected 0 refunded events for esc_1, got %d", n)
	}
}

func TestMemoryLogger_AppendPreservesSuppliedID(t *testing.T) {
	l := NewMemoryLogger()
	if err := l.Append(context.Background(), nil, Event{ID: "evt_fixed", EscrowID: "esc_1", EventType: "created"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	events, err := l.ListByEscrow(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("ListByEscrow: %v", err)
	}
	if len(events) != 1 || events[0].ID != "evt_fixed" {
		t.Fatalf("expected the supplied ID to be preserved, got %+v", events)
	}
}
