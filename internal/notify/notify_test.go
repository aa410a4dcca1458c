package notify

import (
	"context"
	"log/slog"
	"testing"
)

func TestSink_Create_WritesANotification(t *testing.T) {
	store := NewMemoryStore()
	sink := New(store, slog.Default())
	escrowID := "esc_1"

	sink.Create(context.Background(), "buyer1", "escrow.delivered", "Delivered", "Your item was delivered", &escrowID, nil)

	items, err := store.ListByUser(context.Background(), "buyer1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(items))
	}
	if items[0].ID == "" {
		t.Fatal("expected Create to assign an ID")
	}
	if items[0].Type != "escrow.delivered" {
		t.Fatalf("expected type escrow.delivered, got %s", items[0].Type)
	}
}

func TestSink_NotifyBothParties_WritesTwoDistinctNotifications(t *testing.T) {
	store := NewMemoryStore()
	sink := New(store, slog.Default())
	escrowID := "esc_1"

	sink.NotifyBothParties(context.Background(), "buyer1", "seller1", "escrow.refunded", &escrowID,
		"Refunded", "You were refunded", "Refunded", "The buyer was refunded", nil)

	buyerItems, _ := store.ListByUser(context.Background(), "buyer1")
	sellerItems, _ := store.ListByUser(context.Background(), "seller1")
	if len(buyerItems) != 1 || len(sellerItems) != 1 {
		t.Fatalf("expected one notification per party, got buyer=%d seller=%d", len(buyerItems), len(sellerItems))
	}
	if buyerItems[0].Message == sellerItems[0].Message {
		t.Fatal("expected buyer and seller messages to be tailored independently")
	}
}

func TestSink_WarningAlreadySent(t *testing.T) {
	store := NewMemoryStore()
	sink := New(store, slog.Default())
	escrowID := "esc_1"

	if sink.WarningAlreadySent(context.Background(), escrowID) {
		t.Fatal("expected no warning to exist yet")
	}

	sink.Create(context.Background(), "buyer1", "escrow.auto_release_warning", "t", "m", &escrowID, nil)

	if !sink.WarningAlreadySent(context.Background(), escrowID) {
		t.Fatal("expected WarningAlreadySent to report true after a warning notification was written")
	}
}

func TestMemoryStore_CountByType(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	escrowID := "esc_1"

	store.Insert(ctx, Notification{ID: "n1", UserID: "buyer1", Type: "escrow.delivered", EscrowID: &escrowID})
	store.Insert(ctx, Notification{ID: "n2", UserID: "buyer1", Type: "escrow.delivered", EscrowID: &escrowID})
	store.Insert(ctx, Notification{ID: "n3", UserID: "buyer1", Type: "escrow.refunded", EscrowID: &escrowID})

	if n := store.CountByType("buyer1", "escrow.delivered"); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n := store.CountByType("buyer1", "escrow.refunded"); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n := store.CountByType("seller1", "escrow.delivered"); n != 0 {
		t.Fatalf("expected 0 for an unrelated user, got %d", n)
	}
}
