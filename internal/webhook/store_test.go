package webhook

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := &Webhook{ID: "w1", URL: "https://example.com", Events: []Event{EventFailed}, Secret: "s", Status: StatusActive, CreatedAt: time.Now()}
	if err := store.CreateWebhook(ctx, w); err != nil {
		t.Fatal(err)
	}
	w.Events[0] = EventCompleted

	got, err := store.GetWebhook(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Events[0] != EventFailed {
		t.Fatalf("store shares caller slice: %v", got.Events)
	}

	if !got.Matches(EventFailed) || got.Matches(EventCompleted) {
		t.Fatalf("unexpected match result for %v", got.Events)
	}
}

func TestMemoryStoreDeliveries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.ListDeliveries(ctx, "missing"); err != ErrWebhookNotFound {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
	_ = store.CreateWebhook(ctx, &Webhook{ID: "w1", Status: StatusActive})
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"d2", "d1"} {
		_ = store.CreateDelivery(ctx, &Delivery{ID: id, WebhookID: "w1", State: StatePending, CreatedAt: base.Add(time.Duration(-i) * time.Second)})
	}
	list, err := store.ListDeliveries(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "d1" {
		t.Fatalf("unexpected order %+v", list)
	}
	if err := store.UpdateDelivery(ctx, &Delivery{ID: "ghost"}); err != ErrDeliveryNotFound {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}
}
