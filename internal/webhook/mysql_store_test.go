package webhook

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"FeatureScope/internal/storage/mysql/mysqltest"
)

var webhookCols = []string{"webhook_id", "owner_id", "url", "events", "secret", "status", "created_at"}
var deliveryCols = []string{"delivery_id", "webhook_id", "event", "request_id", "payload", "state", "attempts", "last_status_code", "last_error", "created_at", "updated_at"}

func TestMySQLStoreCreateWebhook(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(`INSERT INTO webhook_subscriptions (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`, mysqltest.Result{Affected: 1}),
	)
	store := NewMySQLStore(db)
	w := &Webhook{ID: "w1", OwnerID: "u1", URL: "https://example.com", Events: []Event{EventAll}, Secret: "s", Status: StatusActive, CreatedAt: time.UnixMilli(1700000000000)}
	if err := store.CreateWebhook(context.Background(), w); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	args := drv.Args(0)
	if string(args[3].([]byte)) != `["*"]` || args[6] != int64(1700000000000) {
		t.Fatalf("unexpected args %v", args)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreGetWebhookNotFound(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Query(`SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE webhook_id = ?`, mysqltest.Rows{Columns: webhookCols}),
	)
	store := NewMySQLStore(db)
	if _, err := store.GetWebhook(context.Background(), "missing"); err != ErrWebhookNotFound {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreListDeliveries(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Query(`SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE webhook_id = ?`, mysqltest.Rows{
			Columns: webhookCols,
			Values:  [][]driver.Value{{"w1", "u1", "https://example.com", []byte(`["analysis.failed"]`), "s", "active", int64(1700000000000)}},
		}),
		mysqltest.Query(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at ASC`, mysqltest.Rows{
			Columns: deliveryCols,
			Values: [][]driver.Value{
				{"d1", "w1", "analysis.failed", "r1", []byte(`{}`), "failed", int64(4), int64(500), "status 500", int64(1700000000000), int64(1700000007000)},
			},
		}),
	)
	store := NewMySQLStore(db)
	list, err := store.ListDeliveries(context.Background(), "w1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one delivery, got %d", len(list))
	}
	d := list[0]
	if d.State != StateFailed || d.Attempts != 4 || d.LastStatusCode != 500 || d.LastError != "status 500" {
		t.Fatalf("unexpected delivery %+v", d)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreUpdateDeliveryMissing(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(`UPDATE webhook_deliveries SET state = ?, attempts = ?, last_status_code = ?, last_error = ?, updated_at = ? WHERE delivery_id = ?`, mysqltest.Result{Affected: 0}),
	)
	store := NewMySQLStore(db)
	err := store.UpdateDelivery(context.Background(), &Delivery{ID: "nope", State: StateDelivered, UpdatedAt: time.Now()})
	if err != ErrDeliveryNotFound {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}
	drv.AssertConsumed(t)
}
