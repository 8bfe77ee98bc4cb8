package orders_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentoven/supportdesk/internal/orders"
	"github.com/agentoven/supportdesk/internal/store"
)

func TestLoad_EmbeddedCatalog(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c, err := orders.Load("", now)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctx := context.Background()

	o, err := c.GetOrder(ctx, "ORD-1001", "demo-user")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if o.PaidAmount != 8900 || o.DeliveredAt == nil {
		t.Fatalf("GetOrder() = %+v", o)
	}
	if got := now.Sub(*o.DeliveredAt); got != 5*24*time.Hour {
		t.Errorf("delivered %v ago, want 120h", got)
	}
	if !o.Delivered() {
		t.Error("Delivered() = false")
	}

	if _, err := c.GetOrder(ctx, "ORD-1001", "other-user"); !store.IsNotFound(err) {
		t.Errorf("GetOrder(other user) error = %v, want ErrNotFound", err)
	}

	lg, err := c.GetLogistics(ctx, "ord-1004", "demo-user")
	if err != nil {
		t.Fatalf("GetLogistics() error = %v", err)
	}
	if lg.OrderID != "ORD-1004" || len(lg.Events) != 2 {
		t.Errorf("GetLogistics() = %+v", lg)
	}
	if _, err := c.GetLogistics(ctx, "ORD-1003", "demo-user"); !store.IsNotFound(err) {
		t.Errorf("GetLogistics(no tracking) error = %v, want ErrNotFound", err)
	}
}

func TestSearchOrders(t *testing.T) {
	c, err := orders.Load("", time.Now())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctx := context.Background()

	all, _ := c.SearchOrders(ctx, "demo-user", "")
	if len(all) != 4 {
		t.Errorf("SearchOrders(all) = %d, want 4", len(all))
	}
	if all[0].ID != "ORD-1004" {
		t.Errorf("newest order = %s, want ORD-1004", all[0].ID)
	}
	hp, _ := c.SearchOrders(ctx, "demo-user", "headphones")
	if len(hp) != 1 || hp[0].ID != "ORD-1002" {
		t.Errorf("SearchOrders(headphones) = %+v", hp)
	}
	none, _ := c.SearchOrders(ctx, "demo-user", "lamp")
	if len(none) != 0 {
		t.Errorf("SearchOrders(lamp) leaked another user's order: %+v", none)
	}
}
