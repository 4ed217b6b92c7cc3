package cache

import (
	"context"
	"testing"
	"time"

	"estoque/internal/domain"
)

func TestNoopSalesCacheNeverHits(t *testing.T) {
	var c SalesCache = NoopSalesCache{}
	ctx := context.Background()

	if err := c.Set(ctx, "sales", []domain.Sale{{ID: "venda-1"}}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	sales, found, err := c.Get(ctx, "sales")
	if err != nil || found || sales != nil {
		t.Fatalf("expected miss, got found=%t sales=%v err=%v", found, sales, err)
	}
	if err := c.Delete(ctx, "sales"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
