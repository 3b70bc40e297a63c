package cache

import (
	"context"
	"testing"
	"time"

	"kasirsync/internal/money"
)

func TestMemoryStockCacheExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	c := NewMemoryStockCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "loc-1", StockLevel{SKU: "A", Available: 4, Price: money.MustParse("2.50")}, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	level, ok, err := c.Get(ctx, "loc-1", "A")
	if err != nil || !ok {
		t.Fatalf("expected cached level, ok=%v err=%v", ok, err)
	}
	if level.Available != 4 || level.Price.String() != "2.50" {
		t.Fatalf("unexpected level %+v", level)
	}
	if _, ok, _ := c.Get(ctx, "loc-2", "A"); ok {
		t.Fatal("levels are scoped by location")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "loc-1", "A"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestNoopStockCacheNeverHits(t *testing.T) {
	var c StockCache = NoopStockCache{}
	if err := c.Set(context.Background(), "loc", StockLevel{SKU: "A", Available: 1}, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), "loc", "A"); ok {
		t.Fatal("noop cache must not return values")
	}
}
