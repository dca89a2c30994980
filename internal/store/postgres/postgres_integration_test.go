package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"recobox/backend/internal/domain"
)

func openLive(t *testing.T) (*Store, domain.Scope) {
	t.Helper()
	databaseURL := os.Getenv("RECOBOX_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RECOBOX_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sc := domain.Scope{
		TenantID:   fmt.Sprintf("tenant-it-%d", time.Now().UnixNano()),
		LocationID: "loc-it",
		StoreID:    "store-it",
	}
	t.Cleanup(func() {
		_ = s.ClearScope(ctx, sc.TenantID, sc.LocationID)
	})
	return s, sc
}

func TestConcurrentMergesConverge(t *testing.T) {
	s, sc := openLive(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.MergePopularity(ctx, []domain.PopularityRecord{{
				Scope:  sc,
				Bucket: "Lunch",
				Products: domain.Popularity{
					"coffee": {SKU: "C1", Count: 3},
					"bagel":  {SKU: "B1", Count: 1},
				},
			}})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
	}

	pop, err := s.GetPopularity(ctx, sc, "Lunch")
	if err != nil {
		t.Fatalf("get popularity: %v", err)
	}
	if pop["coffee"].Count != 3*writers || pop["bagel"].Count != writers {
		t.Fatalf("expected additive totals, got %+v", pop)
	}
}

func TestMergeRepicksSKUFromSummedQuantities(t *testing.T) {
	s, sc := openLive(t)
	ctx := context.Background()

	chunks := []domain.Popularity{
		{"water": {SKU: "W-A", Count: 3, Quantities: map[string]int64{"W-A": 2, "W-B": 1}}},
		{"water": {SKU: "W-B", Count: 2, Quantities: map[string]int64{"W-B": 2}}},
	}
	for _, products := range chunks {
		if err := s.MergePopularity(ctx, []domain.PopularityRecord{{Scope: sc, Bucket: "Breakfast", Products: products}}); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}

	pop, err := s.GetPopularity(ctx, sc, "Breakfast")
	if err != nil {
		t.Fatalf("get popularity: %v", err)
	}
	if got := pop["water"]; got.SKU != "W-B" || got.Count != 5 {
		t.Fatalf("expected W-B with 5, got %+v", got)
	}
}
