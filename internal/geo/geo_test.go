package geo

import (
	"context"
	"testing"
	"time"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestUpsertRejectsBadCoords(t *testing.T) {
	idx := NewMemoryIndex()
	if err := idx.Upsert(context.Background(), "d1", 91, 0); err == nil {
		t.Fatal("expected error for lat > 90")
	}
	if err := idx.Upsert(context.Background(), "d1", 0, -181); err == nil {
		t.Fatal("expected error for lon < -180")
	}
}

func TestQueryReturnsPingedDriverAtZeroDistance(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	if err := idx.Upsert(ctx, "d1", 40.7128, -74.0060); err != nil {
		t.Fatal(err)
	}
	got, err := idx.Query(ctx, 40.7128, -74.0060, 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("expected d1, got %+v", got)
	}
	if got[0].DistanceMiles > 0.001 {
		t.Fatalf("expected ~0 distance, got %f", got[0].DistanceMiles)
	}
}

func TestQueryOrderedByDistanceWithinRadius(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	// roughly 0, 0.7 and 1.4 miles north of origin; one far away
	_ = idx.Upsert(ctx, "near", 40.7128, -74.0060)
	_ = idx.Upsert(ctx, "mid", 40.7228, -74.0060)
	_ = idx.Upsert(ctx, "far", 40.7328, -74.0060)
	_ = idx.Upsert(ctx, "out", 41.7128, -74.0060)

	got, err := idx.Query(ctx, 40.7128, -74.0060, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"near", "mid", "far"}
	for i, w := range want {
		if got[i].DriverID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, got[i].DriverID)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistanceMiles < got[i-1].DistanceMiles {
			t.Fatalf("distances not ascending: %+v", got)
		}
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, "a", 40.7128, -74.0060)
	_ = idx.Upsert(ctx, "b", 40.7129, -74.0060)
	_ = idx.Upsert(ctx, "c", 40.7130, -74.0060)

	got, err := idx.Query(ctx, 40.7128, -74.0060, 5, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit 2, got %d", len(got))
	}
}

func TestStaleDriverExcluded(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, "fresh", 40.7128, -74.0060)
	_ = idx.Upsert(ctx, "stale", 40.7129, -74.0060)

	// age the stale driver past the freshness window without removing it
	idx.mu.Lock()
	p := idx.drivers["stale"]
	p.Updated = time.Now().Add(-FreshnessWindow - time.Minute)
	idx.drivers["stale"] = p
	idx.mu.Unlock()

	got, err := idx.Query(ctx, 40.7128, -74.0060, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "fresh" {
		t.Fatalf("expected only fresh driver, got %+v", got)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	if err := idx.Remove(ctx, "never-seen"); err != nil {
		t.Fatalf("removing absent id should be a no-op, got %v", err)
	}
	_ = idx.Upsert(ctx, "d1", 40.7128, -74.0060)
	if err := idx.Remove(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := idx.Remove(ctx, "d1"); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
	got, _ := idx.Query(ctx, 40.7128, -74.0060, 5, 10)
	if len(got) != 0 {
		t.Fatalf("expected empty result after remove, got %+v", got)
	}
}
