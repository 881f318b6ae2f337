package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// Index answers "which fresh online drivers are within radius R of point P,
// nearest first". Positions are last-writer-wins; callers must not assume
// atomicity across an upsert+query pair.
type Index interface {
	Upsert(ctx context.Context, driverID string, lat, lon float64) error
	// Query returns candidates sorted by ascending geodesic distance,
	// at most limit, none beyond radiusMiles. It is a pure function of
	// index state and may be re-issued.
	Query(ctx context.Context, lat, lon, radiusMiles float64, limit int) ([]models.Candidate, error)
	// Remove is idempotent; removing an absent driver is not an error.
	Remove(ctx context.Context, driverID string) error
}

// FreshnessWindow is how long a presence record stays queryable without a
// refresh. Stale records are filtered at query time, not eagerly deleted.
const FreshnessWindow = 5 * time.Minute

func validCoords(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// MemoryIndex is a mutex-guarded map index. Fine for a single node; the
// Redis-backed index covers multi-process deployments.
type MemoryIndex struct {
	mu        sync.RWMutex
	drivers   map[string]models.Presence
	freshness time.Duration
	now       func() time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		drivers:   make(map[string]models.Presence),
		freshness: FreshnessWindow,
		now:       time.Now,
	}
}

// SetFreshness overrides the default staleness window.
func (g *MemoryIndex) SetFreshness(d time.Duration) {
	if d > 0 {
		g.freshness = d
	}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, lat, lon float64) error {
	if !validCoords(lat, lon) {
		return apperrors.Validation("coordinates out of range: %f,%f", lat, lon)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = models.Presence{
		DriverID: driverID,
		Loc:      models.Coord{Lat: lat, Lon: lon},
		Online:   true,
		Updated:  g.now(),
	}
	return nil
}

func (g *MemoryIndex) Query(_ context.Context, lat, lon, radiusMiles float64, limit int) ([]models.Candidate, error) {
	if !validCoords(lat, lon) {
		return nil, apperrors.Validation("coordinates out of range: %f,%f", lat, lon)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	cutoff := g.now().Add(-g.freshness)
	type pair struct {
		id   string
		dist float64
		loc  models.Coord
	}
	arr := make([]pair, 0, len(g.drivers))
	for id, p := range g.drivers {
		if !p.Online || p.Updated.Before(cutoff) {
			continue
		}
		d := HaversineMiles(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if d > radiusMiles {
			continue
		}
		arr = append(arr, pair{id, d, p.Loc})
	}

	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Candidate{DriverID: arr[i].id, DistanceMiles: arr[i].dist, Loc: arr[i].loc})
	}
	return out, nil
}

// Position returns the driver's presence record, or not-found when absent
// or stale. Used for live tracking reads, not for matching.
func (g *MemoryIndex) Position(_ context.Context, driverID string) (*models.Presence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	if !ok || p.Updated.Before(g.now().Add(-g.freshness)) {
		return nil, apperrors.NotFound("driver position " + driverID)
	}
	out := p
	return &out, nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

const MetersPerMile = 1609.344

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// HaversineMiles is the great-circle distance in statute miles.
func HaversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / MetersPerMile
}
