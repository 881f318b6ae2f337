package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the durable source of truth for rides. Transition is the
// single serialization point for all status races: accept storms, duplicate
// lifecycle events and expiry timers all resolve through its compare-and-swap.
type RideStore interface {
	// Create persists a new ride in REQUESTED status. It fails with a
	// validation error if the rider already has an active (non-terminal)
	// ride.
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Transition applies mutate and moves the ride to `to` only if its
	// current status is one of `from`. Otherwise it returns a conflict
	// naming the current status and changes nothing.
	Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, mutate func(*models.Ride)) (*models.Ride, error)

	SaveEarning(ctx context.Context, e *models.Earning) error
	AddDriverStats(ctx context.Context, driverID string, net float64) error
	DriverStats(ctx context.Context, driverID string) (*models.DriverStats, error)
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, f := range set {
		if s == f {
			return true
		}
	}
	return false
}

// MemoryStore keeps everything under one mutex. The lock makes every
// Transition atomic, which is all the CAS contract requires.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[string]models.Ride
	earnings map[string]models.Earning // keyed by ride id
	stats    map[string]models.DriverStats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		earnings: make(map[string]models.Earning),
		stats:    make(map[string]models.DriverStats),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rides {
		if existing.RiderID == r.RiderID && !existing.Status.Terminal() {
			return apperrors.Validation("rider %s already has an active ride %s", r.RiderID, existing.ID)
		}
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperrors.NotFound("ride " + id)
	}
	out := r
	return &out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from []models.RideStatus, to models.RideStatus, mutate func(*models.Ride)) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperrors.NotFound("ride " + id)
	}
	if !statusIn(r.Status, from) {
		return nil, apperrors.Conflict("ride %s is %s, not in %v", id, r.Status, from)
	}
	if mutate != nil {
		mutate(&r)
	}
	r.Status = to
	m.rides[id] = r
	out := r
	return &out, nil
}

func (m *MemoryStore) SaveEarning(_ context.Context, e *models.Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.earnings[e.RideID]; ok {
		return apperrors.Conflict("earning already recorded for ride %s", e.RideID)
	}
	m.earnings[e.RideID] = *e
	return nil
}

func (m *MemoryStore) AddDriverStats(_ context.Context, driverID string, net float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[driverID]
	s.DriverID = driverID
	s.RideCount++
	s.LifetimeNet += net
	m.stats[driverID] = s
	return nil
}

func (m *MemoryStore) DriverStats(_ context.Context, driverID string) (*models.DriverStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[driverID]
	if !ok {
		return nil, apperrors.NotFound("driver stats " + driverID)
	}
	out := s
	return &out, nil
}

// EarningForRide is a test/inspection helper.
func (m *MemoryStore) EarningForRide(rideID string) (models.Earning, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.earnings[rideID]
	return e, ok
}
