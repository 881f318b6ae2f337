package drivers

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// Directory answers driver eligibility questions for the matcher and tracks
// active assignments. The Eligible flag is sourced by external verification
// (documents, background checks) and is trusted as-is here.
type Directory interface {
	Profile(ctx context.Context, driverID string) (*models.DriverProfile, error)
	// Busy returns the ride id currently assigned to the driver, or "".
	Busy(ctx context.Context, driverID string) (string, error)
	SetBusy(ctx context.Context, driverID, rideID string) error
	ClearBusy(ctx context.Context, driverID string) error
}

type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.DriverProfile
	busy     map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		profiles: make(map[string]models.DriverProfile),
		busy:     make(map[string]string),
	}
}

// Upsert registers or refreshes a driver profile. Called by the glue that
// syncs from the external driver-onboarding system.
func (d *MemoryDirectory) Upsert(p models.DriverProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *MemoryDirectory) Profile(_ context.Context, driverID string) (*models.DriverProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[driverID]
	if !ok {
		return nil, apperrors.NotFound("driver " + driverID)
	}
	out := p
	return &out, nil
}

func (d *MemoryDirectory) Busy(_ context.Context, driverID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.busy[driverID], nil
}

func (d *MemoryDirectory) SetBusy(_ context.Context, driverID, rideID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy[driverID] = rideID
	return nil
}

func (d *MemoryDirectory) ClearBusy(_ context.Context, driverID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, driverID)
	return nil
}
