package trip

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// FeeCharger moves the cancellation fee through the payment processor.
// Charged best-effort after the durable transition; a processor failure is
// logged, not rolled back, per the fire-and-forget boundary.
type FeeCharger interface {
	ChargeCancellationFee(ctx context.Context, riderID string, amount float64) error
}

// Rounds lets a cancellation tear down any still-pending matching round.
type Rounds interface {
	Abort(rideID string)
}

// Service advances an assigned ride through arrival, start, completion and
// cancellation. Every forward transition goes through the store's
// compare-and-swap, so duplicate driver events lose cleanly.
type Service struct {
	Store     storage.RideStore
	Cache     storage.LiveCache
	Notifier  dispatch.Notifier
	Directory drivers.Directory
	Payments  FeeCharger
	Rounds    Rounds
	Logger    *slog.Logger

	PlatformFeePct float64
	CancelFee      float64

	now func() time.Time
}

func NewService(store storage.RideStore, cache storage.LiveCache, n dispatch.Notifier, dir drivers.Directory, logger *slog.Logger) *Service {
	return &Service{
		Store:          store,
		Cache:          cache,
		Notifier:       n,
		Directory:      dir,
		Logger:         logger,
		PlatformFeePct: 0.20,
		CancelFee:      5.0,
		now:            time.Now,
	}
}

func (s *Service) Arrive(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := s.checkAssignment(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	now := s.now()
	updated, err := s.Store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusAccepted}, models.StatusArrived,
		func(r *models.Ride) { r.ArrivedAt = now })
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, updated, "driver_arrived")
	return updated, nil
}

func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := s.checkAssignment(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	now := s.now()
	updated, err := s.Store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusArrived}, models.StatusInProgress,
		func(r *models.Ride) { r.StartedAt = now })
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, updated, "trip_started")
	return updated, nil
}

// Complete finishes the trip and derives the earning ledger entry. The CAS
// into COMPLETED is the idempotency guard: a second complete attempt fails
// there and never reaches the ledger, so exactly one earning exists per ride.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := s.checkAssignment(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	now := s.now()
	updated, err := s.Store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusInProgress}, models.StatusCompleted,
		func(r *models.Ride) { r.CompletedAt = now })
	if err != nil {
		return nil, err
	}

	e := &models.Earning{
		ID:        uuid.NewString(),
		RideID:    updated.ID,
		DriverID:  driverID,
		Gross:     updated.Fare.Total,
		Fee:       fare.PlatformFee(updated.Fare, s.PlatformFeePct),
		Net:       fare.DriverEarnings(updated.Fare, s.PlatformFeePct),
		Tip:       0,
		Status:    models.EarningPending,
		CreatedAt: now,
	}
	if err := s.Store.SaveEarning(ctx, e); err != nil {
		s.Logger.Error("earning record failed", "ride_id", rideID, "error", err)
	} else if err := s.Store.AddDriverStats(ctx, driverID, e.Net); err != nil {
		s.Logger.Error("driver stats update failed", "driver_id", driverID, "error", err)
	}

	_ = s.Directory.ClearBusy(ctx, driverID)
	s.Cache.Clear(ctx, rideID)
	observability.RidesCompleted.Inc()

	s.Notifier.Publish(dispatch.RiderTopic(updated.RiderID),
		models.Event{Type: "trip_completed", Data: map[string]any{"ride_id": rideID, "fare": updated.Fare}})
	s.Notifier.Publish(dispatch.DriverTopic(driverID),
		models.Event{Type: "trip_completed", Data: map[string]any{"ride_id": rideID, "earnings": e.Net}})
	s.Notifier.Publish(dispatch.RideTopic(rideID), models.Event{Type: "status", Data: updated})
	return updated, nil
}

var cancellable = []models.RideStatus{
	models.StatusRequested,
	models.StatusAccepted,
	models.StatusArrived,
	models.StatusInProgress,
}

// Cancel ends the ride from any non-terminal state. A rider cancelling after
// a driver was assigned pays the flat fee; a driver cancelling never does.
func (s *Service) Cancel(ctx context.Context, rideID, by, reason string) (*models.Ride, error) {
	if by != "rider" && by != "driver" {
		return nil, apperrors.Validation("cancelled_by must be rider or driver")
	}
	now := s.now()
	updated, err := s.Store.Transition(ctx, rideID, cancellable, models.StatusCancelled,
		func(r *models.Ride) {
			r.CancelledAt = now
			r.CancelledBy = by
			r.CancelReason = reason
			if by == "rider" && r.DriverID != "" {
				r.CancelFee = s.CancelFee
			}
		})
	if err != nil {
		return nil, err
	}

	if s.Rounds != nil {
		s.Rounds.Abort(rideID)
	}
	if updated.DriverID != "" {
		_ = s.Directory.ClearBusy(ctx, updated.DriverID)
	}
	s.Cache.Clear(ctx, rideID)
	observability.RidesCancelled.Inc()

	if updated.CancelFee > 0 && s.Payments != nil {
		if err := s.Payments.ChargeCancellationFee(ctx, updated.RiderID, updated.CancelFee); err != nil {
			s.Logger.Error("cancellation fee charge failed", "ride_id", rideID, "error", err)
		}
	}

	ev := models.Event{Type: "ride_cancelled", Data: map[string]any{
		"ride_id": rideID, "by": by, "reason": reason, "fee": updated.CancelFee,
	}}
	s.Notifier.Publish(dispatch.RideTopic(rideID), ev)
	if updated.DriverID != "" && by == "rider" {
		s.Notifier.Publish(dispatch.DriverTopic(updated.DriverID), ev)
	}
	if by == "driver" {
		s.Notifier.Publish(dispatch.RiderTopic(updated.RiderID), ev)
	}
	return updated, nil
}

// checkAssignment rejects lifecycle events from a driver that does not own
// the ride. The driver id never changes after acceptance, so a plain read
// before the CAS is race-free.
func (s *Service) checkAssignment(ctx context.Context, rideID, driverID string) error {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.DriverID == "" || r.DriverID != driverID {
		return apperrors.Conflict("ride %s is not assigned to driver %s", rideID, driverID)
	}
	return nil
}

func (s *Service) afterTransition(ctx context.Context, r *models.Ride, event string) {
	s.Cache.Put(ctx, r)
	s.Notifier.Publish(dispatch.RiderTopic(r.RiderID),
		models.Event{Type: event, Data: map[string]any{"ride_id": r.ID, "status": r.Status}})
	s.Notifier.Publish(dispatch.RideTopic(r.ID), models.Event{Type: "status", Data: r})
}
