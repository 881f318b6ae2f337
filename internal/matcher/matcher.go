package matcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Geo is the slice of the index the matcher needs.
type Geo interface {
	Query(ctx context.Context, lat, lon, radiusMiles float64, limit int) ([]models.Candidate, error)
}

// round is one bounded-time dispatch attempt for a single ride. It only
// tracks who was offered; resolution state lives in the ride store, which
// is why a timer firing after resolution is harmless.
type round struct {
	rideID     string
	candidates []models.Candidate
	startedAt  time.Time
	timer      *time.Timer
}

type Service struct {
	Geo       Geo
	Store     storage.RideStore
	Cache     storage.LiveCache
	Notifier  dispatch.Notifier
	Directory drivers.Directory
	Logger    *slog.Logger
	// ETA, when set, refines offer pickup ETAs via the routing engine;
	// otherwise the candidate distance over the default speed is used.
	ETA eta.Client

	FanOut         int
	RoundTimeout   time.Duration
	SearchRadiusMi float64
	PlatformFeePct float64
	SpeedMps       float64

	mu     sync.Mutex
	rounds map[string]*round
	now    func() time.Time
}

func NewService(g Geo, store storage.RideStore, cache storage.LiveCache, n dispatch.Notifier, dir drivers.Directory, logger *slog.Logger) *Service {
	return &Service{
		Geo:            g,
		Store:          store,
		Cache:          cache,
		Notifier:       n,
		Directory:      dir,
		Logger:         logger,
		FanOut:         5,
		RoundTimeout:   30 * time.Second,
		SearchRadiusMi: 5,
		PlatformFeePct: 0.20,
		SpeedMps:       10,
		rounds:         make(map[string]*round),
		now:            time.Now,
	}
}

// Dispatch runs one matching round for a freshly created ride. With zero
// eligible candidates the ride goes to NO_DRIVERS before Dispatch returns;
// otherwise offers fan out and the round resolves on first accept or on
// the expiry timer. There is no second attempt with a wider radius.
func (s *Service) Dispatch(ctx context.Context, ride *models.Ride) (*models.Ride, error) {
	cands := s.eligibleCandidates(ctx, ride)
	if len(cands) == 0 {
		observability.RoundsNoDriver.Inc()
		updated, err := s.Store.Transition(ctx, ride.ID,
			[]models.RideStatus{models.StatusRequested}, models.StatusNoDrivers, nil)
		if err != nil {
			return nil, err
		}
		s.Cache.Clear(ctx, ride.ID)
		s.Notifier.Publish(dispatch.RiderTopic(ride.RiderID),
			models.Event{Type: "no_drivers", Data: map[string]any{"ride_id": ride.ID}})
		return updated, nil
	}

	rd := &round{rideID: ride.ID, candidates: cands, startedAt: s.now()}
	s.mu.Lock()
	s.rounds[ride.ID] = rd
	s.mu.Unlock()

	observability.RoundsStarted.Inc()
	expiresAt := s.now().Add(s.RoundTimeout)
	earnings := fare.DriverEarnings(ride.Fare, s.PlatformFeePct)
	for _, c := range cands {
		offer := models.Offer{
			RideID:     ride.ID,
			DriverID:   c.DriverID,
			Pickup:     ride.Pickup,
			Dropoff:    ride.Dropoff,
			Service:    ride.Service,
			Earnings:   earnings,
			ETASeconds: s.pickupETA(c, ride.Pickup.Coord),
			ExpiresAt:  expiresAt,
		}
		s.Notifier.Publish(dispatch.DriverTopic(c.DriverID),
			models.Event{Type: "ride_offer", Data: offer})
		observability.OffersSent.Inc()
	}

	rd.timer = time.AfterFunc(s.RoundTimeout, func() { s.expire(ride.ID) })
	return ride, nil
}

// pickupETA estimates seconds until the candidate reaches the pickup point.
// Routing-engine failures fall back to the naive distance/speed estimate.
func (s *Service) pickupETA(c models.Candidate, pickup models.Coord) float64 {
	if s.ETA != nil {
		if v, err := s.ETA.EstimateSeconds(c.Loc, pickup); err == nil {
			return v
		}
	}
	return c.DistanceMiles * geo.MetersPerMile / s.SpeedMps
}

// eligibleCandidates queries the index and filters by service class, external
// eligibility and conflicting assignments. Index or directory failures are
// treated as "no candidates for this attempt", never as a crashed round.
func (s *Service) eligibleCandidates(ctx context.Context, ride *models.Ride) []models.Candidate {
	cands, err := s.Geo.Query(ctx, ride.Pickup.Lat, ride.Pickup.Lon, s.SearchRadiusMi, s.FanOut*3)
	if err != nil {
		s.Logger.Warn("candidate query failed", "ride_id", ride.ID, "error", err)
		return nil
	}
	out := make([]models.Candidate, 0, s.FanOut)
	for _, c := range cands {
		p, err := s.Directory.Profile(ctx, c.DriverID)
		if err != nil || p == nil || !p.Eligible || !p.Serves(ride.Service) {
			continue
		}
		if busy, _ := s.Directory.Busy(ctx, c.DriverID); busy != "" {
			continue
		}
		out = append(out, c)
		if len(out) == s.FanOut {
			break
		}
	}
	return out
}

// Accept races a driver's reply against every other candidate. The store's
// compare-and-swap picks the winner; the engine holds no lock across the
// decision.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	s.mu.Lock()
	rd := s.rounds[rideID]
	s.mu.Unlock()
	if rd != nil && !rd.offered(driverID) {
		return nil, apperrors.Conflict("driver %s was not offered ride %s", driverID, rideID)
	}

	now := s.now()
	updated, err := s.Store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusRequested}, models.StatusAccepted,
		func(r *models.Ride) {
			r.DriverID = driverID
			r.AcceptedAt = now
		})
	if err != nil {
		if apperrors.IsConflict(err) {
			observability.AcceptsStale.Inc()
			// a round that timed out reads as expired, not as losing a race
			if cur, gerr := s.Store.Get(ctx, rideID); gerr == nil && cur.Status == models.StatusNoDrivers {
				return nil, apperrors.Expired("offer for ride %s expired", rideID)
			}
		}
		return nil, err
	}

	observability.AcceptsWon.Inc()
	s.Directory.SetBusy(ctx, driverID, rideID)
	s.Cache.Put(ctx, updated)

	s.Notifier.Publish(dispatch.RiderTopic(updated.RiderID),
		models.Event{Type: "driver_accepted", Data: map[string]any{"ride_id": rideID, "driver_id": driverID}})
	s.Notifier.Publish(dispatch.RideTopic(rideID),
		models.Event{Type: "status", Data: updated})

	if rd != nil {
		observability.RoundLatency.Observe(now.Sub(rd.startedAt).Seconds())
		s.closeRound(rd, driverID, "ride no longer available")
	}
	return updated, nil
}

// Abort tears down a pending round when the ride leaves REQUESTED through
// some other path (rider cancel). Safe to call for rides with no round.
func (s *Service) Abort(rideID string) {
	s.mu.Lock()
	rd := s.rounds[rideID]
	s.mu.Unlock()
	if rd != nil {
		s.closeRound(rd, "", "ride no longer available")
	}
}

// expire fires on the round deadline. It re-checks authoritative state via
// the CAS rather than trusting the timer: a round that already resolved
// makes the transition fail with a conflict, and a duplicate fire finds the
// round gone. Either way the ride moves to NO_DRIVERS at most once.
func (s *Service) expire(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := s.Store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusRequested}, models.StatusNoDrivers, nil)
	if err != nil {
		if !apperrors.IsConflict(err) {
			s.Logger.Warn("round expiry transition failed", "ride_id", rideID, "error", err)
		}
		return
	}

	observability.RoundsExpired.Inc()
	s.Cache.Clear(ctx, rideID)
	s.Notifier.Publish(dispatch.RiderTopic(updated.RiderID),
		models.Event{Type: "no_drivers", Data: map[string]any{"ride_id": rideID}})

	s.mu.Lock()
	rd := s.rounds[rideID]
	s.mu.Unlock()
	if rd != nil {
		s.closeRound(rd, "", "offer expired")
	}
}

// closeRound notifies every candidate except the winner and forgets the
// round. Stopping the timer is best effort; expire re-checks state anyway.
func (s *Service) closeRound(rd *round, winner, reason string) {
	s.mu.Lock()
	delete(s.rounds, rd.rideID)
	s.mu.Unlock()

	if rd.timer != nil {
		rd.timer.Stop()
	}
	for _, c := range rd.candidates {
		if c.DriverID == winner {
			continue
		}
		s.Notifier.Publish(dispatch.DriverTopic(c.DriverID),
			models.Event{Type: "offer_revoked", Data: map[string]any{"ride_id": rd.rideID, "reason": reason}})
	}
}

func (r *round) offered(driverID string) bool {
	for _, c := range r.candidates {
		if c.DriverID == driverID {
			return true
		}
	}
	return false
}
