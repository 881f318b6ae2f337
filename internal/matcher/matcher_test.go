package matcher

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeGeo struct {
	cands []models.Candidate
	err   error
}

func (f *fakeGeo) Query(_ context.Context, lat, lon, radius float64, limit int) ([]models.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.cands) > limit {
		return f.cands[:limit], nil
	}
	return f.cands, nil
}

type recNotifier struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func newRecNotifier() *recNotifier { return &recNotifier{events: make(map[string][]models.Event)} }

func (n *recNotifier) Publish(topic string, ev models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[topic] = append(n.events[topic], ev)
}

func (n *recNotifier) byType(topic, typ string) []models.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Event
	for _, ev := range n.events[topic] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestService(g Geo) (*Service, *storage.MemoryStore, *drivers.MemoryDirectory, *recNotifier) {
	store := storage.NewMemoryStore()
	dir := drivers.NewMemoryDirectory()
	n := newRecNotifier()
	logger := slog.Default()
	s := NewService(g, store, storage.NewMemoryLiveCache(time.Hour), n, dir, logger)
	return s, store, dir, n
}

func seedRide(t *testing.T, store *storage.MemoryStore, id, rider string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:          id,
		RiderID:     rider,
		Service:     models.ClassEconomy,
		Status:      models.StatusRequested,
		Fare:        models.Fare{Total: 20},
		RequestedAt: time.Now(),
	}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func economyDriver(id string) models.DriverProfile {
	return models.DriverProfile{ID: id, Classes: []models.ServiceClass{models.ClassEconomy}, Eligible: true, Rating: 4.8}
}

func TestDispatchNoCandidatesGoesNoDriversImmediately(t *testing.T) {
	s, store, _, n := newTestService(&fakeGeo{})
	r := seedRide(t, store, "r1", "rider1")

	updated, err := s.Dispatch(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusNoDrivers {
		t.Fatalf("expected NO_DRIVERS, got %s", updated.Status)
	}
	if got := n.byType("rider:rider1", "no_drivers"); len(got) != 1 {
		t.Fatalf("expected one no_drivers event, got %d", len(got))
	}
}

func TestDispatchGeoUnavailableTreatedAsNoCandidates(t *testing.T) {
	s, store, _, _ := newTestService(&fakeGeo{err: apperrors.Unavailable("redis down")})
	r := seedRide(t, store, "r1", "rider1")

	updated, err := s.Dispatch(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusNoDrivers {
		t.Fatalf("expected NO_DRIVERS on unavailable index, got %s", updated.Status)
	}
}

func TestDispatchFiltersIneligibleCandidates(t *testing.T) {
	g := &fakeGeo{cands: []models.Candidate{
		{DriverID: "unverified", DistanceMiles: 0.1},
		{DriverID: "wrong-class", DistanceMiles: 0.2},
		{DriverID: "busy", DistanceMiles: 0.3},
		{DriverID: "good", DistanceMiles: 0.4},
	}}
	s, store, dir, n := newTestService(g)
	dir.Upsert(models.DriverProfile{ID: "unverified", Classes: []models.ServiceClass{models.ClassEconomy}, Eligible: false})
	dir.Upsert(models.DriverProfile{ID: "wrong-class", Classes: []models.ServiceClass{models.ClassPremium}, Eligible: true})
	dir.Upsert(economyDriver("busy"))
	_ = dir.SetBusy(context.Background(), "busy", "other-ride")
	dir.Upsert(economyDriver("good"))

	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	if got := n.byType("driver:good", "ride_offer"); len(got) != 1 {
		t.Fatal("eligible driver should receive the offer")
	}
	for _, d := range []string{"unverified", "wrong-class", "busy"} {
		if got := n.byType("driver:"+d, "ride_offer"); len(got) != 0 {
			t.Fatalf("driver %s should not receive an offer", d)
		}
	}
}

func TestDispatchFanOutCap(t *testing.T) {
	g := &fakeGeo{}
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		g.cands = append(g.cands, models.Candidate{DriverID: id, DistanceMiles: float64(i)})
	}
	s, store, dir, n := newTestService(g)
	for _, c := range g.cands {
		dir.Upsert(economyDriver(c.DriverID))
	}
	s.FanOut = 5

	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	offered := 0
	for _, c := range g.cands {
		offered += len(n.byType("driver:"+c.DriverID, "ride_offer"))
	}
	if offered != 5 {
		t.Fatalf("expected 5 offers, got %d", offered)
	}
}

type fixedETA struct{ seconds float64 }

func (f fixedETA) EstimateSeconds(_, _ models.Coord) (float64, error) {
	return f.seconds, nil
}

func TestOfferETAUsesRoutingClient(t *testing.T) {
	cands := []models.Candidate{{DriverID: "d1", DistanceMiles: 2, Loc: models.Coord{Lat: 40.71, Lon: -74.01}}}
	s, store, dir, n := newTestService(&fakeGeo{cands: cands})
	dir.Upsert(economyDriver("d1"))
	s.ETA = fixedETA{seconds: 123}

	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	offers := n.byType("driver:d1", "ride_offer")
	if len(offers) != 1 {
		t.Fatalf("expected one offer, got %d", len(offers))
	}
	offer, ok := offers[0].Data.(models.Offer)
	if !ok {
		t.Fatalf("unexpected offer payload %T", offers[0].Data)
	}
	if offer.ETASeconds != 123 {
		t.Fatalf("expected routed ETA 123, got %f", offer.ETASeconds)
	}
}

func TestConcurrentAcceptsExactlyOneWinner(t *testing.T) {
	cands := []models.Candidate{
		{DriverID: "d1", DistanceMiles: 0.5},
		{DriverID: "d2", DistanceMiles: 0.6},
		{DriverID: "d3", DistanceMiles: 0.7},
	}
	s, store, dir, n := newTestService(&fakeGeo{cands: cands})
	for _, c := range cands {
		dir.Upsert(economyDriver(c.DriverID))
	}
	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	conflicts := 0
	for _, c := range cands {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := s.Accept(context.Background(), "r1", driverID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, driverID)
			} else if apperrors.IsConflict(err) {
				conflicts++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}(c.DriverID)
	}
	wg.Wait()

	if len(winners) != 1 || conflicts != 2 {
		t.Fatalf("expected 1 winner and 2 conflicts, got %v / %d", winners, conflicts)
	}
	got, _ := store.Get(context.Background(), "r1")
	if got.Status != models.StatusAccepted || got.DriverID != winners[0] {
		t.Fatalf("store should record the winner, got %+v", got)
	}
	if len(n.byType("rider:rider1", "driver_accepted")) != 1 {
		t.Fatal("rider should be notified exactly once")
	}
	// losers get their offers revoked
	revoked := 0
	for _, c := range cands {
		if c.DriverID == winners[0] {
			continue
		}
		revoked += len(n.byType("driver:"+c.DriverID, "offer_revoked"))
	}
	if revoked != 2 {
		t.Fatalf("expected 2 revocations, got %d", revoked)
	}
}

func TestAcceptFromNonOfferedDriverRejected(t *testing.T) {
	cands := []models.Candidate{{DriverID: "d1", DistanceMiles: 0.5}}
	s, store, dir, _ := newTestService(&fakeGeo{cands: cands})
	dir.Upsert(economyDriver("d1"))
	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	_, err := s.Accept(context.Background(), "r1", "interloper")
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict for non-offered driver, got %v", err)
	}
}

func TestRoundExpiryMovesToNoDriversExactlyOnce(t *testing.T) {
	cands := []models.Candidate{
		{DriverID: "d1", DistanceMiles: 0.5},
		{DriverID: "d2", DistanceMiles: 0.6},
		{DriverID: "d3", DistanceMiles: 0.7},
	}
	s, store, dir, n := newTestService(&fakeGeo{cands: cands})
	for _, c := range cands {
		dir.Upsert(economyDriver(c.DriverID))
	}
	s.RoundTimeout = 20 * time.Millisecond

	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	// duplicate fires must be harmless
	s.expire("r1")
	s.expire("r1")

	got, _ := store.Get(context.Background(), "r1")
	if got.Status != models.StatusNoDrivers {
		t.Fatalf("expected NO_DRIVERS after expiry, got %s", got.Status)
	}
	if len(n.byType("rider:rider1", "no_drivers")) != 1 {
		t.Fatal("rider should be told no_drivers exactly once")
	}
}

func TestAcceptAfterRoundExpiryReturnsExpired(t *testing.T) {
	cands := []models.Candidate{{DriverID: "d1", DistanceMiles: 0.5}}
	s, store, dir, _ := newTestService(&fakeGeo{cands: cands})
	dir.Upsert(economyDriver("d1"))
	s.RoundTimeout = 10 * time.Millisecond

	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	_, err := s.Accept(context.Background(), "r1", "d1")
	if !apperrors.IsExpired(err) {
		t.Fatalf("expected expired on a timed-out round, got %v", err)
	}
}

func TestExpiryAfterResolutionIsNoOp(t *testing.T) {
	cands := []models.Candidate{{DriverID: "d1", DistanceMiles: 0.5}}
	s, store, dir, n := newTestService(&fakeGeo{cands: cands})
	dir.Upsert(economyDriver("d1"))

	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Accept(context.Background(), "r1", "d1"); err != nil {
		t.Fatal(err)
	}

	s.expire("r1")

	got, _ := store.Get(context.Background(), "r1")
	if got.Status != models.StatusAccepted {
		t.Fatalf("late timer must not override resolution, got %s", got.Status)
	}
	if len(n.byType("rider:rider1", "no_drivers")) != 0 {
		t.Fatal("no no_drivers event after resolution")
	}
}

func TestAcceptAfterCancelConflicts(t *testing.T) {
	cands := []models.Candidate{{DriverID: "d1", DistanceMiles: 0.5}}
	s, store, dir, _ := newTestService(&fakeGeo{cands: cands})
	dir.Upsert(economyDriver("d1"))

	r := seedRide(t, store, "r1", "rider1")
	if _, err := s.Dispatch(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(context.Background(), "r1",
		[]models.RideStatus{models.StatusRequested}, models.StatusCancelled, nil); err != nil {
		t.Fatal(err)
	}

	_, err := s.Accept(context.Background(), "r1", "d1")
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict after cancellation, got %v", err)
	}
}
