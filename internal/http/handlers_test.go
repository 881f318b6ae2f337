package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

func newTestServer() *Server {
	cfg := config.ServerConfig{
		FanOut:          2,
		RoundTimeout:    time.Minute,
		SearchRadiusMi:  5,
		FreshnessWindow: 5 * time.Minute,
		OfflineGrace:    30 * time.Second,
		PlatformFeePct:  0.20,
		CancelFee:       5.0,
		DefaultSpeedMps: 10,
		LiveCacheTTL:    time.Hour,
	}
	return NewServer(cfg, slog.Default())
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func rideRequestBody(rider string) models.RideRequest {
	return models.RideRequest{
		RiderID: rider,
		Pickup:  models.Point{Coord: models.Coord{Lat: 40.7128, Lon: -74.0060}},
		Dropoff: models.Point{Coord: models.Coord{Lat: 40.7580, Lon: -73.9855}},
		Service: models.ClassEconomy,
	}
}

func TestRideRequestWithNoDriversOnline(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/rides", rideRequestBody("rider1"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RideID string            `json:"ride_id"`
		Status models.RideStatus `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.StatusNoDrivers {
		t.Fatalf("expected NO_DRIVERS with an empty index, got %s", resp.Status)
	}
}

func TestRideRequestValidation(t *testing.T) {
	s := newTestServer()

	body := rideRequestBody("rider1")
	body.Service = "helicopter"
	rec := doJSON(t, s, http.MethodPost, "/api/v1/rides", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown service class, got %d", rec.Code)
	}

	body = rideRequestBody("rider1")
	body.Pickup.Lat = 123
	rec = doJSON(t, s, http.MethodPost, "/api/v1/rides", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range pickup, got %d", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/rides", rideRequestBody("rider1"),
		map[string]string{"X-Request-ID": "req-42"})
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected caller id echoed, got %q", got)
	}

	rec = doJSON(t, s, http.MethodGet, "/healthz", nil, nil)
	if got := rec.Header().Get("X-Request-ID"); got == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestFullTripOverHTTP(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/internal/drivers", models.DriverProfile{
		ID:       "d1",
		Classes:  []models.ServiceClass{models.ClassEconomy},
		Eligible: true,
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("driver upsert: %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodPost, "/internal/driver/locations", models.LocationUpdate{
		DriverID: "d1", Lat: 40.7130, Lon: -74.0050,
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("location: %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/rides", rideRequestBody("rider1"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ride request: %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		RideID string            `json:"ride_id"`
		Status models.RideStatus `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != models.StatusRequested {
		t.Fatalf("expected REQUESTED while the offer is out, got %s", created.Status)
	}

	asDriver := map[string]string{"X-User-ID": "d1"}
	for _, step := range []string{"accept", "arrive", "start", "complete"} {
		rec = doJSON(t, s, http.MethodPost, "/api/v1/rides/"+created.RideID+"/"+step, nil, asDriver)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d: %s", step, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/rides/"+created.RideID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get ride: %d", rec.Code)
	}
	var got struct {
		Ride models.Ride `json:"ride"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Ride.Status != models.StatusCompleted || got.Ride.DriverID != "d1" {
		t.Fatalf("unexpected final ride %+v", got.Ride)
	}
}

func TestCancelAfterAcceptReturnsFee(t *testing.T) {
	s := newTestServer()

	doJSON(t, s, http.MethodPost, "/internal/drivers", models.DriverProfile{
		ID:       "d1",
		Classes:  []models.ServiceClass{models.ClassEconomy},
		Eligible: true,
	}, nil)
	doJSON(t, s, http.MethodPost, "/internal/driver/locations", models.LocationUpdate{
		DriverID: "d1", Lat: 40.7130, Lon: -74.0050,
	}, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/rides", rideRequestBody("rider1"), nil)
	var created struct {
		RideID string `json:"ride_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/rides/"+created.RideID+"/accept", nil,
		map[string]string{"X-User-ID": "d1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/rides/"+created.RideID+"/cancel",
		map[string]string{"reason": "changed plans"},
		map[string]string{"X-User-Role": "rider"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d: %s", rec.Code, rec.Body.String())
	}
	var cancelled struct {
		Status models.RideStatus `json:"status"`
		Fee    float64           `json:"fee"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.Fee != 5.0 {
		t.Fatalf("expected cancelled with fee, got %+v", cancelled)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/rides/"+created.RideID+"/arrive", nil,
		map[string]string{"X-User-ID": "d1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("arrive after cancel should conflict, got %d", rec.Code)
	}
}
