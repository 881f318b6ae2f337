package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

// PresenceReader exposes a single driver's live position for tracking reads.
type PresenceReader interface {
	Position(ctx context.Context, driverID string) (*models.Presence, error)
}

type Server struct {
	cfg       config.ServerConfig
	logger    *slog.Logger
	validate  *validator.Validate
	geo       geo.Index
	presence  PresenceReader
	store     storage.RideStore
	cache     storage.LiveCache
	directory *drivers.MemoryDirectory
	matcher   *matcher.Service
	trips     *trip.Service
	kafka     *ingest.KafkaProducer
	registry  *dispatch.Registry
	etaClient eta.Client
	etaCache  *eta.Cache
	mux       *mux.Router
}

// NewServer wires the whole dispatch core from config: Redis-backed geo
// index and live cache when REDIS_ADDR is set, Postgres when PG_DSN is set,
// in-memory fallbacks otherwise so the binary runs locally with no setup.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var (
		gidx     geo.Index
		presence PresenceReader
		cache    storage.LiveCache
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ridx := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		ridx.SetFreshness(cfg.FreshnessWindow)
		gidx, presence = ridx, ridx
		cache = storage.NewRedisLiveCache(rc, cfg.LiveCacheTTL)
	} else {
		midx := geo.NewMemoryIndex()
		midx.SetFreshness(cfg.FreshnessWindow)
		gidx, presence = midx, midx
		cache = storage.NewMemoryLiveCache(cfg.LiveCacheTTL)
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	registry := dispatch.NewRegistry(logger)
	notifier := &dispatch.Fallback{Chain: []dispatch.DeliveryNotifier{
		registry,
		dispatch.NewPushNotifier(os.Getenv("PUSH_ENDPOINT")),
		dispatch.NewFCMNotifier(os.Getenv("FCM_ENDPOINT"), os.Getenv("FCM_KEY")),
	}}

	directory := drivers.NewMemoryDirectory()

	var etaClient eta.Client
	if endpoint := os.Getenv("OSRM_ENDPOINT"); endpoint != "" {
		etaClient = eta.NewOSRMClient(endpoint)
	}

	m := matcher.NewService(gidx, store, cache, notifier, directory, logger)
	m.FanOut = cfg.FanOut
	m.RoundTimeout = cfg.RoundTimeout
	m.SearchRadiusMi = cfg.SearchRadiusMi
	m.PlatformFeePct = cfg.PlatformFeePct
	m.SpeedMps = cfg.DefaultSpeedMps
	m.ETA = etaClient

	t := trip.NewService(store, cache, notifier, directory, logger)
	t.PlatformFeePct = cfg.PlatformFeePct
	t.CancelFee = cfg.CancelFee
	t.Rounds = m
	if os.Getenv("STRIPE_API_KEY") != "" {
		t.Payments = payments.NewStripeClient()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		validate:  validator.New(),
		geo:       gidx,
		presence:  presence,
		store:     store,
		cache:     cache,
		directory: directory,
		matcher:   m,
		trips:     t,
		kafka:     kp,
		registry:  registry,
		etaClient: etaClient,
		etaCache:  eta.NewCache(time.Minute),
	}
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arrive", s.driverAction(s.trips.Arrive)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.driverAction(s.trips.Start)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.driverAction(s.trips.Complete)).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/drivers", s.handleDriverUpsert).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// log returns the server logger with the request id attached when the
// context carries one, so handler lines correlate with the access log.
func (s *Server) log(ctx context.Context) *slog.Logger {
	if rid := requestIDFromContext(ctx); rid != "" {
		return s.logger.With("request_id", rid)
	}
	return s.logger
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("invalid body: %v", err))
		return
	}
	if rid := r.Header.Get("X-User-ID"); rid != "" {
		req.RiderID = rid
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apperrors.Validation("%v", err))
		return
	}
	for _, p := range append([]models.Point{req.Pickup, req.Dropoff}, req.Stops...) {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			writeError(w, apperrors.Validation("coordinates out of range: %f,%f", p.Lat, p.Lon))
			return
		}
	}

	distance := s.routeMiles(req)
	durationMin := s.estimateMinutes(req.Pickup.Coord, req.Dropoff.Coord)
	ride := &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		Stops:       req.Stops,
		Service:     req.Service,
		Status:      models.StatusRequested,
		Fare:        fare.Compute(req.Service, distance, durationMin, req.Surge, req.Promo),
		RequestedAt: time.Now(),
	}
	if err := s.store.Create(r.Context(), ride); err != nil {
		writeError(w, err)
		return
	}
	s.cache.Put(r.Context(), ride)

	// Dispatch runs in-request: with zero candidates the caller sees
	// NO_DRIVERS immediately; otherwise offers are out and the round
	// resolves asynchronously.
	dispatched, err := s.matcher.Dispatch(r.Context(), ride)
	if err != nil {
		s.log(r.Context()).Error("dispatch failed", "ride_id", ride.ID, "error", err)
		dispatched = ride
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ride_id": ride.ID,
		"status":  dispatched.Status,
		"fare":    ride.Fare,
	})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	ride, ok := s.cache.Get(r.Context(), rideID)
	if !ok {
		var err error
		ride, err = s.store.Get(r.Context(), rideID)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	resp := map[string]any{"ride": ride}
	switch ride.Status {
	case models.StatusAccepted, models.StatusArrived, models.StatusInProgress:
		if p, err := s.presence.Position(r.Context(), ride.DriverID); err == nil {
			resp["driver_location"] = p.Loc
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	role := r.Header.Get("X-User-Role")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ride, err := s.trips.Cancel(r.Context(), rideID, role, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "status": ride.Status, "fee": ride.CancelFee})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	driverID := r.Header.Get("X-User-ID")
	ride, err := s.matcher.Accept(r.Context(), rideID, driverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) driverAction(fn func(ctx context.Context, rideID, driverID string) (*models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rideID := mux.Vars(r)["ride_id"]
		driverID := r.Header.Get("X-User-ID")
		ride, err := fn(r.Context(), rideID, driverID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
	}
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, apperrors.Validation("invalid body: %v", err))
		return
	}
	if err := s.validate.Struct(u); err != nil {
		writeError(w, apperrors.Validation("%v", err))
		return
	}
	s.applyLocation(r.Context(), u)
	w.WriteHeader(http.StatusNoContent)
}

// applyLocation updates the index directly and mirrors the ping to Kafka
// when configured, so other processes (the presence consumer) see it too.
func (s *Server) applyLocation(ctx context.Context, u models.LocationUpdate) {
	if err := s.geo.Upsert(ctx, u.DriverID, u.Lat, u.Lon); err != nil {
		s.log(ctx).Warn("presence upsert failed", "driver_id", u.DriverID, "error", err)
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(u); err != nil {
			s.log(ctx).Warn("location publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
}

func (s *Server) handleDriverUpsert(w http.ResponseWriter, r *http.Request) {
	var p models.DriverProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, apperrors.Validation("invalid body: %v", err))
		return
	}
	if p.ID == "" {
		writeError(w, apperrors.Validation("driver id required"))
		return
	}
	for _, c := range p.Classes {
		if !c.Valid() {
			writeError(w, apperrors.Validation("unknown service class %q", c))
			return
		}
	}
	s.directory.Upsert(p)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if err := s.geo.Remove(r.Context(), driverID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// routeMiles sums the geodesic legs pickup -> stops -> dropoff.
func (s *Server) routeMiles(req models.RideRequest) float64 {
	points := append([]models.Point{req.Pickup}, req.Stops...)
	points = append(points, req.Dropoff)
	var total float64
	for i := 1; i < len(points); i++ {
		total += geo.HaversineMiles(points[i-1].Lat, points[i-1].Lon, points[i].Lat, points[i].Lon)
	}
	return total
}

func (s *Server) estimateMinutes(from, to models.Coord) float64 {
	if v, ok := s.etaCache.Get(from, to); ok {
		return v / 60
	}
	if s.etaClient != nil {
		if v, err := s.etaClient.EstimateSeconds(from, to); err == nil {
			s.etaCache.Set(from, to, v)
			return v / 60
		}
	}
	return eta.EstimateSeconds(from, to, s.cfg.DefaultSpeedMps) / 60
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		writeJSON(w, ae.StatusCode, ae)
		return
	}
	writeJSON(w, apperrors.HTTPStatus(err), map[string]string{"error": "internal", "message": err.Error()})
}

func newID() string { return uuid.NewString() }
