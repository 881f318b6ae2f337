package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var upgrader = websocket.Upgrader{}

// wsCommand is the inbound frame shape for both roles. Unused fields stay
// zero for commands that do not need them.
type wsCommand struct {
	Type   string  `json:"type"`
	RideID string  `json:"ride_id,omitempty"`
	Lat    float64 `json:"lat,omitempty"`
	Lon    float64 `json:"lon,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, id := vars["role"], vars["id"]
	if role != "driver" && role != "rider" {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}

	sess := dispatch.NewSession(conn)
	topic := role + ":" + id
	s.registry.Register(topic, sess)
	if role == "driver" {
		observability.DriversOnline.Inc()
	}
	s.logger.Info("session connected", "role", role, "id", id)

	go s.readLoop(role, id, topic, sess)
}

// readLoop is the single-threaded event dispatch for one connection. It
// routes driver commands into the matcher and trip services and replies
// with the outcome, forwarding failure reasons verbatim.
func (s *Server) readLoop(role, id, topic string, sess *dispatch.Session) {
	defer s.disconnect(role, id, topic, sess)

	for {
		var cmd wsCommand
		if err := sess.ReadJSON(&cmd); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.handleCommand(ctx, role, id, sess, cmd)
		cancel()
	}
}

func (s *Server) handleCommand(ctx context.Context, role, id string, sess *dispatch.Session, cmd wsCommand) {
	var (
		ride *models.Ride
		err  error
	)
	switch cmd.Type {
	case "accept":
		if role != "driver" {
			err = apperrors.Validation("only drivers accept rides")
			break
		}
		ride, err = s.matcher.Accept(ctx, cmd.RideID, id)
	case "arrive":
		ride, err = s.trips.Arrive(ctx, cmd.RideID, id)
	case "start":
		ride, err = s.trips.Start(ctx, cmd.RideID, id)
	case "complete":
		ride, err = s.trips.Complete(ctx, cmd.RideID, id)
	case "cancel":
		ride, err = s.trips.Cancel(ctx, cmd.RideID, role, cmd.Reason)
	case "location":
		if role != "driver" {
			err = apperrors.Validation("only drivers send locations")
			break
		}
		s.applyLocation(ctx, models.LocationUpdate{DriverID: id, Lat: cmd.Lat, Lon: cmd.Lon})
	case "subscribe_ride":
		s.registry.Register(dispatch.RideTopic(cmd.RideID), sess)
	default:
		err = apperrors.Validation("unknown command %q", cmd.Type)
	}

	if err != nil {
		var ae *apperrors.Error
		if !errors.As(err, &ae) {
			ae = &apperrors.Error{Code: "internal", Message: err.Error()}
		}
		_ = sess.Send(models.Event{Type: "error", Data: map[string]any{
			"command": cmd.Type, "ride_id": cmd.RideID, "error": ae.Code, "message": ae.Message,
		}})
		return
	}
	if ride != nil {
		_ = sess.Send(models.Event{Type: cmd.Type + "_ok", Data: ride})
	}
}

// disconnect tears the session down. Driver presence survives a grace
// period so a transient reconnect does not drop them out of matching.
func (s *Server) disconnect(role, id, topic string, sess *dispatch.Session) {
	s.registry.UnregisterAll(sess)
	_ = sess.Close()
	s.logger.Info("session disconnected", "role", role, "id", id)
	if role != "driver" {
		return
	}
	observability.DriversOnline.Dec()

	grace := s.cfg.OfflineGrace
	time.AfterFunc(grace, func() {
		if s.registry.Active(dispatch.DriverTopic(id)) {
			return // reconnected within the grace window
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.geo.Remove(ctx, id); err != nil {
			s.logger.Warn("presence removal failed", "driver_id", id, "error", err)
		}
	})
}
