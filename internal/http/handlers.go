package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	readyTimeout       = 2 * time.Second
	socketCloseTimeout = 5 * time.Second
)

// Pinger reports whether the persistence backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	dispatch *dispatch.Coordinator
	hub      *realtime.Hub
	ready    Pinger
	logger   *slog.Logger
	events   map[string]socketHandler
	mux      *mux.Router
}

// NewServer wires the REST routes and installs itself as the hub's event
// handler.
func NewServer(coord *dispatch.Coordinator, hub *realtime.Hub, ready Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatch: coord,
		hub:      hub,
		ready:    ready,
		logger:   logger.With("component", "http"),
		mux:      mux.NewRouter(),
	}
	s.events = s.socketHandlers()
	hub.SetHandler(s.handleSocketEvent)
	hub.OnClose(s.handleSocketClose)
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/{rideId}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/prices", s.handlePrices).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.hub.ServeWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.dispatch.GetRide(r.Context(), mux.Vars(r)["rideId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// the pickup code is only ever shown to the rider
	ride.OTP = ""
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err := errors.Join(err1, err2); err != nil {
		writeJSON(w, http.StatusBadRequest, ack{"success": false, "message": "lat and lng must be numbers"})
		return
	}
	var radius float64
	if v := q.Get("radius"); v != "" {
		if radius, err1 = strconv.ParseFloat(v, 64); err1 != nil {
			writeJSON(w, http.StatusBadRequest, ack{"success": false, "message": "radius must be a number of metres"})
			return
		}
	}
	drivers := s.dispatch.NearbyDrivers(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius)
	writeJSON(w, http.StatusOK, dispatch.DriverList{Drivers: drivers})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.dispatch.CurrentPrices(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrAlreadyAccepted),
		errors.Is(err, storage.ErrDuplicateRide), errors.Is(err, dispatch.ErrNotAssigned):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, dispatch.ErrInvalidOTP):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, ack{"success": false, "message": messageFor(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
