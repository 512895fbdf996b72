package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driverme/internal/auth"
	"github.com/example/driverme/internal/config"
	"github.com/example/driverme/internal/eta"
	"github.com/example/driverme/internal/geo"
	"github.com/example/driverme/internal/ingest"
	"github.com/example/driverme/internal/lifecycle"
	"github.com/example/driverme/internal/models"
	"github.com/example/driverme/internal/pricing"
	"github.com/example/driverme/internal/realtime"
	"github.com/example/driverme/internal/store"
)

// Deps carries the wired collaborators. Tests construct it directly with
// in-memory implementations; NewServerFromConfig builds the production set.
type Deps struct {
	Manager   *lifecycle.Manager
	Realtime  *realtime.Router
	Tracker   geo.Tracker
	Verifier  *auth.Verifier
	Locations *ingest.Producer
}

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	manager  *lifecycle.Manager
	realtime *realtime.Router
	tracker  geo.Tracker
	verifier *auth.Verifier
	producer *ingest.Producer
	mux      *mux.Router
}

func New(cfg config.ServerConfig, logger *slog.Logger, d Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		manager:  d.Manager,
		realtime: d.Realtime,
		tracker:  d.Tracker,
		verifier: d.Verifier,
		producer: d.Locations,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromConfig wires the production dependency set: Postgres when a
// DSN is configured (memory store otherwise), Redis-backed driver tracking
// when a Redis address is configured, Kafka publishing when brokers are,
// and OSRM duration estimates when an endpoint is.
func NewServerFromConfig(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var st store.Store
	if cfg.PGDSN != "" {
		ps, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		st = ps
	} else {
		logger.Warn("no PG_DSN configured, using in-memory booking store")
		st = store.NewMemoryStore()
	}

	var tracker geo.Tracker
	if cfg.RedisAddr != "" {
		tracker = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		tracker = geo.NewIndex()
	}

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic)
	}

	var etaClient eta.Client
	if cfg.OSRMBaseURL != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMBaseURL)
	}

	router := realtime.NewRouter(logger)
	manager := &lifecycle.Manager{
		Store:           st,
		Router:          router,
		Pricer:          &pricing.Engine{},
		Logger:          logger,
		ETAClient:       etaClient,
		ETACache:        eta.NewCache(5 * time.Minute),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	}
	if producer != nil {
		manager.Audit = producer
	}

	return New(cfg, logger, Deps{
		Manager:   manager,
		Realtime:  router,
		Tracker:   tracker,
		Verifier:  auth.NewVerifier(cfg.JWTSecret),
		Locations: producer,
	}), nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/bookings/quote", s.handleQuote).Methods("POST")
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings", s.handleListBookings).Methods("GET")
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id}/accept", s.handleAcceptBooking).Methods("PATCH")
	api.HandleFunc("/bookings/{id}/status", s.handleUpdateStatus).Methods("PATCH")
	api.HandleFunc("/bookings/{id}", s.handleCancelBooking).Methods("DELETE")
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods("GET")

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type quoteRequest struct {
	VehicleTier     models.VehicleTier `json:"car_type"`
	DistanceKm      float64            `json:"distance_km"`
	DurationMinutes float64            `json:"duration_minutes"`
	VoucherCode     string             `json:"voucher_code"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	bd, err := s.manager.QuotePrice(req.VehicleTier, req.DistanceKm, req.DurationMinutes, req.VoucherCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bd)
}

type createBookingRequest struct {
	PickupAddress      string             `json:"pickup_address"`
	Pickup             models.Coord       `json:"pickup"`
	DestinationAddress string             `json:"destination_address"`
	Destination        *models.Coord      `json:"destination"`
	ServiceType        models.ServiceType `json:"service_type"`
	DurationHours      int                `json:"duration_hours"`
	VehicleTier        models.VehicleTier `json:"car_type"`
	DistanceKm         float64            `json:"distance_km"`
	EstimatedDuration  float64            `json:"estimated_duration"`
	VoucherCode        string             `json:"voucher_code"`
	PaymentMethod      string             `json:"payment_method"`
	Preferences        json.RawMessage    `json:"preferences"`
	EstimatedPrice     int64              `json:"estimated_price"`
	Notes              string             `json:"notes"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	caller := identityFromContext(r.Context())
	if caller.Role != models.RoleRider && caller.Role != models.RoleAdmin {
		s.writeError(w, r, lifecycle.ErrForbidden)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	pay := models.PayCash
	if req.PaymentMethod != "" {
		p, ok := models.ParsePaymentMethod(req.PaymentMethod)
		if !ok {
			s.writeError(w, r, badRequest(errors.New("unknown payment method")))
			return
		}
		pay = p
	}

	b, err := s.manager.CreateBooking(r.Context(), caller.ID, lifecycle.CreateInput{
		PickupAddress:      req.PickupAddress,
		Pickup:             req.Pickup,
		DestinationAddress: req.DestinationAddress,
		Destination:        req.Destination,
		ServiceType:        req.ServiceType,
		DurationHours:      req.DurationHours,
		VehicleTier:        req.VehicleTier,
		DistanceKm:         req.DistanceKm,
		EstimatedDuration:  req.EstimatedDuration,
		VoucherCode:        req.VoucherCode,
		PaymentMethod:      pay,
		Preferences:        req.Preferences,
		EstimatedPrice:     req.EstimatedPrice,
		Notes:              req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	caller := identityFromContext(r.Context())
	bookings, err := s.manager.ListBookings(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	s.writeJSON(w, http.StatusOK, bookings)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	caller := identityFromContext(r.Context())
	b, err := s.manager.GetBooking(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAcceptBooking(w http.ResponseWriter, r *http.Request) {
	caller := identityFromContext(r.Context())
	if caller.Role != models.RoleDriver {
		s.writeError(w, r, lifecycle.ErrForbidden)
		return
	}
	b, err := s.manager.ClaimBooking(r.Context(), caller.ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	target, ok := models.ParseStatus(req.Status)
	if !ok {
		s.writeError(w, r, badRequest(errors.New("unknown status")))
		return
	}
	caller := identityFromContext(r.Context())
	b, err := s.manager.TransitionBooking(r.Context(), caller, mux.Vars(r)["id"], target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	caller := identityFromContext(r.Context())
	b, err := s.manager.CancelBooking(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, badRequest(errors.New("lat and lng query parameters required")))
		return
	}
	limit := s.cfg.NearbyLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	drivers := s.tracker.Nearby(lat, lng, limit)
	if drivers == nil {
		drivers = []models.DriverLocation{}
	}
	s.writeJSON(w, http.StatusOK, drivers)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type locationPayload struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// handleWS authenticates the socket (query token or Authorization header),
// registers it with the event router and then pumps inbound messages.
// Drivers may push update_location frames; everything else is ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	id, err := s.verifier.Verify(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.realtime.Register(id.ID, id.Role, conn)

	defer func() {
		s.realtime.Unregister(conn)
		conn.Close()
	}()
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Event == "update_location" && id.Role == models.RoleDriver {
			var loc locationPayload
			if err := json.Unmarshal(msg.Data, &loc); err != nil {
				continue
			}
			s.handleLocationUpdate(id.ID, loc)
		}
	}
}

func (s *Server) handleLocationUpdate(driverID string, loc locationPayload) {
	u := models.LocationUpdate{DriverID: driverID, Lat: loc.Lat, Lng: loc.Lng, At: time.Now()}
	s.tracker.Upsert(u)
	if s.producer != nil {
		if err := s.producer.PublishLocation(u); err != nil {
			s.logger.Warn("location publish failed", "driver_id", driverID, "error", err)
		}
	}
	s.realtime.NotifyLocationUpdate(driverID, loc.Lat, loc.Lng)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps the domain error taxonomy onto HTTP statuses. Unknown
// errors become 500 with a generic body so internals never leak.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, lifecycle.ErrValidation), errors.Is(err, pricing.ErrInvalidInput), errors.Is(err, errBadRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrInvalidToken):
		status, msg = http.StatusUnauthorized, "invalid or missing token"
	case errors.Is(err, lifecycle.ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "booking not found"
	case errors.Is(err, store.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, store.ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "storage unavailable"
	default:
		s.logger.Error("request failed", "error", err, "path", r.URL.Path)
	}
	s.writeJSON(w, status, errorResponse{Error: msg, RequestID: requestIDFromContext(r.Context())})
}

var errBadRequest = errors.New("bad request")

func badRequest(err error) error {
	return errors.Join(errBadRequest, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
