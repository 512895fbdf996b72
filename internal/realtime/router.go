package realtime

import (
	"log/slog"
	"sync"

	"github.com/example/driverme/internal/models"
	"github.com/example/driverme/internal/observability"
)

// Event names on the wire.
const (
	EventNewBooking     = "new_booking"
	EventStatusChanged  = "booking_status_changed"
	EventDriverLocation = "driver_location_updated"
)

// Envelope frames every outbound message.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is the transport-facing subset of a connection the router needs.
// *websocket.Conn satisfies it; tests use a recording fake.
type Conn interface {
	WriteJSON(v any) error
}

// session pairs a connection with the actor it belongs to. The mutex
// serializes writes, as gorilla connections allow one writer at a time.
type session struct {
	actorID string
	role    models.Role
	conn    Conn
	mu      sync.Mutex
}

func (s *session) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// Router maps actor ids to their live connections and fans lifecycle
// events out to exactly the parties that need them. Delivery is
// fire-and-forget: failures are logged and counted, never surfaced, and
// an actor with no connections is a no-op. The registry is process-local
// and lost on restart.
type Router struct {
	mu      sync.RWMutex
	byActor map[string]map[*session]struct{}
	byConn  map[Conn]*session
	logger  *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		byActor: make(map[string]map[*session]struct{}),
		byConn:  make(map[Conn]*session),
		logger:  logger,
	}
}

// Register adds a connection for an actor. An actor may hold several
// connections (multi-device); all of them receive the same events.
// Registering the same connection twice is a no-op.
func (r *Router) Register(actorID string, role models.Role, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[conn]; ok {
		return
	}
	s := &session{actorID: actorID, role: role, conn: conn}
	if r.byActor[actorID] == nil {
		r.byActor[actorID] = make(map[*session]struct{})
	}
	r.byActor[actorID][s] = struct{}{}
	r.byConn[conn] = s
	observability.WSConnections.Inc()
}

// Unregister removes one connection. When it was the actor's last handle
// the actor simply becomes unreachable; events are dropped, not queued.
func (r *Router) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	if set, ok := r.byActor[s.actorID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byActor, s.actorID)
		}
	}
	observability.WSConnections.Dec()
}

// AnnounceNewBooking broadcasts a fresh pending booking to every
// connected driver. Drivers offline at announce time discover it through
// the pull-based listing instead.
func (r *Router) AnnounceNewBooking(b *models.Booking) {
	env := Envelope{Event: EventNewBooking, Data: b}
	for _, s := range r.snapshot(func(s *session) bool { return s.role == models.RoleDriver }) {
		r.deliver(s, env)
	}
}

// NotifyStatusChange delivers a lifecycle event to the booking's rider
// and driver, across all of their connections.
func (r *Router) NotifyStatusChange(ev models.StatusEvent) {
	env := Envelope{Event: EventStatusChanged, Data: ev}
	for _, s := range r.snapshot(func(s *session) bool {
		return s.actorID == ev.RiderID || (ev.DriverID != "" && s.actorID == ev.DriverID)
	}) {
		r.deliver(s, env)
	}
}

// NotifyLocationUpdate broadcasts a driver position to everyone except
// the originating driver's own connections.
func (r *Router) NotifyLocationUpdate(driverID string, lat, lng float64) {
	env := Envelope{Event: EventDriverLocation, Data: models.LocationUpdate{DriverID: driverID, Lat: lat, Lng: lng}}
	for _, s := range r.snapshot(func(s *session) bool { return s.actorID != driverID }) {
		r.deliver(s, env)
	}
}

// snapshot copies the matching sessions under the read lock so delivery
// happens outside it and tolerates concurrent disconnects.
func (r *Router) snapshot(match func(*session) bool) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.byConn))
	for _, s := range r.byConn {
		if match(s) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) deliver(s *session, env Envelope) {
	if err := s.send(env); err != nil {
		observability.EventsDropped.WithLabelValues(env.Event).Inc()
		r.logger.Warn("event delivery failed", "event", env.Event, "actor_id", s.actorID, "error", err)
		return
	}
	observability.EventsDelivered.WithLabelValues(env.Event).Inc()
}
