package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/driverme/internal/auth"
	"github.com/example/driverme/internal/eta"
	"github.com/example/driverme/internal/geo"
	"github.com/example/driverme/internal/models"
	"github.com/example/driverme/internal/observability"
	"github.com/example/driverme/internal/pricing"
	"github.com/example/driverme/internal/store"
)

var (
	// ErrValidation rejects a malformed booking request.
	ErrValidation = errors.New("invalid booking request")
	// ErrForbidden means the caller's role or ownership does not permit
	// the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition means a terminal-state mutation or an illegal
	// edge was attempted.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Router is the realtime fan-out the manager emits into. Injected rather
// than reached through a global so tests can record emitted events.
type Router interface {
	AnnounceNewBooking(b *models.Booking)
	NotifyStatusChange(ev models.StatusEvent)
}

// Publisher receives committed lifecycle events for the audit feed.
// Best-effort; failures are logged, never surfaced.
type Publisher interface {
	PublishStatusEvent(ev models.StatusEvent) error
}

// Manager owns the booking state machine. It validates transitions
// against the caller role and current status, resolves the accept race
// through the store's compare-and-transition primitive, and emits a
// lifecycle event after every committed transition.
type Manager struct {
	Store  store.Store
	Router Router
	Pricer *pricing.Engine
	Audit  Publisher
	Logger *slog.Logger

	// Duration estimation for quotes when the rider supplies none.
	ETAClient       eta.Client
	ETACache        *eta.Cache
	DefaultSpeedMps float64

	// Now is a test hook; nil means time.Now.
	Now func() time.Time
}

// CreateInput carries the rider-facing booking fields. Distance, duration
// and price are optional: missing values are derived server-side.
type CreateInput struct {
	PickupAddress      string
	Pickup             models.Coord
	DestinationAddress string
	Destination        *models.Coord
	ServiceType        models.ServiceType
	DurationHours      int
	VehicleTier        models.VehicleTier
	DistanceKm         float64
	EstimatedDuration  float64 // minutes
	VoucherCode        string
	PaymentMethod      models.PaymentMethod
	Preferences        json.RawMessage
	EstimatedPrice     int64
	Notes              string
}

// QuotePrice computes a fare estimate at the current hour.
func (m *Manager) QuotePrice(tier models.VehicleTier, distanceKm, durationMinutes float64, voucherCode string) (pricing.Breakdown, error) {
	return m.Pricer.Quote(tier, distanceKm, durationMinutes, voucherCode, m.now())
}

// CreateBooking validates the request, prices it, persists it as pending
// and announces it to connected drivers.
func (m *Manager) CreateBooking(ctx context.Context, riderID string, in CreateInput) (*models.Booking, error) {
	if in.ServiceType == "" {
		in.ServiceType = models.ServicePointToPoint
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = models.PayCash
	}
	if riderID == "" {
		return nil, fmt.Errorf("%w: missing rider", ErrValidation)
	}
	if in.PickupAddress == "" || in.Pickup == (models.Coord{}) {
		return nil, fmt.Errorf("%w: pickup location required", ErrValidation)
	}
	switch in.ServiceType {
	case models.ServicePointToPoint:
		if in.Destination == nil || in.DestinationAddress == "" {
			return nil, fmt.Errorf("%w: destination required for point-to-point trips", ErrValidation)
		}
	case models.ServiceHourly:
		if in.DurationHours < 1 {
			return nil, fmt.Errorf("%w: rental duration must be at least one hour", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown service type %q", ErrValidation, in.ServiceType)
	}

	dist := in.DistanceKm
	if dist <= 0 && in.Destination != nil {
		dist = geo.Haversine(in.Pickup.Lat, in.Pickup.Lng, in.Destination.Lat, in.Destination.Lng) / 1000
	}
	duration := in.EstimatedDuration
	if duration <= 0 {
		if in.ServiceType == models.ServiceHourly {
			duration = float64(in.DurationHours) * 60
		} else {
			duration = m.estimateMinutes(in.Pickup, in.Destination)
		}
	}

	now := m.now()
	// Quote server-side where the inputs resolve; otherwise keep the
	// client's estimate (hourly rentals without a distance, mainly).
	price := in.EstimatedPrice
	if bd, err := m.Pricer.Quote(in.VehicleTier, dist, duration, in.VoucherCode, now); err == nil {
		price = bd.FinalPrice
	}

	hours := 0
	if in.ServiceType == models.ServiceHourly {
		hours = in.DurationHours
	}
	draft := &models.Booking{
		RiderID:            riderID,
		PickupAddress:      in.PickupAddress,
		Pickup:             in.Pickup,
		DestinationAddress: in.DestinationAddress,
		Destination:        in.Destination,
		ServiceType:        in.ServiceType,
		DurationHours:      hours,
		VehicleTier:        in.VehicleTier,
		DistanceKm:         dist,
		EstimatedDuration:  duration,
		VoucherCode:        in.VoucherCode,
		PaymentMethod:      in.PaymentMethod,
		Preferences:        in.Preferences,
		EstimatedPrice:     price,
		Notes:              in.Notes,
	}
	created, err := m.Store.Create(ctx, draft)
	if err != nil {
		return nil, err
	}

	observability.BookingsCreated.Inc()
	if m.Router != nil {
		m.Router.AnnounceNewBooking(created)
	}
	m.audit(models.StatusEvent{BookingID: created.ID, NewStatus: created.Status, RiderID: created.RiderID, At: now})
	return created, nil
}

// GetBooking returns the booking to its parties or an admin. Like the
// listing, outsiders learn nothing: they get not-found, not forbidden.
func (m *Manager) GetBooking(ctx context.Context, caller auth.Identity, id string) (*models.Booking, error) {
	b, err := m.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Role != models.RoleAdmin && b.RiderID != caller.ID && b.DriverID != caller.ID {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (m *Manager) ListBookings(ctx context.Context, caller auth.Identity) ([]*models.Booking, error) {
	return m.Store.ListFor(ctx, caller.ID, caller.Role)
}

// ClaimBooking is the race-safe accept. Among N concurrent claims for one
// pending booking exactly one compare-and-transition succeeds; the rest
// observe a conflict, reported as "booking no longer available". No
// locking beyond the store's single atomic check is involved.
func (m *Manager) ClaimBooking(ctx context.Context, driverID, id string) (*models.Booking, error) {
	now := m.now()
	updated, err := m.Store.CompareAndTransition(ctx, id, models.StatusPending, models.StatusAccepted, func(b *models.Booking) {
		b.DriverID = driverID
		if b.PickupTime == nil {
			t := now
			b.PickupTime = &t
		}
	})
	if errors.Is(err, store.ErrConflict) {
		observability.ClaimConflicts.Inc()
		return nil, fmt.Errorf("booking no longer available: %w", store.ErrConflict)
	}
	if err != nil {
		return nil, err
	}

	observability.ClaimsTotal.Inc()
	observability.TransitionsTotal.WithLabelValues(string(models.StatusAccepted)).Inc()
	m.emit(models.StatusPending, updated)
	return updated, nil
}

// TransitionBooking moves a booking along the state machine on behalf of
// the caller. Terminal bookings reject every attempt regardless of role.
func (m *Manager) TransitionBooking(ctx context.Context, caller auth.Identity, id string, target models.Status) (*models.Booking, error) {
	if target == models.StatusAccepted {
		if caller.Role == models.RoleDriver {
			return m.ClaimBooking(ctx, caller.ID, id)
		}
		return nil, fmt.Errorf("%w: only drivers claim bookings", ErrForbidden)
	}

	b, err := m.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Terminal() {
		return nil, fmt.Errorf("%w: booking is %s", ErrInvalidTransition, b.Status)
	}
	if err := authorize(caller, b, target); err != nil {
		return nil, err
	}
	if !validEdge(b.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, target)
	}

	now := m.now()
	updated, err := m.Store.CompareAndTransition(ctx, id, b.Status, target, func(nb *models.Booking) {
		switch target {
		case models.StatusInProgress:
			if nb.StartTime == nil {
				t := now
				nb.StartTime = &t
			}
		case models.StatusCompleted:
			if nb.EndTime == nil {
				t := now
				nb.EndTime = &t
			}
			nb.FinalPrice = m.settlementPrice(nb, now)
		}
	})
	if err != nil {
		return nil, err
	}

	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	m.emit(b.Status, updated)
	return updated, nil
}

// CancelBooking cancels on behalf of the caller, subject to the same
// role and state rules as any other transition.
func (m *Manager) CancelBooking(ctx context.Context, caller auth.Identity, id string) (*models.Booking, error) {
	return m.TransitionBooking(ctx, caller, id, models.StatusCancelled)
}

// authorize enforces the role rules before any transition: admins may
// always transition; a driver may only advance or cancel a booking it
// owns; a rider may only cancel its own booking.
func authorize(caller auth.Identity, b *models.Booking, target models.Status) error {
	switch caller.Role {
	case models.RoleAdmin:
		return nil
	case models.RoleDriver:
		if b.DriverID != caller.ID {
			return fmt.Errorf("%w: booking belongs to another driver", ErrForbidden)
		}
		return nil
	case models.RoleRider:
		if target != models.StatusCancelled {
			return fmt.Errorf("%w: riders may only cancel", ErrForbidden)
		}
		if b.RiderID != caller.ID {
			return fmt.Errorf("%w: booking belongs to another rider", ErrForbidden)
		}
		return nil
	default:
		return ErrForbidden
	}
}

// validEdge encodes the state machine: pending -> accepted -> in_progress
// -> completed, with cancellation reachable from every non-terminal state.
func validEdge(from, to models.Status) bool {
	switch to {
	case models.StatusCancelled:
		return !from.Terminal()
	case models.StatusAccepted:
		return from == models.StatusPending
	case models.StatusInProgress:
		return from == models.StatusAccepted
	case models.StatusCompleted:
		return from == models.StatusInProgress
	default:
		return false
	}
}

// settlementPrice reprices a completed trip from its actual in-progress
// duration at the completion hour; the quote remains the fallback when
// the inputs do not resolve (no distance, or a degenerate duration).
func (m *Manager) settlementPrice(b *models.Booking, now time.Time) int64 {
	if b.StartTime != nil && b.DistanceKm > 0 {
		minutes := now.Sub(*b.StartTime).Minutes()
		if bd, err := m.Pricer.Quote(b.VehicleTier, b.DistanceKm, minutes, b.VoucherCode, now); err == nil {
			return bd.FinalPrice
		}
	}
	return b.EstimatedPrice
}

func (m *Manager) estimateMinutes(pickup models.Coord, dest *models.Coord) float64 {
	if dest == nil {
		return 0
	}
	if m.ETACache != nil {
		if v, ok := m.ETACache.Get(pickup, *dest); ok {
			return v / 60
		}
	}
	if m.ETAClient != nil {
		if v, err := m.ETAClient.EstimateSeconds(pickup, *dest); err == nil {
			if m.ETACache != nil {
				m.ETACache.Set(pickup, *dest, v)
			}
			return v / 60
		}
	}
	return eta.EstimateSeconds(pickup, *dest, m.DefaultSpeedMps) / 60
}

// emit notifies the booking's parties and feeds the audit stream, in
// store-commit order for any single booking.
func (m *Manager) emit(old models.Status, b *models.Booking) {
	ev := models.StatusEvent{
		BookingID: b.ID,
		OldStatus: old,
		NewStatus: b.Status,
		RiderID:   b.RiderID,
		DriverID:  b.DriverID,
		At:        m.now(),
	}
	if m.Router != nil {
		m.Router.NotifyStatusChange(ev)
	}
	m.audit(ev)
}

func (m *Manager) audit(ev models.StatusEvent) {
	if m.Audit == nil {
		return
	}
	if err := m.Audit.PublishStatusEvent(ev); err != nil && m.Logger != nil {
		m.Logger.Warn("audit publish failed", "booking_id", ev.BookingID, "error", err)
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
