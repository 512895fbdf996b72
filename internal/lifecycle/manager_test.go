package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driverme/internal/auth"
	"github.com/example/driverme/internal/models"
	"github.com/example/driverme/internal/pricing"
	"github.com/example/driverme/internal/store"
)

type recordingRouter struct {
	mu        sync.Mutex
	announced []*models.Booking
	events    []models.StatusEvent
}

func (r *recordingRouter) AnnounceNewBooking(b *models.Booking) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announced = append(r.announced, b)
}

func (r *recordingRouter) NotifyStatusChange(ev models.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRouter) lastEvent() models.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

var noon = time.Date(2024, 3, 12, 12, 0, 0, 0, time.Local)

func newTestManager() (*Manager, *recordingRouter) {
	router := &recordingRouter{}
	m := &Manager{
		Store:           store.NewMemoryStore(),
		Router:          router,
		Pricer:          &pricing.Engine{},
		DefaultSpeedMps: 10,
		Now:             func() time.Time { return noon },
	}
	return m, router
}

func p2pInput() CreateInput {
	return CreateInput{
		PickupAddress:      "1 Main St",
		Pickup:             models.Coord{Lat: 10.77, Lng: 106.70},
		DestinationAddress: "2 Elm St",
		Destination:        &models.Coord{Lat: 10.80, Lng: 106.72},
		ServiceType:        models.ServicePointToPoint,
		VehicleTier:        models.TierStandard,
		DistanceKm:         10,
		EstimatedDuration:  20,
		PaymentMethod:      models.PayCash,
	}
}

func rider(id string) auth.Identity  { return auth.Identity{ID: id, Role: models.RoleRider} }
func driver(id string) auth.Identity { return auth.Identity{ID: id, Role: models.RoleDriver} }
func admin() auth.Identity           { return auth.Identity{ID: "ops", Role: models.RoleAdmin} }

func TestCreateBookingQuotesAndAnnounces(t *testing.T) {
	m, router := newTestManager()
	b, err := m.CreateBooking(context.Background(), "r1", p2pInput())
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, b.Status)
	assert.Empty(t, b.DriverID)
	// standard, 10 km, 20 min, noon: 99000 subtotal + 7920 VAT.
	assert.Equal(t, int64(106920), b.EstimatedPrice)

	require.Len(t, router.announced, 1)
	assert.Equal(t, b.ID, router.announced[0].ID)
}

func TestCreateBookingDerivesDistanceAndDuration(t *testing.T) {
	m, _ := newTestManager()
	in := p2pInput()
	in.DistanceKm = 0
	in.EstimatedDuration = 0

	b, err := m.CreateBooking(context.Background(), "r1", in)
	require.NoError(t, err)
	assert.Greater(t, b.DistanceKm, 0.0)
	assert.Greater(t, b.EstimatedDuration, 0.0)
	assert.Greater(t, b.EstimatedPrice, int64(0))
}

func TestCreateBookingValidation(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	in := p2pInput()
	in.PickupAddress = ""
	_, err := m.CreateBooking(ctx, "r1", in)
	assert.ErrorIs(t, err, ErrValidation)

	in = p2pInput()
	in.Destination = nil
	_, err = m.CreateBooking(ctx, "r1", in)
	assert.ErrorIs(t, err, ErrValidation)

	in = p2pInput()
	in.ServiceType = models.ServiceHourly
	in.DurationHours = 0
	_, err = m.CreateBooking(ctx, "r1", in)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateHourlyBookingPricesByRentalHours(t *testing.T) {
	m, _ := newTestManager()
	in := CreateInput{
		PickupAddress: "1 Main St",
		Pickup:        models.Coord{Lat: 10.77, Lng: 106.70},
		ServiceType:   models.ServiceHourly,
		DurationHours: 2,
		VehicleTier:   models.TierEconomy,
		DistanceKm:    5,
	}
	b, err := m.CreateBooking(context.Background(), "r1", in)
	require.NoError(t, err)
	assert.Equal(t, 2, b.DurationHours)
	assert.Equal(t, 120.0, b.EstimatedDuration)
	// 10000 + 25000 + 60000 = 95000 subtotal, VAT 7600.
	assert.Equal(t, int64(102600), b.EstimatedPrice)
}

func TestClaimSetsDriverAndPickupTime(t *testing.T) {
	m, router := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)

	claimed, err := m.ClaimBooking(ctx, "d1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, claimed.Status)
	assert.Equal(t, "d1", claimed.DriverID)
	require.NotNil(t, claimed.PickupTime)

	ev := router.lastEvent()
	assert.Equal(t, models.StatusPending, ev.OldStatus)
	assert.Equal(t, models.StatusAccepted, ev.NewStatus)
	assert.Equal(t, "r1", ev.RiderID)
	assert.Equal(t, "d1", ev.DriverID)
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)

	const n = 24
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winner    string
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			got, err := m.ClaimBooking(ctx, id, b.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winner = got.DriverID
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.NotEmpty(t, winner)
	assert.Equal(t, n-1, conflicts)

	final, err := m.Store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, final.DriverID)
}

func TestClaimCancelledBookingConflicts(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)
	_, err = m.CancelBooking(ctx, rider("r1"), b.ID)
	require.NoError(t, err)

	_, err = m.ClaimBooking(ctx, "d1", b.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestFullTripLifecycle(t *testing.T) {
	m, router := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)

	_, err = m.ClaimBooking(ctx, "d1", b.ID)
	require.NoError(t, err)

	started, err := m.TransitionBooking(ctx, driver("d1"), b.ID, models.StatusInProgress)
	require.NoError(t, err)
	require.NotNil(t, started.StartTime)

	done, err := m.TransitionBooking(ctx, driver("d1"), b.ID, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.EndTime)
	// Start and end share the fixed clock, so the actual-duration
	// settlement cannot resolve and the quote stands.
	assert.Equal(t, done.EstimatedPrice, done.FinalPrice)

	assert.Equal(t, models.StatusInProgress, router.lastEvent().OldStatus)
	assert.Equal(t, models.StatusCompleted, router.lastEvent().NewStatus)
}

func TestCompletionReprices(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)
	_, err = m.ClaimBooking(ctx, "d1", b.ID)
	require.NoError(t, err)
	_, err = m.TransitionBooking(ctx, driver("d1"), b.ID, models.StatusInProgress)
	require.NoError(t, err)

	// The trip runs 40 minutes instead of the quoted 20.
	m.Now = func() time.Time { return noon.Add(40 * time.Minute) }
	done, err := m.TransitionBooking(ctx, driver("d1"), b.ID, models.StatusCompleted)
	require.NoError(t, err)

	// standard, 10 km, 40 min at 12:40: 113000 subtotal + 9040 VAT.
	assert.Equal(t, int64(122040), done.FinalPrice)
	assert.NotEqual(t, done.EstimatedPrice, done.FinalPrice)
}

func TestTerminalStatesRejectEveryRole(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	for _, terminalize := range []models.Status{models.StatusCancelled, models.StatusCompleted} {
		b, err := m.CreateBooking(ctx, "r1", p2pInput())
		require.NoError(t, err)
		_, err = m.ClaimBooking(ctx, "d1", b.ID)
		require.NoError(t, err)
		if terminalize == models.StatusCompleted {
			_, err = m.TransitionBooking(ctx, admin(), b.ID, models.StatusInProgress)
			require.NoError(t, err)
		}
		_, err = m.TransitionBooking(ctx, admin(), b.ID, terminalize)
		require.NoError(t, err)

		for _, caller := range []auth.Identity{rider("r1"), driver("d1"), admin()} {
			_, err := m.TransitionBooking(ctx, caller, b.ID, models.StatusCancelled)
			assert.ErrorIs(t, err, ErrInvalidTransition, "caller %s after %s", caller.Role, terminalize)
		}
	}
}

func TestCancellationKeepsDriverID(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)
	_, err = m.ClaimBooking(ctx, "d1", b.ID)
	require.NoError(t, err)

	cancelled, err := m.CancelBooking(ctx, rider("r1"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, "d1", cancelled.DriverID)
}

func TestRiderMayOnlyCancelOwnBooking(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)

	_, err = m.CancelBooking(ctx, rider("r2"), b.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.TransitionBooking(ctx, rider("r1"), b.ID, models.StatusInProgress)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDriverMayNotAdvanceForeignBooking(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)
	_, err = m.ClaimBooking(ctx, "d1", b.ID)
	require.NoError(t, err)

	_, err = m.TransitionBooking(ctx, driver("d2"), b.ID, models.StatusInProgress)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.CancelBooking(ctx, driver("d2"), b.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// The owning driver may cancel after acceptance.
	_, err = m.CancelBooking(ctx, driver("d1"), b.ID)
	assert.NoError(t, err)
}

func TestDriverMayNotCancelPendingBooking(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)

	_, err = m.CancelBooking(ctx, driver("d1"), b.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSkippingStatesIsInvalid(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)

	_, err = m.TransitionBooking(ctx, admin(), b.ID, models.StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.TransitionBooking(ctx, admin(), b.ID, models.StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGetBookingHidesFromOutsiders(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	b, err := m.CreateBooking(ctx, "r1", p2pInput())
	require.NoError(t, err)

	_, err = m.GetBooking(ctx, rider("r2"), b.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := m.GetBooking(ctx, rider("r1"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	got, err = m.GetBooking(ctx, admin(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestUnknownBookingNotFound(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.TransitionBooking(context.Background(), admin(), "missing", models.StatusCancelled)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
