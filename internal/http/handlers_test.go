package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driverme/internal/auth"
	"github.com/example/driverme/internal/config"
	"github.com/example/driverme/internal/geo"
	"github.com/example/driverme/internal/lifecycle"
	"github.com/example/driverme/internal/models"
	"github.com/example/driverme/internal/pricing"
	"github.com/example/driverme/internal/realtime"
	"github.com/example/driverme/internal/store"
)

var morningPeak = time.Date(2024, 3, 12, 7, 0, 0, 0, time.Local)

func newTestServer(t *testing.T) (*Server, *auth.Verifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := auth.NewVerifier("test-secret")
	router := realtime.NewRouter(logger)
	manager := &lifecycle.Manager{
		Store:           store.NewMemoryStore(),
		Router:          router,
		Pricer:          &pricing.Engine{},
		Logger:          logger,
		DefaultSpeedMps: 10,
		Now:             func() time.Time { return morningPeak },
	}
	cfg := config.ServerConfig{NearbyLimit: 8}
	s := New(cfg, logger, Deps{
		Manager:  manager,
		Realtime: router,
		Tracker:  geo.NewIndex(),
		Verifier: verifier,
	})
	return s, verifier
}

func token(t *testing.T, v *auth.Verifier, id string, role models.Role) string {
	t.Helper()
	tok, err := v.Sign(auth.Identity{ID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, s *Server, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeBooking(t *testing.T, w *httptest.ResponseRecorder) models.Booking {
	t.Helper()
	var b models.Booking
	require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
	return b
}

func createBody() map[string]any {
	return map[string]any{
		"pickup_address":      "1 Main St",
		"pickup":              map[string]float64{"lat": 10.77, "lng": 106.70},
		"destination_address": "2 Elm St",
		"destination":         map[string]float64{"lat": 10.80, "lng": 106.72},
		"service_type":        "point_to_point",
		"car_type":            "standard",
		"distance_km":         10,
		"estimated_duration":  20,
	}
}

func TestQuoteEndpoint(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)

	w := doJSON(t, s, http.MethodPost, "/api/v1/bookings/quote", rider, map[string]any{
		"car_type":         "standard",
		"distance_km":      10,
		"duration_minutes": 20,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var bd pricing.Breakdown
	require.NoError(t, json.NewDecoder(w.Body).Decode(&bd))
	// standard, 10 km, 20 min at 07:00: 99000 + 19800 peak + 9504 VAT.
	assert.Equal(t, int64(128304), bd.FinalPrice)
}

func TestQuoteRejectsBadInput(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)

	w := doJSON(t, s, http.MethodPost, "/api/v1/bookings/quote", rider, map[string]any{
		"car_type": "standard", "distance_km": -1, "duration_minutes": 20,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBooking(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)

	w := doJSON(t, s, http.MethodPost, "/api/v1/bookings", rider, createBody())
	require.Equal(t, http.StatusCreated, w.Code)

	b := decodeBooking(t, w)
	assert.Equal(t, "r1", b.RiderID)
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, int64(128304), b.EstimatedPrice)
	assert.NotEmpty(t, b.ID)
}

func TestCreateRequiresToken(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/v1/bookings", "", createBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDriverCannotCreateBooking(t *testing.T) {
	s, v := newTestServer(t)
	driver := token(t, v, "d1", models.RoleDriver)
	w := doJSON(t, s, http.MethodPost, "/api/v1/bookings", driver, createBody())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateValidation(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)

	body := createBody()
	delete(body, "destination")
	w := doJSON(t, s, http.MethodPost, "/api/v1/bookings", rider, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAcceptIsFirstComeFirstServed(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)
	d1 := token(t, v, "d1", models.RoleDriver)
	d2 := token(t, v, "d2", models.RoleDriver)

	created := decodeBooking(t, doJSON(t, s, http.MethodPost, "/api/v1/bookings", rider, createBody()))

	w := doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+created.ID+"/accept", d1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	accepted := decodeBooking(t, w)
	assert.Equal(t, "d1", accepted.DriverID)
	assert.Equal(t, models.StatusAccepted, accepted.Status)

	w = doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+created.ID+"/accept", d2, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAcceptRequiresDriverRole(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)
	created := decodeBooking(t, doJSON(t, s, http.MethodPost, "/api/v1/bookings", rider, createBody()))

	w := doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+created.ID+"/accept", rider, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatusTransitionAndCompletion(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)
	d1 := token(t, v, "d1", models.RoleDriver)

	created := decodeBooking(t, doJSON(t, s, http.MethodPost, "/api/v1/bookings", rider, createBody()))
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+created.ID+"/accept", d1, nil).Code)

	w := doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+created.ID+"/status", d1, map[string]string{"status": "in_progress"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+created.ID+"/status", d1, map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, w.Code)
	done := decodeBooking(t, w)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotZero(t, done.FinalPrice)
}

func TestSkippedTransitionIsUnprocessable(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)
	admin := token(t, v, "ops", models.RoleAdmin)

	created := decodeBooking(t, doJSON(t, s, http.MethodPost, "/api/v1/bookings", rider, createBody()))
	w := doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+created.ID+"/status", admin, map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCancelOwnBooking(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)
	created := decodeBooking(t, doJSON(t, s, http.MethodPost, "/api/v1/bookings", rider, createBody()))

	w := doJSON(t, s, http.MethodDelete, "/api/v1/bookings/"+created.ID, rider, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusCancelled, decodeBooking(t, w).Status)

	// Second cancel hits a terminal booking.
	w = doJSON(t, s, http.MethodDelete, "/api/v1/bookings/"+created.ID, rider, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCancelForeignBookingForbidden(t *testing.T) {
	s, v := newTestServer(t)
	r1 := token(t, v, "r1", models.RoleRider)
	r2 := token(t, v, "r2", models.RoleRider)
	created := decodeBooking(t, doJSON(t, s, http.MethodPost, "/api/v1/bookings", r1, createBody()))

	w := doJSON(t, s, http.MethodDelete, "/api/v1/bookings/"+created.ID, r2, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetBookingVisibility(t *testing.T) {
	s, v := newTestServer(t)
	r1 := token(t, v, "r1", models.RoleRider)
	r2 := token(t, v, "r2", models.RoleRider)
	created := decodeBooking(t, doJSON(t, s, http.MethodPost, "/api/v1/bookings", r1, createBody()))

	assert.Equal(t, http.StatusOK, doJSON(t, s, http.MethodGet, "/api/v1/bookings/"+created.ID, r1, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, s, http.MethodGet, "/api/v1/bookings/"+created.ID, r2, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, s, http.MethodGet, "/api/v1/bookings/missing", r1, nil).Code)
}

func TestListBookings(t *testing.T) {
	s, v := newTestServer(t)
	r1 := token(t, v, "r1", models.RoleRider)
	r2 := token(t, v, "r2", models.RoleRider)
	doJSON(t, s, http.MethodPost, "/api/v1/bookings", r1, createBody())
	doJSON(t, s, http.MethodPost, "/api/v1/bookings", r1, createBody())
	doJSON(t, s, http.MethodPost, "/api/v1/bookings", r2, createBody())

	w := doJSON(t, s, http.MethodGet, "/api/v1/bookings", r1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Booking
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 2)
}

func TestNearbyDrivers(t *testing.T) {
	s, v := newTestServer(t)
	rider := token(t, v, "r1", models.RoleRider)
	s.tracker.Upsert(models.LocationUpdate{DriverID: "d1", Lat: 10.771, Lng: 106.701})
	s.tracker.Upsert(models.LocationUpdate{DriverID: "d2", Lat: 10.900, Lng: 106.900})

	w := doJSON(t, s, http.MethodGet, "/api/v1/drivers/nearby?lat=10.77&lng=106.70&limit=1", rider, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var drivers []models.DriverLocation
	require.NoError(t, json.NewDecoder(w.Body).Decode(&drivers))
	require.Len(t, drivers, 1)
	assert.Equal(t, "d1", drivers[0].DriverID)
}

func TestExpiredTokenRejected(t *testing.T) {
	s, v := newTestServer(t)
	expired, err := v.Sign(auth.Identity{ID: "r1", Role: models.RoleRider}, -time.Minute)
	require.NoError(t, err)
	w := doJSON(t, s, http.MethodGet, "/api/v1/bookings", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
