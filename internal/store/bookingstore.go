package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/driverme/internal/models"
)

var (
	// ErrNotFound means the booking id is unknown.
	ErrNotFound = errors.New("booking not found")
	// ErrConflict means the stored status no longer matched the expected
	// status; nothing was mutated. This is how a lost claim race surfaces.
	ErrConflict = errors.New("booking status conflict")
	// ErrUnavailable wraps backend failures. Callers decide on retry.
	ErrUnavailable = errors.New("booking store unavailable")
)

// Store defines persistence operations for bookings. The store is the
// single source of truth; everything else holds copies.
type Store interface {
	// Create assigns an id, sets status=pending and the booking time, and
	// persists the draft.
	Create(ctx context.Context, draft *models.Booking) (*models.Booking, error)
	Get(ctx context.Context, id string) (*models.Booking, error)
	// ListFor returns what the actor may see: riders their own bookings,
	// drivers their own plus unclaimed pending ones, admins everything.
	// Newest first.
	ListFor(ctx context.Context, actorID string, role models.Role) ([]*models.Booking, error)
	// CompareAndTransition applies mutate and moves status to next only if
	// the stored status still equals expected, atomically. On a stale
	// expectation it returns ErrConflict without mutating anything.
	CompareAndTransition(ctx context.Context, id string, expected, next models.Status, mutate func(*models.Booking)) (*models.Booking, error)
}

// MemoryStore is a mutex-guarded in-memory Store, used when no postgres
// DSN is configured and in tests. The single lock makes the
// guard-and-mutate of CompareAndTransition indivisible.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*models.Booking)}
}

func (m *MemoryStore) Create(ctx context.Context, draft *models.Booking) (*models.Booking, error) {
	b := draft.Clone()
	b.ID = uuid.NewString()
	b.Status = models.StatusPending
	now := time.Now()
	b.BookingTime = now
	b.UpdatedAt = now

	m.mu.Lock()
	m.bookings[b.ID] = b
	m.mu.Unlock()
	return b.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) ListFor(ctx context.Context, actorID string, role models.Role) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		if visibleTo(b, actorID, role) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingTime.After(out[j].BookingTime) })
	return out, nil
}

func visibleTo(b *models.Booking, actorID string, role models.Role) bool {
	switch role {
	case models.RoleAdmin:
		return true
	case models.RoleDriver:
		return b.DriverID == actorID || (b.DriverID == "" && b.Status == models.StatusPending)
	default:
		return b.RiderID == actorID
	}
}

func (m *MemoryStore) CompareAndTransition(ctx context.Context, id string, expected, next models.Status, mutate func(*models.Booking)) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != expected {
		return nil, ErrConflict
	}

	updated := cur.Clone()
	if mutate != nil {
		mutate(updated)
	}
	updated.Status = next
	updated.UpdatedAt = time.Now()
	m.bookings[id] = updated
	return updated.Clone(), nil
}
