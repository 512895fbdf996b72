package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/driverme/internal/models"
)

// Tracker maintains live driver positions, fed by websocket location
// updates (and by the kafka consumer when running split). Lookups power
// the nearby-drivers listing only; assignment stays first-to-accept.
type Tracker interface {
	Upsert(u models.LocationUpdate)
	Nearby(lat, lng float64, limit int) []models.DriverLocation
}

// Index is the in-process Tracker used when Redis is not configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation)}
}

func (g *Index) Upsert(u models.LocationUpdate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[u.DriverID] = models.DriverLocation{
		DriverID: u.DriverID,
		Loc:      models.Coord{Lat: u.Lat, Lng: u.Lng},
		Updated:  time.Now(),
	}
}

// naive scan; fine for the handful of live drivers a single node tracks
func (g *Index) Nearby(lat, lng float64, limit int) []models.DriverLocation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.DriverLocation, 0, len(g.drivers))
	for _, d := range g.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return Haversine(lat, lng, out[i].Loc.Lat, out[i].Loc.Lng) <
			Haversine(lat, lng, out[j].Loc.Lat, out[j].Loc.Lng)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
