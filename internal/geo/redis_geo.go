package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driverme/internal/models"
)

// RedisGeo implements Tracker on Redis GEO commands so multiple API nodes
// share one live-location view.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(u models.LocationUpdate) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: u.Lng,
		Latitude:  u.Lat,
		Name:      u.DriverID,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(u.DriverID), map[string]interface{}{
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(lat, lng float64, limit int) []models.DriverLocation {
	res, err := r.client.GeoRadius(r.ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius:    5000,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		d := models.DriverLocation{
			DriverID: g.Name,
			Loc:      models.Coord{Lat: g.Latitude, Lng: g.Longitude},
		}
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					d.Updated = ts
				}
			}
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
