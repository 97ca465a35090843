package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courier-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p CourierPosition) {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	// GEOADD for the position, HSET for availability metadata
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.CourierID}).Result()
	_ = r.client.HSet(r.ctx, MetaKey(p.CourierID), MetaFields(p)).Err()
}

func (r *RedisGeo) Nearby(center models.Coord, radiusMeters float64, limit int) []CourierPosition {
	res, err := r.client.GeoRadius(r.ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]CourierPosition, 0, len(res))
	for _, g := range res {
		p := CourierPosition{CourierID: g.Name, Distance: g.Dist}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, MetaKey(g.Name)).Result(); err == nil {
			p.Available = m["available"] == "true"
			if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				p.Updated = ts
			}
		}
		if !p.Available {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *RedisGeo) Close() error { return r.client.Close() }

// MetaKey is the hash holding a courier's availability metadata.
func MetaKey(id string) string { return "courier:meta:" + id }

// MetaFields is the hash content written under MetaKey.
func MetaFields(p CourierPosition) map[string]interface{} {
	return map[string]interface{}{"available": strconv.FormatBool(p.Available), "updated": p.Updated.Format(time.RFC3339)}
}
