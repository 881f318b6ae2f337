package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands, for deployments where
// the presence set is shared across API and consumer processes.
type RedisIndex struct {
	client    *redis.Client
	key       string
	freshness time.Duration
	now       func() time.Time
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key, freshness: FreshnessWindow, now: time.Now}
}

// SetFreshness overrides the default staleness window.
func (r *RedisIndex) SetFreshness(d time.Duration) {
	if d > 0 {
		r.freshness = d
	}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, lat, lon float64) error {
	if !validCoords(lat, lon) {
		return apperrors.Validation("coordinates out of range: %f,%f", lat, lon)
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: driverID}).Err(); err != nil {
		return apperrors.Unavailable("geo index: %v", err)
	}
	err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"updated": r.now().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return apperrors.Unavailable("geo index meta: %v", err)
	}
	return nil
}

func (r *RedisIndex) Query(ctx context.Context, lat, lon, radiusMiles float64, limit int) ([]models.Candidate, error) {
	if !validCoords(lat, lon) {
		return nil, apperrors.Validation("coordinates out of range: %f,%f", lat, lon)
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusMiles,
		Unit:      "mi",
		WithDist:  true,
		WithCoord: true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, apperrors.Unavailable("geo query: %v", err)
	}

	cutoff := r.now().Add(-r.freshness)
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		// GEO members never expire on their own; filter on the meta
		// timestamp so stale drivers drop out of results.
		updated, err := r.client.HGet(ctx, metaKey(g.Name), "updated").Result()
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, updated)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:      g.Name,
			DistanceMiles: g.Dist,
			Loc:           models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out, nil
}

func (r *RedisIndex) Position(ctx context.Context, driverID string) (*models.Presence, error) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return nil, apperrors.Unavailable("geo pos: %v", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return nil, apperrors.NotFound("driver position " + driverID)
	}
	updated, err := r.client.HGet(ctx, metaKey(driverID), "updated").Result()
	if err != nil {
		return nil, apperrors.NotFound("driver position " + driverID)
	}
	ts, err := time.Parse(time.RFC3339, updated)
	if err != nil || ts.Before(r.now().Add(-r.freshness)) {
		return nil, apperrors.NotFound("driver position " + driverID)
	}
	return &models.Presence{
		DriverID: driverID,
		Loc:      models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude},
		Online:   true,
		Updated:  ts,
	}, nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return apperrors.Unavailable("geo remove: %v", err)
	}
	_ = r.client.Del(ctx, metaKey(driverID)).Err()
	return nil
}

func metaKey(id string) string { return "driver:presence:" + id }
