// Package cache holds transient delivery state in Redis. Locations are
// not persisted to Postgres; a missing entry just means the driver has
// not pinged yet.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocationNotFound is returned when no location has been recorded for
// an order, or the last one expired.
var ErrLocationNotFound = errors.New("driver location not found")

// locationTTL bounds staleness: a driver that stops pinging disappears
// from the map instead of showing a frozen marker.
const locationTTL = 5 * time.Minute

// DriverLocation is the last reported position of an order's driver.
type DriverLocation struct {
	DriverID   uuid.UUID `json:"driver_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LocationCache stores the last-known driver location per order.
type LocationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func NewLocationCache(rdb *redis.Client) *LocationCache {
	return &LocationCache{rdb: rdb, ttl: locationTTL}
}

func locationKey(orderID uuid.UUID) string {
	return "location:order:" + orderID.String()
}

// Set overwrites the order's last-known location and resets the TTL.
func (c *LocationCache) Set(ctx context.Context, orderID uuid.UUID, loc DriverLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	if err := c.rdb.Set(ctx, locationKey(orderID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set location: %w", err)
	}
	return nil
}

// Get returns the order's last-known location, or ErrLocationNotFound.
func (c *LocationCache) Get(ctx context.Context, orderID uuid.UUID) (DriverLocation, error) {
	var loc DriverLocation

	data, err := c.rdb.Get(ctx, locationKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return loc, ErrLocationNotFound
	}
	if err != nil {
		return loc, fmt.Errorf("get location: %w", err)
	}
	if err := json.Unmarshal(data, &loc); err != nil {
		return loc, fmt.Errorf("unmarshal location: %w", err)
	}
	return loc, nil
}
