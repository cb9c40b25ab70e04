package geometry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trip-replay/internal/trip"
)

// RedisStore shares resolved routes between replay instances.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration // 0 keeps entries forever
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "route-geometry"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(roadID trip.RoadID) string {
	return s.prefix + ":" + string(roadID)
}

func (s *RedisStore) Get(ctx context.Context, roadID trip.RoadID) ([]trip.Coord, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(roadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis geometry get road=%s: %w", roadID, err)
	}
	p, err := DecodePath(b)
	if err != nil {
		return nil, false, fmt.Errorf("redis geometry get road=%s: %w", roadID, err)
	}
	return p, true, nil
}

func (s *RedisStore) Put(ctx context.Context, roadID trip.RoadID, path []trip.Coord) error {
	if roadID == "" {
		return errors.New("redis geometry put: empty road id")
	}
	b, err := EncodePath(path)
	if err != nil {
		return fmt.Errorf("redis geometry put road=%s: %w", roadID, err)
	}
	if err := s.rdb.Set(ctx, s.key(roadID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis geometry put road=%s: %w", roadID, err)
	}
	return nil
}
