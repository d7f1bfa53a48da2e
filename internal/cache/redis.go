package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/wa-marketing-back/internal/domain"
)

// RedisStore is the durable tier backed by Redis. Staleness is delegated
// to Redis expiry: entries are written with the store TTL, so a present
// key is by construction fresh.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

type redisEntry struct {
	Meta      domain.GroupMetadata `json:"meta"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, keyPrefix: "group_cache:", ttl: ttl}
}

func (s *RedisStore) Probe(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, groupID string) (domain.GroupMetadata, time.Time, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+groupID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.GroupMetadata{}, time.Time{}, ErrNotFound
		}
		return domain.GroupMetadata{}, time.Time{}, fmt.Errorf("get group cache entry: %w", err)
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.GroupMetadata{}, time.Time{}, fmt.Errorf("decode group cache entry: %w", err)
	}
	return entry.Meta, entry.UpdatedAt, nil
}

func (s *RedisStore) Upsert(ctx context.Context, meta domain.GroupMetadata) error {
	encoded, err := json.Marshal(redisEntry{Meta: meta, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode group cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+meta.GroupID, encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("set group cache entry: %w", err)
	}
	return nil
}
