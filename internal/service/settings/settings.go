// Package settings exposes operator-facing runtime switches, most
// importantly the sync kill switch. Values live in Postgres; reads go
// through a short-TTL Redis cache because every sync batch checks the
// kill switch before doing work.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/clientsync/internal/pkg/logger"
)

// ErrNotFound is returned when no value exists for a key.
var ErrNotFound = errors.New("setting not found")

// KeySyncPaused is the kill switch: when true, sync triggers record a
// skipped run and do nothing.
const KeySyncPaused = "sync_paused"

const cacheTTL = 10 * time.Second

// Store is the persistent backing for settings values.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
}

// Service caches settings reads in Redis. A nil redis client degrades
// to straight Postgres reads.
type Service struct {
	store Store
	rdb   *redis.Client
}

// NewService constructs a settings service. rdb may be nil.
func NewService(store Store, rdb *redis.Client) *Service {
	return &Service{store: store, rdb: rdb}
}

func (s *Service) cacheKey(key string) string {
	return "clientsync:setting:" + key
}

// Get returns the raw JSON value for a key, from cache when fresh.
func (s *Service) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, s.cacheKey(key)).Bytes(); err == nil {
			return cached, nil
		}
	}

	val, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, s.cacheKey(key), []byte(val), cacheTTL).Err(); err != nil {
			logger.Warn("settings cache write failed", "key", key, "error", err.Error())
		}
	}
	return val, nil
}

// Set writes a value and invalidates its cache entry immediately, so a
// flipped kill switch takes effect on the next batch rather than after
// the TTL.
func (s *Service) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("setting %s: value is not valid JSON", key)
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, s.cacheKey(key)).Err(); err != nil {
			logger.Warn("settings cache invalidation failed", "key", key, "error", err.Error())
		}
	}
	return nil
}

// SyncPaused reports the kill switch state. A missing or unreadable
// value reads as not paused, on the principle that a broken settings
// row should not silently stop all syncing.
func (s *Service) SyncPaused(ctx context.Context) (bool, error) {
	raw, err := s.Get(ctx, KeySyncPaused)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var paused bool
	if err := json.Unmarshal(raw, &paused); err != nil {
		return false, fmt.Errorf("decode %s: %w", KeySyncPaused, err)
	}
	return paused, nil
}

// SetSyncPaused flips the kill switch.
func (s *Service) SetSyncPaused(ctx context.Context, paused bool) error {
	val, _ := json.Marshal(paused)
	return s.Set(ctx, KeySyncPaused, val)
}
