package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/redis/go-redis/v9"
)

const lastPositionTtl = 24 * time.Hour

// CachedStorage decorates a Storage with a Redis last-position cache.
// Last-position lookups happen on every decoded message, so they are the
// hottest read path in the whole pipeline.
type CachedStorage struct {
	Storage
	client *redis.Client
}

func NewCachedStorage(ctx context.Context, backend Storage, cfg *config.StorageConfig) (*CachedStorage, error) {
	log := config.GetLogger(ctx)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis. %v", err)
	}

	log.Infof("Connected to redis at %s", cfg.RedisAddress)

	return &CachedStorage{
		Storage: backend,
		client:  client,
	}, nil
}

func lastPositionKey(deviceId int64) string {
	return fmt.Sprintf("gtrd:lastposition:%d", deviceId)
}

// shouldCacheLast keeps the cached "last" monotonic by fix time, matching
// the backends. A replayed batch position must not regress it.
func shouldCacheLast(position, last *model.Position) bool {
	if last == nil || last.Id == position.Id {
		return true
	}
	return !position.FixTime.Before(last.FixTime)
}

func (s *CachedStorage) AddPosition(ctx context.Context, position *model.Position) (int64, error) {
	log := config.GetLogger(ctx)

	id, err := s.Storage.AddPosition(ctx, position)
	if err != nil {
		return 0, err
	}

	if last, lastErr := s.GetLastPosition(ctx, position.DeviceId); lastErr == nil &&
		!shouldCacheLast(position, last) {
		return id, nil
	}

	data, err := json.Marshal(position)
	if err == nil {
		err = s.client.Set(ctx, lastPositionKey(position.DeviceId), data, lastPositionTtl).Err()
	}
	if err != nil {
		// Cache failures are not storage failures.
		log.Warnf("Failed to cache last position of device %d. %v", position.DeviceId, err)
	}

	return id, nil
}

func (s *CachedStorage) GetLastPosition(ctx context.Context, deviceId int64) (*model.Position, error) {
	log := config.GetLogger(ctx)

	data, err := s.client.Get(ctx, lastPositionKey(deviceId)).Bytes()
	if err == nil {
		var position model.Position
		if err := json.Unmarshal(data, &position); err == nil {
			return &position, nil
		}
		log.Warnf("Corrupted cache entry for device %d, falling back to storage", deviceId)
	} else if !errors.Is(err, redis.Nil) {
		log.Warnf("Redis lookup failed for device %d. %v", deviceId, err)
	}

	return s.Storage.GetLastPosition(ctx, deviceId)
}

func (s *CachedStorage) Close(ctx context.Context) error {
	if err := s.client.Close(); err != nil {
		return err
	}
	return s.Storage.Close(ctx)
}
