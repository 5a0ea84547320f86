package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"leadpipe/internal/database"
	"leadpipe/internal/models"
)

const (
	statusKeyPrefix    = "upload:status:"
	cancelledKeyPrefix = "upload:cancelled:"

	// Short enough that polling clients see batch progress move; the cache
	// only has to absorb polling bursts, not serve as a second store.
	statusTTL    = 5 * time.Second
	cancelledTTL = 24 * time.Hour
)

// StatusCache is a read-through cache for status documents plus the
// cancellation markers the batch consumer checks before processing a
// queued batch.
type StatusCache struct {
	cache *database.Cache
}

func NewStatusCache(cache *database.Cache) *StatusCache {
	return &StatusCache{cache: cache}
}

func (sc *StatusCache) Get(ctx context.Context, uploadID string) (*models.StatusRecord, error) {
	data, err := sc.cache.Get(ctx, statusKeyPrefix+uploadID)
	if err != nil {
		return nil, err
	}

	var record models.StatusRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode cached status: %w", err)
	}
	return &record, nil
}

func (sc *StatusCache) Set(ctx context.Context, record *models.StatusRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return sc.cache.Set(ctx, statusKeyPrefix+record.UploadID, data, statusTTL)
}

func (sc *StatusCache) Delete(ctx context.Context, uploadID string) error {
	return sc.cache.Del(ctx, statusKeyPrefix+uploadID)
}

// MarkCancelled leaves a marker so queued batch messages for this upload can
// be drained on receipt. Kafka offers no in-place deletion; the marker plus
// the status record are the cooperative cancellation signal.
func (sc *StatusCache) MarkCancelled(ctx context.Context, uploadID string) error {
	return sc.cache.Set(ctx, cancelledKeyPrefix+uploadID, "1", cancelledTTL)
}

func (sc *StatusCache) IsCancelled(ctx context.Context, uploadID string) (bool, error) {
	return sc.cache.Exists(ctx, cancelledKeyPrefix+uploadID)
}
