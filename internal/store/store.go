package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/metrics"
	"mealsync/internal/models"

	"github.com/rs/zerolog"
)

type Options struct {
	KeyPrefix     string
	MaxRetries    int
	CacheCapacity int
}

func (o *Options) applyDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = models.DefaultKeyPrefix
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = models.DefaultMaxRetries
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = models.DefaultCacheCapacity
	}
}

// Store is the durable work store: pending uploads, cached server records
// and the generic sync queue, each persisted as its own JSON array.
type Store struct {
	kv     domain.KV
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	pending *collection[models.PendingUpload]
	cache   *collection[models.CachedRecord]
	queue   *collection[models.SyncQueueItem]
}

var _ domain.WorkStore = (*Store)(nil)

// Open wraps kv and migrates legacy upload-kind queue items into pending uploads.
func Open(ctx context.Context, kv domain.KV, opts Options, logger *zerolog.Logger) (*Store, error) {
	opts.applyDefaults()
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "store").Logger()
	}

	s := &Store{
		kv:      kv,
		opts:    opts,
		logger:  l,
		now:     time.Now,
		pending: newCollection[models.PendingUpload](kv, opts.KeyPrefix, models.CollectionPendingUploads),
		cache:   newCollection[models.CachedRecord](kv, opts.KeyPrefix, models.CollectionCachedRecords),
		queue:   newCollection[models.SyncQueueItem](kv, opts.KeyPrefix, models.CollectionSyncQueue),
	}

	if err := s.migrateLegacyUploads(ctx); err != nil {
		return nil, fmt.Errorf("migrate legacy uploads: %w", err)
	}
	return s, nil
}

func (s *Store) MaxRetries() int { return s.opts.MaxRetries }

func (s *Store) Close() error { return s.kv.Close() }

// Pending uploads.

func (s *Store) AddPendingUpload(ctx context.Context, item models.PendingUpload) error {
	if item.ID == "" {
		return fmt.Errorf("pending upload id is required")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	if err := s.pending.put(ctx, item); err != nil {
		return err
	}
	s.logger.Debug().Str("id", item.ID).Str("file", item.Image.FileName).Msg("pending upload stored")
	return nil
}

func (s *Store) ListPendingUploads(ctx context.Context) ([]models.PendingUpload, error) {
	return s.pending.list(ctx)
}

func (s *Store) RemovePendingUpload(ctx context.Context, id string) error {
	found, err := s.pending.remove(ctx, id)
	if err != nil {
		return err
	}
	if found {
		s.logger.Debug().Str("id", id).Msg("pending upload removed")
	}
	return nil
}

// IncrementPendingUploadRetry records a failed attempt. The item is dropped
// once its retry count reaches MaxRetries.
func (s *Store) IncrementPendingUploadRetry(ctx context.Context, id, cause string) (bool, error) {
	at := s.now()
	item, found, removed, err := s.pending.incrementRetry(ctx, id, s.opts.MaxRetries, func(p *models.PendingUpload) int {
		return p.IncRetry(at, cause)
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if removed {
		s.logRetryExhausted(models.CollectionPendingUploads, id, item.RetryCount, cause)
	}
	return removed, nil
}

// Cached records.

// UpsertCachedRecord moves rec to the front and evicts the oldest records
// beyond capacity.
func (s *Store) UpsertCachedRecord(ctx context.Context, rec models.CachedRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("cached record id is required")
	}
	if rec.CachedAt.IsZero() {
		rec.CachedAt = s.now()
	}

	var evicted []string
	err := s.cache.mutate(ctx, func(items []models.CachedRecord) ([]models.CachedRecord, error) {
		evicted = nil
		out := make([]models.CachedRecord, 0, len(items)+1)
		out = append(out, rec)
		for _, it := range items {
			if it.ID != rec.ID {
				out = append(out, it)
			}
		}
		for len(out) > s.opts.CacheCapacity {
			evicted = append(evicted, out[len(out)-1].ID)
			out = out[:len(out)-1]
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	if len(evicted) > 0 {
		metrics.IncEviction(models.CollectionCachedRecords, metrics.ReasonCapacity, len(evicted))
		s.logger.Info().Strs("ids", evicted).Int("capacity", s.opts.CacheCapacity).Msg("cached records evicted")
	}
	return nil
}

func (s *Store) ListCachedRecords(ctx context.Context) ([]models.CachedRecord, error) {
	return s.cache.list(ctx)
}

func (s *Store) GetCachedRecord(ctx context.Context, id string) (*models.CachedRecord, error) {
	items, err := s.cache.list(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == id {
			rec := items[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("cached record %s: %w", id, models.ErrNotFound)
}

func (s *Store) RemoveCachedRecord(ctx context.Context, id string) error {
	_, err := s.cache.remove(ctx, id)
	return err
}

// ExpireCachedRecords drops records cached longer than maxAge ago.
func (s *Store) ExpireCachedRecords(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-maxAge)

	var expired []string
	err := s.cache.mutate(ctx, func(items []models.CachedRecord) ([]models.CachedRecord, error) {
		expired = nil
		out := items[:0]
		for _, it := range items {
			if it.CachedAt.Before(cutoff) {
				expired = append(expired, it.ID)
				continue
			}
			out = append(out, it)
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		metrics.IncEviction(models.CollectionCachedRecords, metrics.ReasonExpired, len(expired))
		s.logger.Info().Strs("ids", expired).Dur("max_age", maxAge).Msg("cached records expired")
	}
	return len(expired), nil
}

// Sync queue.

// AddQueueItem stores a deferred non-upload operation. Upload-kind items are
// refused; deferred images belong in the pending uploads collection.
func (s *Store) AddQueueItem(ctx context.Context, item models.SyncQueueItem) error {
	if item.ID == "" {
		return fmt.Errorf("sync queue item id is required")
	}
	if item.Kind == models.KindUpload {
		return models.ErrUploadKindRouted
	}
	if !item.Kind.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidKind, item.Kind)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	if err := s.queue.put(ctx, item); err != nil {
		return err
	}
	s.logger.Debug().Str("id", item.ID).Str("kind", string(item.Kind)).Msg("sync queue item stored")
	return nil
}

func (s *Store) ListQueueItems(ctx context.Context) ([]models.SyncQueueItem, error) {
	return s.queue.list(ctx)
}

func (s *Store) RemoveQueueItem(ctx context.Context, id string) error {
	_, err := s.queue.remove(ctx, id)
	return err
}

func (s *Store) IncrementQueueItemRetry(ctx context.Context, id, cause string) (bool, error) {
	at := s.now()
	item, found, removed, err := s.queue.incrementRetry(ctx, id, s.opts.MaxRetries, func(q *models.SyncQueueItem) int {
		return q.IncRetry(at, cause)
	})
	if err != nil || !found {
		return false, err
	}
	if removed {
		s.logRetryExhausted(models.CollectionSyncQueue, id, item.RetryCount, cause)
	}
	return removed, nil
}

// PendingCount is the number of pending uploads plus sync queue items.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	uploads, err := s.pending.list(ctx)
	if err != nil {
		return 0, err
	}
	queued, err := s.queue.list(ctx)
	if err != nil {
		return 0, err
	}
	return len(uploads) + len(queued), nil
}

func (s *Store) logRetryExhausted(collection, id string, retries int, cause string) {
	metrics.IncEviction(collection, metrics.ReasonRetryExhausted, 1)
	s.logger.Warn().
		Str("collection", collection).
		Str("id", id).
		Int("retry_count", retries).
		Str("last_error", cause).
		Msg("retry budget exhausted, item dropped")
}

// migrateLegacyUploads converts upload-kind queue items written by older
// versions into pending uploads. Each item is added before it is removed so
// an interrupted migration is simply repeated on the next open.
func (s *Store) migrateLegacyUploads(ctx context.Context) error {
	items, err := s.queue.list(ctx)
	if err != nil {
		return err
	}

	for _, it := range items {
		if it.Kind != models.KindUpload {
			continue
		}

		var image models.ImageRef
		if len(it.Data) > 0 {
			if err := json.Unmarshal(it.Data, &image); err != nil {
				s.logger.Warn().Err(err).Str("id", it.ID).Msg("legacy upload item has unreadable payload, dropping")
				metrics.IncEviction(models.CollectionSyncQueue, metrics.ReasonRejected, 1)
				if _, err := s.queue.remove(ctx, it.ID); err != nil {
					return err
				}
				continue
			}
		}

		pu := models.PendingUpload{
			ID:         it.ID,
			Image:      image,
			CreatedAt:  it.CreatedAt,
			RetryCount: it.RetryCount,
			LastError:  it.LastError,
		}
		if err := s.AddPendingUpload(ctx, pu); err != nil {
			return err
		}
		if _, err := s.queue.remove(ctx, it.ID); err != nil {
			return err
		}
		s.logger.Info().Str("id", it.ID).Msg("migrated legacy upload queue item")
	}
	return nil
}
