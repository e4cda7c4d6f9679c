package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/metrics"
	"mealsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultDeadLetterKey = "mealsync:deadletter"

var errAnalysisPending = errors.New("analysis still in progress")

// QueueDispatcher drains sync queue items by kind and refreshes the cached
// server views. Items that exhaust their retries, or are rejected outright,
// are pushed to a redis dead-letter list when redis is configured.
type QueueDispatcher struct {
	store         domain.WorkStore
	remote        domain.RemoteAPI
	redis         *redis.Client
	deadLetterKey string
	logger        zerolog.Logger
	now           func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewQueueDispatcher(store domain.WorkStore, remote domain.RemoteAPI, redisClient *redis.Client, logger *zerolog.Logger) *QueueDispatcher {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue_dispatcher").Logger()
	}
	return &QueueDispatcher{
		store:         store,
		remote:        remote,
		redis:         redisClient,
		deadLetterKey: defaultDeadLetterKey,
		logger:        l,
		now:           time.Now,
		inflight:      make(map[string]struct{}),
	}
}

// Drain processes every queued item once. Failures never stop the drain;
// each one is returned as a classified error. Items held by an overlapping
// drain are skipped.
func (d *QueueDispatcher) Drain(ctx context.Context) []*models.SyncError {
	items, err := d.store.ListQueueItems(ctx)
	if err != nil {
		return []*models.SyncError{models.NewSyncError(models.StepQueue, "", err)}
	}

	var errs []*models.SyncError
	for i := range items {
		if ctx.Err() != nil {
			errs = append(errs, models.NewSyncError(models.StepQueue, "", ctx.Err()))
			break
		}
		if !d.claim(items[i].ID) {
			continue
		}
		se := d.processItem(ctx, &items[i])
		d.release(items[i].ID)
		if se != nil {
			errs = append(errs, se)
		}
	}
	return errs
}

func (d *QueueDispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *QueueDispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *QueueDispatcher) processItem(ctx context.Context, item *models.SyncQueueItem) *models.SyncError {
	err := d.Dispatch(ctx, item)
	if err == nil {
		if err := d.store.RemoveQueueItem(ctx, item.ID); err != nil {
			return models.NewSyncError(models.StepQueue, item.ID, err)
		}
		d.logger.Debug().Str("id", item.ID).Str("kind", string(item.Kind)).Msg("queue item completed")
		return nil
	}

	if errors.Is(err, errAnalysisPending) {
		if d.retryOrFail(ctx, item, err) {
			return models.NewSyncError(models.StepQueue, item.ID, fmt.Errorf("meal feedback: %w", models.ErrAnalysisTimeout))
		}
		return nil
	}

	se := models.NewSyncError(models.StepQueue, item.ID, err)
	if se.Retryable() {
		if d.retryOrFail(ctx, item, err) {
			return &models.SyncError{
				Step:    models.StepQueue,
				Class:   models.ClassRetryExhausted,
				Message: fmt.Sprintf("gave up after %d attempts: %s", item.RetryCount, se.Message),
				ItemID:  item.ID,
				At:      d.now(),
				Cause:   errors.Join(models.ErrRetryExhausted, err),
			}
		}
		return se
	}
	if se.Class == models.ClassCancelled {
		return se
	}
	d.failItem(ctx, item, err)
	return se
}

// Dispatch runs a single item against the remote API.
func (d *QueueDispatcher) Dispatch(ctx context.Context, item *models.SyncQueueItem) error {
	switch item.Kind {
	case models.KindFeedbackFetch:
		var data models.FeedbackFetchData
		if err := json.Unmarshal(item.Data, &data); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if data.MealID == "" {
			return errors.New("meal id missing")
		}
		return d.RefreshAnalysis(ctx, data.MealID)
	case models.KindHistoryFetch:
		return d.RefreshHistory(ctx)
	case models.KindInsightsFetch:
		return d.RefreshInsights(ctx)
	case models.KindUpload:
		return models.ErrUploadKindRouted
	default:
		return fmt.Errorf("%w: %s", models.ErrInvalidKind, item.Kind)
	}
}

// RefreshAnalysis caches the terminal analysis of a meal.
func (d *QueueDispatcher) RefreshAnalysis(ctx context.Context, mealID string) error {
	res, err := d.remote.GetAnalysis(ctx, mealID)
	if err != nil {
		return err
	}
	if !res.AnalysisStatus.Terminal() {
		return errAnalysisPending
	}
	rec, err := models.AnalysisRecord(res, d.now())
	if err != nil {
		return err
	}
	return d.store.UpsertCachedRecord(ctx, rec)
}

func (d *QueueDispatcher) RefreshHistory(ctx context.Context) error {
	raw, err := d.remote.GetHistory(ctx)
	if err != nil {
		return err
	}
	return d.store.UpsertCachedRecord(ctx, models.CachedRecord{
		ID:       models.HistoryRecordID,
		Kind:     models.RecordHistory,
		Entity:   raw,
		CachedAt: d.now(),
	})
}

func (d *QueueDispatcher) RefreshInsights(ctx context.Context) error {
	raw, err := d.remote.GetWeeklyInsights(ctx)
	if err != nil {
		return err
	}
	return d.store.UpsertCachedRecord(ctx, models.CachedRecord{
		ID:       models.InsightsRecordID,
		Kind:     models.RecordInsights,
		Entity:   raw,
		CachedAt: d.now(),
	})
}

// retryOrFail reports whether the item was dropped for exhausting its retries.
func (d *QueueDispatcher) retryOrFail(ctx context.Context, item *models.SyncQueueItem, cause error) bool {
	removed, err := d.store.IncrementQueueItemRetry(ctx, item.ID, cause.Error())
	if err != nil {
		d.logger.Error().Err(err).Str("id", item.ID).Msg("mark retry failed")
		return false
	}
	if removed {
		item.RetryCount++
		item.LastError = cause.Error()
		d.pushDeadLetter(ctx, item)
	}
	return removed
}

func (d *QueueDispatcher) failItem(ctx context.Context, item *models.SyncQueueItem, cause error) {
	d.logger.Warn().Err(cause).Str("id", item.ID).Str("kind", string(item.Kind)).Msg("queue item rejected, dropping")
	if err := d.store.RemoveQueueItem(ctx, item.ID); err != nil {
		d.logger.Error().Err(err).Str("id", item.ID).Msg("remove rejected item failed")
		return
	}
	metrics.IncEviction(models.CollectionSyncQueue, metrics.ReasonRejected, 1)
	item.LastError = cause.Error()
	d.pushDeadLetter(ctx, item)
}

func (d *QueueDispatcher) pushDeadLetter(ctx context.Context, item *models.SyncQueueItem) {
	if d.redis == nil {
		return
	}
	data, err := json.Marshal(item)
	if err != nil {
		d.logger.Error().Err(err).Str("id", item.ID).Msg("encode deadletter failed")
		return
	}
	if err := d.redis.LPush(ctx, d.deadLetterKey, data).Err(); err != nil {
		d.logger.Error().Err(err).Str("id", item.ID).Msg("deadletter push failed")
	}
}

// DeadLetters returns up to limit dead-lettered items, newest first.
func (d *QueueDispatcher) DeadLetters(ctx context.Context, limit int64) ([]models.SyncQueueItem, error) {
	if d.redis == nil {
		return nil, nil
	}
	raw, err := d.redis.LRange(ctx, d.deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read deadletter: %w", err)
	}
	out := make([]models.SyncQueueItem, 0, len(raw))
	for _, r := range raw {
		var it models.SyncQueueItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}
