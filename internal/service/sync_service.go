package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/events"
	"mealsync/internal/metrics"
	"mealsync/internal/models"
	"mealsync/internal/remote"
	"mealsync/internal/upload"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Uploader is the part of the upload pipeline the coordinator drives.
type Uploader interface {
	UploadOnce(ctx context.Context, image models.ImageRef, opts upload.Options) (*upload.Result, error)
	Enqueue(ctx context.Context, image models.ImageRef, opts upload.Options) (string, error)
}

// QueueWorker refreshes server views and drains the generic sync queue.
type QueueWorker interface {
	RefreshHistory(ctx context.Context) error
	RefreshInsights(ctx context.Context) error
	Drain(ctx context.Context) []*models.SyncError
}

type SyncConfig struct {
	Interval    time.Duration
	SettleDelay time.Duration
	FanOut      int
	CacheMaxAge time.Duration
	Compress    bool
}

func (c *SyncConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = models.DefaultSyncInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.FanOut <= 0 {
		c.FanOut = models.DefaultBatchSize
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = models.DefaultCacheMaxAge
	}
}

// SyncService coordinates reconciliation passes. Only one pass runs at a
// time unless a caller forces an overlapping one.
type SyncService struct {
	store    domain.WorkStore
	uploader Uploader
	queue    QueueWorker
	network  domain.NetworkMonitor
	cfg      SyncConfig
	logger   *zerolog.Logger
	now      func() time.Time

	bus *events.Bus[models.SyncStatus]

	mu        sync.Mutex
	active    int
	inflight  map[string]struct{}
	status    models.SyncStatus
	wasOnline bool
	settle    *time.Timer
	netSub    domain.Subscription
	cancel    context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup
	started   bool
}

func NewSyncService(store domain.WorkStore, uploader Uploader, queue QueueWorker, network domain.NetworkMonitor, cfg SyncConfig, logger *zerolog.Logger) *SyncService {
	cfg.applyDefaults()
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &SyncService{
		store:    store,
		uploader: uploader,
		queue:    queue,
		network:  network,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		bus:      events.NewBus[models.SyncStatus](),
		inflight: make(map[string]struct{}),
		runCtx:   context.Background(),
	}
}

// Start wires the connectivity listener and the periodic timer. A pass is
// kicked immediately when the device is already online.
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	online := s.network.IsOnline()
	s.wasOnline = online
	s.wg.Add(1)
	s.mu.Unlock()

	sub := s.network.AddListener(s.onNetworkChange)
	s.mu.Lock()
	s.netSub = sub
	s.mu.Unlock()
	metrics.SetOnline(online)
	s.refreshPending(ctx)

	go s.periodic()

	if online {
		s.kick(false)
	}
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("fan_out", s.cfg.FanOut).Msg("sync service started")
}

// Stop detaches from the monitor, stops timers and waits for running passes.
func (s *SyncService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	cancel := s.cancel
	sub := s.netSub
	s.netSub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("sync service stopped")
}

func (s *SyncService) periodic() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			if s.network.IsOnline() {
				s.SyncNow(s.runCtx, false)
			}
		}
	}
}

// onNetworkChange debounces offline to online transitions by the settle delay.
func (s *SyncService) onNetworkChange(snap models.NetworkSnapshot) {
	online := snap.Online()
	metrics.SetOnline(online)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.wasOnline
	s.wasOnline = online
	if !s.started {
		return
	}

	if !online {
		if s.settle != nil {
			s.settle.Stop()
			s.settle = nil
		}
		return
	}
	if prev {
		return
	}

	if s.settle != nil {
		s.settle.Stop()
	}
	s.logger.Info().Str("type", string(snap.Type)).Dur("settle", s.cfg.SettleDelay).Msg("connectivity restored, scheduling sync")
	s.settle = time.AfterFunc(s.cfg.SettleDelay, func() {
		if s.network.IsOnline() {
			s.kick(false)
		}
	})
}

// kick runs a pass in the background, tracked by Stop.
func (s *SyncService) kick(force bool) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.SyncNow(ctx, force)
	}()
}

// ForceSyncNow runs a pass even when another one is in progress.
func (s *SyncService) ForceSyncNow(ctx context.Context) models.SyncStatus {
	st, _ := s.SyncNow(ctx, true)
	return st
}

// SyncNow runs a pass synchronously. Without force it is a no-op while a
// pass is running; the second return reports whether a pass ran.
func (s *SyncService) SyncNow(ctx context.Context, force bool) (models.SyncStatus, bool) {
	s.mu.Lock()
	if s.active > 0 && !force {
		st := s.status.Clone()
		s.mu.Unlock()
		s.logger.Debug().Msg("sync already running, trigger ignored")
		return st, false
	}
	s.active++
	s.status.IsRunning = true
	s.mu.Unlock()

	start := s.now()
	errs, completed := s.runPass(ctx)
	pending, err := s.store.PendingCount(ctx)
	if err != nil {
		errs = append(errs, *models.NewSyncError(models.StepCache, "", err))
	}

	s.mu.Lock()
	s.active--
	s.status.IsRunning = s.active > 0
	s.status.Errors = errs
	if err == nil {
		s.status.PendingItemCount = pending
	}
	if completed {
		ts := s.now()
		s.status.LastSyncTimestamp = &ts
	}
	st := s.status.Clone()
	s.mu.Unlock()

	outcome := "success"
	switch {
	case !completed && len(errs) > 0 && errs[0].Class == models.ClassOffline:
		outcome = "offline"
	case !completed:
		outcome = "aborted"
	case len(errs) > 0:
		outcome = "partial"
	}
	metrics.ObserveSyncPass(outcome, s.now().Sub(start))
	metrics.SetPending(st.PendingItemCount)

	s.logger.Info().
		Str("outcome", outcome).
		Int("errors", len(errs)).
		Int("pending", st.PendingItemCount).
		Dur("duration", s.now().Sub(start)).
		Msg("sync pass finished")

	s.bus.Publish(st)
	return st, true
}

// runPass executes every step in order. A step failure is recorded and the
// next step still runs. completed is false when offline or cancelled.
func (s *SyncService) runPass(ctx context.Context) ([]models.SyncError, bool) {
	if !s.network.IsOnline() {
		return []models.SyncError{{
			Step:    models.StepConnectivity,
			Class:   models.ClassOffline,
			Message: "device offline, sync skipped",
			At:      s.now(),
			Cause:   models.ErrOffline,
		}}, false
	}

	var errs []models.SyncError
	add := func(se *models.SyncError) {
		if se != nil {
			errs = append(errs, *se)
		}
	}

	for _, se := range s.drainUploads(ctx) {
		add(se)
	}
	fresh := remote.BypassCache(ctx)
	if err := s.queue.RefreshHistory(fresh); err != nil {
		add(models.NewSyncError(models.StepHistory, models.HistoryRecordID, err))
	}
	if err := s.queue.RefreshInsights(fresh); err != nil {
		add(models.NewSyncError(models.StepInsights, models.InsightsRecordID, err))
	}
	for _, se := range s.queue.Drain(ctx) {
		add(se)
	}
	if n, err := s.store.ExpireCachedRecords(ctx, s.cfg.CacheMaxAge); err != nil {
		add(models.NewSyncError(models.StepCache, "", err))
	} else if n > 0 {
		s.logger.Info().Int("expired", n).Msg("cache records expired")
	}

	if ctx.Err() != nil {
		add(models.NewSyncError(models.StepConnectivity, "", ctx.Err()))
		return errs, false
	}
	return errs, true
}

// drainUploads makes one attempt per pending upload with bounded fan-out.
func (s *SyncService) drainUploads(ctx context.Context) []*models.SyncError {
	items, err := s.store.ListPendingUploads(ctx)
	if err != nil {
		return []*models.SyncError{models.NewSyncError(models.StepPendingDrain, "", err)}
	}
	if len(items) == 0 {
		return nil
	}

	var mu sync.Mutex
	var errs []*models.SyncError
	record := func(se *models.SyncError) {
		mu.Lock()
		errs = append(errs, se)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FanOut)
	skipped := 0
	for i := range items {
		item := items[i]
		if !s.claim(item.ID) {
			skipped++
			continue
		}
		g.Go(func() error {
			defer s.release(item.ID)
			if se := s.drainOne(gctx, item); se != nil {
				record(se)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Debug().Int("items", len(items)).Int("skipped", skipped).Int("failed", len(errs)).Msg("pending uploads drained")
	return errs
}

// claim marks a pending upload as owned by the calling pass. It fails when
// an overlapping pass already holds the item.
func (s *SyncService) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *SyncService) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *SyncService) drainOne(ctx context.Context, item models.PendingUpload) *models.SyncError {
	res, err := s.uploader.UploadOnce(ctx, item.Image, upload.OptionsFor(item, s.cfg.Compress))
	if errors.Is(err, models.ErrUploadInFlight) {
		s.logger.Debug().Str("id", item.ID).Msg("pending upload already in flight, skipped")
		return nil
	}
	if err == nil {
		if err := s.store.RemovePendingUpload(ctx, item.ID); err != nil {
			return models.NewSyncError(models.StepPendingDrain, item.ID, err)
		}
		return nil
	}

	se := models.NewSyncError(models.StepPendingDrain, item.ID, err)
	switch {
	case se.Class == models.ClassOffline || se.Class == models.ClassCancelled:
		// Left untouched for the next pass.
	case se.Class == models.ClassAnalysisTimeout && res != nil && res.MealID != "":
		s.followUpAnalysis(ctx, item.ID, res.MealID)
	case se.Retryable():
		removed, ierr := s.store.IncrementPendingUploadRetry(ctx, item.ID, se.Message)
		if ierr != nil {
			s.logger.Error().Err(ierr).Str("id", item.ID).Msg("mark pending retry failed")
		} else if removed {
			return &models.SyncError{
				Step:    models.StepPendingDrain,
				Class:   models.ClassRetryExhausted,
				Message: fmt.Sprintf("gave up after %d attempts: %s", item.RetryCount+1, se.Message),
				ItemID:  item.ID,
				At:      s.now(),
				Cause:   errors.Join(models.ErrRetryExhausted, err),
			}
		}
	default:
		if rerr := s.store.RemovePendingUpload(ctx, item.ID); rerr != nil {
			s.logger.Error().Err(rerr).Str("id", item.ID).Msg("drop rejected upload failed")
		} else {
			metrics.IncEviction(models.CollectionPendingUploads, metrics.ReasonRejected, 1)
			s.logger.Warn().Str("id", item.ID).Str("class", string(se.Class)).Msg("pending upload rejected, dropped")
		}
	}
	return se
}

// followUpAnalysis swaps a landed upload whose analysis is still running for
// a feedback fetch, so the image is not sent twice.
func (s *SyncService) followUpAnalysis(ctx context.Context, pendingID, mealID string) {
	data, _ := json.Marshal(models.FeedbackFetchData{MealID: mealID})
	err := s.store.AddQueueItem(ctx, models.SyncQueueItem{
		ID:        uuid.NewString(),
		Kind:      models.KindFeedbackFetch,
		Data:      data,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("meal_id", mealID).Msg("queue feedback fetch failed")
		return
	}
	if err := s.store.RemovePendingUpload(ctx, pendingID); err != nil {
		s.logger.Error().Err(err).Str("id", pendingID).Msg("remove landed upload failed")
	}
}

// EnqueueUpload persists image with its upload options and returns its id
// without waiting. A non-forced pass is kicked when online.
func (s *SyncService) EnqueueUpload(ctx context.Context, image models.ImageRef, opts upload.Options) (string, error) {
	id, err := s.uploader.Enqueue(ctx, image, opts)
	if err != nil {
		return "", err
	}
	s.refreshPending(ctx)
	if s.network.IsOnline() {
		s.kick(false)
	}
	return id, nil
}

// EnqueueFetch queues a server fetch of the given kind. data is encoded as
// the item payload and may be nil.
func (s *SyncService) EnqueueFetch(ctx context.Context, kind models.QueueKind, data any) (string, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	item := models.SyncQueueItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		Data:      raw,
		CreatedAt: s.now(),
	}
	if err := s.store.AddQueueItem(ctx, item); err != nil {
		return "", err
	}
	s.refreshPending(ctx)
	return item.ID, nil
}

func (s *SyncService) refreshPending(ctx context.Context) {
	n, err := s.store.PendingCount(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("count pending failed")
		return
	}
	s.mu.Lock()
	s.status.PendingItemCount = n
	s.mu.Unlock()
	metrics.SetPending(n)
}

func (s *SyncService) Status() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Clone()
}

// Subscribe registers fn for the status published after every pass.
func (s *SyncService) Subscribe(fn func(models.SyncStatus)) domain.Subscription {
	return s.bus.Subscribe(fn)
}

// ClearSyncErrors empties the error list and notifies subscribers.
func (s *SyncService) ClearSyncErrors() {
	s.mu.Lock()
	s.status.Errors = nil
	st := s.status.Clone()
	s.mu.Unlock()
	s.bus.Publish(st)
}
