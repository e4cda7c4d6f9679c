package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mealsync/internal/config"
	"mealsync/internal/domain"
	"mealsync/internal/metrics"
	"mealsync/internal/models"
	"mealsync/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tune a single upload. Zero RetryAttempts and Timeout fall back to
// the pipeline configuration; Quality overrides the network tier quality.
type Options struct {
	ID            string
	Compress      bool
	Quality       float64
	RetryAttempts int
	Timeout       time.Duration
}

// Prefs is the part of o persisted with a deferred upload.
func (o Options) Prefs() models.UploadPrefs {
	return models.UploadPrefs{SkipCompression: !o.Compress, Quality: o.Quality}
}

// OptionsFor rebuilds the options of a persisted upload. compress is the
// service-wide switch; a per-image opt-out always wins.
func OptionsFor(item models.PendingUpload, compress bool) Options {
	return Options{
		ID:       item.ID,
		Compress: compress && !item.Prefs.SkipCompression,
		Quality:  item.Prefs.Quality,
	}
}

// DefaultOptions compresses and uses the pipeline's retry and timeout settings.
func DefaultOptions() Options {
	return Options{Compress: true}
}

type Result struct {
	UploadID    string
	MealID      string
	Analysis    *models.AnalysisResult
	Compression *models.CompressionStats
	Attempts    int
	Duration    time.Duration
}

type Config struct {
	RetryAttempts int
	Timeout       time.Duration
	PollInterval  time.Duration
	MaxPolls      int
	BatchSize     int
	BatchDelay    time.Duration
	Retry         worker.RetryPolicy
}

// ConfigFrom maps the upload section of the application config.
func ConfigFrom(cfg config.UploadConfig, maxRetries int) Config {
	return Config{
		RetryAttempts: cfg.RetryAttempts,
		Timeout:       cfg.Timeout,
		PollInterval:  cfg.PollInterval,
		MaxPolls:      cfg.MaxPolls,
		BatchSize:     cfg.BatchSize,
		BatchDelay:    cfg.BatchDelay,
		Retry:         worker.DefaultRetryPolicy(maxRetries),
	}
}

func (c *Config) applyDefaults() {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = models.DefaultUploadRetryAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = models.DefaultUploadTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = models.DefaultPollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = models.DefaultMaxPolls
	}
	if c.BatchSize <= 0 {
		c.BatchSize = models.DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry = worker.DefaultRetryPolicy(c.RetryAttempts)
	}
}

// Pipeline uploads meal captures: compress for the current network class,
// transfer with progress, poll the analysis to a terminal state.
type Pipeline struct {
	store      domain.WorkStore
	remote     domain.RemoteAPI
	compressor domain.Compressor
	network    domain.NetworkMonitor
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewPipeline wires the collaborators. compressor may be nil.
func NewPipeline(store domain.WorkStore, remote domain.RemoteAPI, compressor domain.Compressor, network domain.NetworkMonitor, cfg Config, logger *zerolog.Logger) *Pipeline {
	cfg.applyDefaults()
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "upload").Logger()
	}
	return &Pipeline{
		store:      store,
		remote:     remote,
		compressor: compressor,
		network:    network,
		cfg:        cfg,
		logger:     l,
		now:        time.Now,
		active:     make(map[string]context.CancelCauseFunc),
	}
}

// Upload runs the full pipeline with retries. When offline the image is
// stored as a pending upload and an Offline error carrying its id is returned.
// A poll failure returns the partial result with MealID set alongside the error.
func (p *Pipeline) Upload(ctx context.Context, image models.ImageRef, onProgress ProgressFunc, opts Options) (*Result, error) {
	if !p.network.IsOnline() {
		id, err := p.Enqueue(ctx, image, opts)
		if err != nil {
			return nil, models.NewSyncError(models.StepUpload, id, err)
		}
		metrics.ObserveUpload(string(models.ClassOffline), 0)
		return nil, &models.SyncError{
			Step:    models.StepUpload,
			Class:   models.ClassOffline,
			Message: "saved for later sync",
			ItemID:  id,
			At:      p.now(),
			Cause:   models.ErrOffline,
		}
	}
	return p.run(ctx, image, onProgress, opts)
}

// UploadOnce makes a single attempt. It never persists anything; callers
// draining pending uploads own the retry bookkeeping.
func (p *Pipeline) UploadOnce(ctx context.Context, image models.ImageRef, opts Options) (*Result, error) {
	if !p.network.IsOnline() {
		return nil, models.NewSyncError(models.StepUpload, opts.ID, models.ErrOffline)
	}
	opts.RetryAttempts = 1
	return p.run(ctx, image, nil, opts)
}

// Enqueue stores image as a pending upload and returns its id. The
// compression choice and quality of opts are kept for the later drain.
func (p *Pipeline) Enqueue(ctx context.Context, image models.ImageRef, opts Options) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	err := p.store.AddPendingUpload(ctx, models.PendingUpload{
		ID:        id,
		Image:     image,
		CreatedAt: p.now(),
		Prefs:     opts.Prefs(),
	})
	if err != nil {
		return id, fmt.Errorf("persist pending upload: %w", err)
	}
	p.logger.Info().Str("id", id).Str("file", image.FileName).Msg("upload deferred")
	return id, nil
}

func (p *Pipeline) run(ctx context.Context, image models.ImageRef, onProgress ProgressFunc, opts Options) (*Result, error) {
	start := p.now()
	uploadID := opts.ID
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = p.cfg.RetryAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !p.register(uploadID, cancel) {
		return nil, models.NewSyncError(models.StepUpload, uploadID, models.ErrUploadInFlight)
	}
	defer p.unregister(uploadID)

	res := &Result{UploadID: uploadID}
	payload := p.compress(ctx, image, opts, res)
	if payload.URI != image.URI {
		defer p.release(payload)
	}

	tr := newTracker(onProgress, p.now)
	var mealID string
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		tr.reset()

		mealID, lastErr = p.transfer(ctx, payload, tr, timeout)
		if lastErr == nil {
			break
		}
		lastErr = p.classify(ctx, uploadID, lastErr)
		if !models.IsRetryable(lastErr) || attempt == attempts {
			break
		}

		delay := p.cfg.Retry.NextDelay(attempt)
		p.logger.Warn().Err(lastErr).Str("upload_id", uploadID).Int("attempt", attempt).Dur("backoff", delay).Msg("upload attempt failed, retrying")
		if err := p.cfg.Retry.Wait(ctx, attempt); err != nil {
			lastErr = p.classify(ctx, uploadID, err)
			break
		}
	}
	if lastErr != nil {
		p.finish(start, lastErr)
		return nil, lastErr
	}
	res.MealID = mealID

	analysis, err := p.poll(ctx, uploadID, mealID)
	if err != nil {
		// The upload itself landed; callers may follow the meal id later.
		res.Duration = p.now().Sub(start)
		p.finish(start, err)
		return res, err
	}
	res.Analysis = analysis
	res.Duration = p.now().Sub(start)

	if rec, err := models.AnalysisRecord(analysis, p.now()); err == nil {
		if err := p.store.UpsertCachedRecord(ctx, rec); err != nil {
			p.logger.Error().Err(err).Str("meal_id", mealID).Msg("cache analysis failed")
		}
	}

	p.finish(start, nil)
	p.logger.Info().Str("upload_id", uploadID).Str("meal_id", mealID).Int("attempts", res.Attempts).Dur("duration", res.Duration).Msg("upload completed")
	return res, nil
}

// compress is best effort: a compressor failure uploads the original.
func (p *Pipeline) compress(ctx context.Context, image models.ImageRef, opts Options, res *Result) models.ImageRef {
	if !opts.Compress || p.compressor == nil {
		return image
	}
	tier := models.TierFor(p.network.CurrentState().Class())
	if opts.Quality > 0 && opts.Quality <= 1 {
		tier.Quality = opts.Quality
	}
	out, stats, err := p.compressor.Compress(ctx, image, tier)
	if err != nil {
		p.logger.Warn().Err(err).Str("file", image.FileName).Msg("compression failed, uploading original")
		return image
	}
	res.Compression = &stats
	return out
}

func (p *Pipeline) release(image models.ImageRef) {
	if err := p.compressor.Release(image); err != nil {
		p.logger.Warn().Err(err).Str("file", image.FileName).Msg("release compressed image failed")
	}
}

func (p *Pipeline) transfer(ctx context.Context, image models.ImageRef, tr *tracker, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.remote.UploadMeal(callCtx, image, tr.observe)
	if err != nil {
		return "", err
	}
	return resp.MealID, nil
}

// poll waits for a terminal analysis. Transient poll errors consume a poll
// and polling continues; the poll ceiling is an AnalysisTimeout.
func (p *Pipeline) poll(ctx context.Context, uploadID, mealID string) (*models.AnalysisResult, error) {
	for i := 0; i < p.cfg.MaxPolls; i++ {
		if i > 0 {
			t := time.NewTimer(p.cfg.PollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, p.classify(ctx, uploadID, ctx.Err())
			case <-t.C:
			}
		}

		res, err := p.remote.GetAnalysis(ctx, mealID)
		if err != nil {
			se := p.classify(ctx, uploadID, err)
			if !models.IsRetryable(se) {
				return nil, se
			}
			p.logger.Debug().Err(err).Str("meal_id", mealID).Int("poll", i+1).Msg("analysis poll failed")
			continue
		}

		switch res.AnalysisStatus {
		case models.AnalysisCompleted:
			return res, nil
		case models.AnalysisFailed:
			reason := res.FailureReason
			if reason == "" {
				reason = "remote analysis rejected the image"
			}
			return nil, &models.SyncError{
				Step:    models.StepUpload,
				Class:   models.ClassAnalysisFailed,
				Message: reason,
				ItemID:  uploadID,
				At:      p.now(),
				Cause:   models.ErrAnalysisFailed,
			}
		}
	}

	return nil, &models.SyncError{
		Step:    models.StepUpload,
		Class:   models.ClassAnalysisTimeout,
		Message: fmt.Sprintf("analysis of meal %s not ready after %d polls", mealID, p.cfg.MaxPolls),
		ItemID:  uploadID,
		At:      p.now(),
		Cause:   models.ErrAnalysisTimeout,
	}
}

// classify maps err to a SyncError, turning explicit cancellation of the
// upload (or its parent) into the non-retryable Cancelled class.
func (p *Pipeline) classify(ctx context.Context, uploadID string, err error) error {
	if ctx.Err() != nil && (errors.Is(context.Cause(ctx), models.ErrCancelled) || errors.Is(ctx.Err(), context.Canceled)) {
		return &models.SyncError{
			Step:    models.StepUpload,
			Class:   models.ClassCancelled,
			Message: "upload cancelled",
			ItemID:  uploadID,
			At:      p.now(),
			Cause:   models.ErrCancelled,
		}
	}
	return models.NewSyncError(models.StepUpload, uploadID, err)
}

func (p *Pipeline) finish(start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(models.Classify(err))
	}
	metrics.ObserveUpload(outcome, p.now().Sub(start))
}

// register refuses an id that already has an upload in flight.
func (p *Pipeline) register(id string, cancel context.CancelCauseFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[id]; ok {
		return false
	}
	p.active[id] = cancel
	return true
}

func (p *Pipeline) unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
}

// Cancel aborts an in-flight upload. It reports whether id was active.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	cancel, ok := p.active[id]
	p.mu.Unlock()
	if ok {
		cancel(models.ErrCancelled)
	}
	return ok
}

// CancelAll aborts every in-flight upload and returns how many were cancelled.
func (p *Pipeline) CancelAll() int {
	p.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(p.active))
	for _, c := range p.active {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c(models.ErrCancelled)
	}
	return len(cancels)
}

// ActiveUploads lists in-flight upload ids.
func (p *Pipeline) ActiveUploads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
