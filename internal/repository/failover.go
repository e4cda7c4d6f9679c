package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mealsync/internal/domain"

	"github.com/rs/zerolog"
)

const defaultRecoveryInterval = time.Minute

// FailoverKV serves from primary until it errors, then from fallback. Keys
// written while primary is down are copied back once it answers again.
type FailoverKV struct {
	primary  domain.KV
	fallback domain.KV
	logger   zerolog.Logger

	recoveryInterval time.Duration
	isDown           atomic.Bool
	lastCheck        atomic.Int64

	mu    sync.Mutex
	dirty map[string]struct{}
}

func NewFailoverKV(primary, fallback domain.KV, logger *zerolog.Logger) *FailoverKV {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "failover_kv").Logger()
	}
	return &FailoverKV{
		primary:          primary,
		fallback:         fallback,
		logger:           l,
		recoveryInterval: defaultRecoveryInterval,
		dirty:            make(map[string]struct{}),
	}
}

// WithRecoveryInterval overrides how long primary stays bypassed after a failure.
func (r *FailoverKV) WithRecoveryInterval(d time.Duration) *FailoverKV {
	r.recoveryInterval = d
	return r
}

// PrimaryDown reports whether requests are currently served by the fallback.
func (r *FailoverKV) PrimaryDown() bool { return r.isDown.Load() }

func (r *FailoverKV) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("primary store failed, falling back")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

// usePrimary decides where the next call goes, attempting recovery when the
// recovery interval has passed.
func (r *FailoverKV) usePrimary(ctx context.Context) bool {
	if !r.isDown.Load() {
		return true
	}
	if time.Since(time.Unix(0, r.lastCheck.Load())) < r.recoveryInterval {
		return false
	}
	if err := r.recover(ctx); err != nil {
		r.markDown(err)
		return false
	}
	r.isDown.Store(false)
	r.logger.Info().Msg("primary store recovered")
	return true
}

func (r *FailoverKV) recover(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.dirty {
		value, err := r.fallback.Get(ctx, key)
		if err != nil {
			return err
		}
		err = r.primary.Update(ctx, key, func([]byte) ([]byte, error) { return value, nil })
		if err != nil {
			return err
		}
		delete(r.dirty, key)
	}
	// Probe with a read when nothing had to be replayed.
	_, err := r.primary.Get(ctx, "mealsync:failover:probe")
	return err
}

func (r *FailoverKV) Get(ctx context.Context, key string) ([]byte, error) {
	if r.usePrimary(ctx) {
		v, err := r.primary.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverKV) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	if r.usePrimary(ctx) {
		var fnErr error
		err := r.primary.Update(ctx, key, func(cur []byte) ([]byte, error) {
			next, err := fn(cur)
			fnErr = err
			return next, err
		})
		if err == nil {
			// Mirror into the fallback.
			if v, gerr := r.primary.Get(ctx, key); gerr == nil {
				_ = r.fallback.Update(ctx, key, func([]byte) ([]byte, error) { return v, nil })
			}
			return nil
		}
		if fnErr != nil || ctx.Err() != nil {
			return err
		}
		r.markDown(err)
	}

	r.mu.Lock()
	r.dirty[key] = struct{}{}
	r.mu.Unlock()
	return r.fallback.Update(ctx, key, fn)
}

func (r *FailoverKV) Close() error {
	perr := r.primary.Close()
	ferr := r.fallback.Close()
	if perr != nil {
		return perr
	}
	return ferr
}
