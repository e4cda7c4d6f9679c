package upload

import (
	"sync"
	"time"
)

// Progress is one transfer progress event.
type Progress struct {
	Loaded   int64
	Total    int64
	Fraction float64
	// BytesPerSecond is the instantaneous rate between this event and the previous one.
	BytesPerSecond float64
	// ETA is zero when the rate is unknown.
	ETA time.Duration
}

type ProgressFunc func(Progress)

// tracker turns raw byte counts into Progress events. Events never go
// backwards: after a retry restarts the transfer, nothing is reported until
// the new attempt passes the previous high-water mark.
type tracker struct {
	mu       sync.Mutex
	fn       ProgressFunc
	now      func() time.Time
	lastSent int64
	lastAt   time.Time
	rate     float64
	reported int64
}

func newTracker(fn ProgressFunc, now func() time.Time) *tracker {
	return &tracker{fn: fn, now: now}
}

// reset starts a new attempt.
func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = 0
	t.lastAt = time.Time{}
	t.rate = 0
}

func (t *tracker) observe(sent, total int64) {
	if t == nil || t.fn == nil {
		return
	}
	t.mu.Lock()
	now := t.now()
	if !t.lastAt.IsZero() {
		if dt := now.Sub(t.lastAt).Seconds(); dt > 0 {
			t.rate = float64(sent-t.lastSent) / dt
		}
	}
	t.lastSent, t.lastAt = sent, now

	if sent < t.reported {
		t.mu.Unlock()
		return
	}
	t.reported = sent

	p := Progress{Loaded: sent, Total: total, BytesPerSecond: t.rate}
	if total > 0 {
		p.Fraction = float64(sent) / float64(total)
	}
	if t.rate > 0 && total > sent {
		p.ETA = time.Duration(float64(total-sent) / t.rate * float64(time.Second))
	}
	fn := t.fn
	t.mu.Unlock()

	fn(p)
}
