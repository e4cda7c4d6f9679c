package connectivity

import (
	"context"
	"sync"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/events"
	"mealsync/internal/metrics"
	"mealsync/internal/models"

	"github.com/rs/zerolog"
)

// Source is the platform reachability feed.
type Source interface {
	// Subscribe registers fn for raw snapshots and returns its removal func.
	Subscribe(fn func(models.NetworkSnapshot)) (unsubscribe func())
	// Poll returns the current snapshot.
	Poll(ctx context.Context) (models.NetworkSnapshot, error)
}

// Monitor keeps the last known network snapshot and broadcasts changes.
type Monitor struct {
	mu    sync.RWMutex
	state models.NetworkSnapshot

	// notifyMu keeps compare-and-publish ordered across source goroutines.
	notifyMu sync.Mutex
	bus      *events.Bus[models.NetworkSnapshot]

	unsubscribe func()
	closeOnce   sync.Once
	logger      zerolog.Logger
}

var _ domain.NetworkMonitor = (*Monitor)(nil)

// NewMonitor subscribes to src and seeds state with one immediate poll.
func NewMonitor(ctx context.Context, src Source, logger *zerolog.Logger) *Monitor {
	m := &Monitor{
		state:  models.NetworkSnapshot{Type: models.NetworkUnknown},
		bus:    events.NewBus[models.NetworkSnapshot](),
		logger: zerolog.Nop(),
	}
	if logger != nil {
		m.logger = logger.With().Str("component", "connectivity").Logger()
	}

	m.unsubscribe = src.Subscribe(m.handle)

	snap, err := src.Poll(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("initial connectivity poll failed, assuming offline")
		snap = models.NetworkSnapshot{Type: models.NetworkNone}
	}
	m.handle(snap)
	return m
}

func (m *Monitor) handle(snap models.NetworkSnapshot) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	if prev == snap {
		m.mu.Unlock()
		return
	}
	m.state = snap
	m.mu.Unlock()

	metrics.SetOnline(snap.Online())
	if prev.Online() != snap.Online() {
		m.logger.Info().
			Bool("online", snap.Online()).
			Str("type", string(snap.Type)).
			Str("class", string(snap.Class())).
			Msg("connectivity changed")
	}
	m.bus.Publish(snap)
}

// CurrentState returns the last observed snapshot.
func (m *Monitor) CurrentState() models.NetworkSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) IsOnline() bool {
	return m.CurrentState().Online()
}

// AddListener registers fn for every snapshot change.
func (m *Monitor) AddListener(fn func(models.NetworkSnapshot)) domain.Subscription {
	return m.bus.Subscribe(fn)
}

// ListenerCount reports registered listeners.
func (m *Monitor) ListenerCount() int {
	return m.bus.Len()
}

// WaitForConnection returns true as soon as the device is online, or false
// once timeout elapses or ctx ends. A non-positive timeout waits on ctx only.
// The temporary listener is always removed before returning.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.IsOnline() {
		return true
	}

	online := make(chan struct{}, 1)
	sub := m.AddListener(func(s models.NetworkSnapshot) {
		if s.Online() {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	// The transition may have landed between the first check and Subscribe.
	if m.IsOnline() {
		return true
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-online:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close detaches from the source. Listeners stay registered but receive nothing.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}
