package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"mealsync/internal/config"
	"mealsync/internal/events"
	"mealsync/internal/models"

	"github.com/rs/zerolog"
)

// StaticSource reports whatever snapshot it was last given. It backs tests
// and manual toggling from the control API.
type StaticSource struct {
	mu   sync.RWMutex
	snap models.NetworkSnapshot
	bus  *events.Bus[models.NetworkSnapshot]
}

func NewStaticSource(initial models.NetworkSnapshot) *StaticSource {
	return &StaticSource{snap: initial, bus: events.NewBus[models.NetworkSnapshot]()}
}

// Set stores snap and pushes it to subscribers.
func (s *StaticSource) Set(snap models.NetworkSnapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.bus.Publish(snap)
}

func (s *StaticSource) Poll(context.Context) (models.NetworkSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

func (s *StaticSource) Subscribe(fn func(models.NetworkSnapshot)) func() {
	return s.bus.Subscribe(fn).Unsubscribe
}

// Online and Offline are convenience snapshots.
func Online(t models.NetworkType, generation string) models.NetworkSnapshot {
	return models.NetworkSnapshot{
		IsConnected:         true,
		IsInternetReachable: true,
		Type:                t,
		Details:             models.NetworkDetails{CellularGeneration: generation, IsExpensive: t == models.NetworkCellular},
	}
}

func Offline() models.NetworkSnapshot {
	return models.NetworkSnapshot{Type: models.NetworkNone}
}

// HTTPProbe derives reachability by requesting a probe URL on an interval.
// Link presence comes from the host's network interfaces; the link type is
// configured since a headless host cannot observe radio technology.
type HTTPProbe struct {
	client   *http.Client
	url      string
	interval time.Duration
	netType  models.NetworkType
	details  models.NetworkDetails
	bus      *events.Bus[models.NetworkSnapshot]
	logger   zerolog.Logger

	// hasLink is swappable in tests.
	hasLink func() bool
}

func NewHTTPProbe(cfg config.ConnectivityConfig, logger *zerolog.Logger) *HTTPProbe {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http_probe").Logger()
	}
	netType := models.NetworkType(cfg.NetworkType)
	if netType == "" {
		netType = models.NetworkUnknown
	}
	return &HTTPProbe{
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		url:      cfg.ProbeURL,
		interval: cfg.ProbeInterval,
		netType:  netType,
		details: models.NetworkDetails{
			CellularGeneration: cfg.Generation,
			IsExpensive:        netType == models.NetworkCellular,
		},
		bus:     events.NewBus[models.NetworkSnapshot](),
		logger:  l,
		hasLink: hasActiveInterface,
	}
}

func (p *HTTPProbe) Subscribe(fn func(models.NetworkSnapshot)) func() {
	return p.bus.Subscribe(fn).Unsubscribe
}

// Poll performs one probe. A probe failure is a valid offline snapshot, not an error.
func (p *HTTPProbe) Poll(ctx context.Context) (models.NetworkSnapshot, error) {
	snap := models.NetworkSnapshot{Type: models.NetworkNone}
	if !p.hasLink() {
		return snap, nil
	}
	snap.IsConnected = true
	snap.Type = p.netType
	snap.Details = p.details

	if p.url == "" {
		snap.IsInternetReachable = true
		return snap, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return snap, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", p.url).Msg("probe failed")
		return snap, nil
	}
	resp.Body.Close()
	snap.IsInternetReachable = resp.StatusCode < http.StatusInternalServerError
	return snap, nil
}

// Run polls until ctx ends, publishing every result.
func (p *HTTPProbe) Run(ctx context.Context) {
	interval := p.interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := p.Poll(ctx)
			if err != nil {
				p.logger.Warn().Err(err).Msg("connectivity probe error")
				continue
			}
			p.bus.Publish(snap)
		}
	}
}

func hasActiveInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
