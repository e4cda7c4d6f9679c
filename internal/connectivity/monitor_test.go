package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mealsync/internal/config"
	"mealsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorIsOnlineTracksBothFields(t *testing.T) {
	src := NewStaticSource(Offline())
	m := NewMonitor(context.Background(), src, nil)
	defer m.Close()

	seq := []struct{ connected, reachable bool }{
		{true, false}, {true, true}, {false, true}, {false, false}, {true, true}, {true, false},
	}
	for _, s := range seq {
		src.Set(models.NetworkSnapshot{IsConnected: s.connected, IsInternetReachable: s.reachable, Type: models.NetworkWifi})
		assert.Equal(t, s.connected && s.reachable, m.IsOnline())
		assert.Equal(t, s.connected, m.CurrentState().IsConnected)
	}
}

func TestMonitorNotifiesOnlyOnChange(t *testing.T) {
	src := NewStaticSource(Online(models.NetworkWifi, ""))
	m := NewMonitor(context.Background(), src, nil)
	defer m.Close()

	var mu sync.Mutex
	var got []models.NetworkSnapshot
	sub := m.AddListener(func(s models.NetworkSnapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	src.Set(Online(models.NetworkWifi, ""))
	src.Set(Online(models.NetworkCellular, "4g"))
	src.Set(Online(models.NetworkCellular, "4g"))
	src.Set(Offline())

	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()

	sub.Unsubscribe()
	src.Set(Online(models.NetworkWifi, ""))
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
	assert.Equal(t, 0, m.ListenerCount())
}

func TestWaitForConnection(t *testing.T) {
	t.Run("AlreadyOnline", func(t *testing.T) {
		m := NewMonitor(context.Background(), NewStaticSource(Online(models.NetworkWifi, "")), nil)
		defer m.Close()
		assert.True(t, m.WaitForConnection(context.Background(), time.Millisecond))
		assert.Equal(t, 0, m.ListenerCount())
	})

	t.Run("TransitionWithinTimeout", func(t *testing.T) {
		src := NewStaticSource(Offline())
		m := NewMonitor(context.Background(), src, nil)
		defer m.Close()

		go func() {
			time.Sleep(20 * time.Millisecond)
			src.Set(Online(models.NetworkCellular, "5g"))
		}()
		assert.True(t, m.WaitForConnection(context.Background(), 2*time.Second))
		assert.Equal(t, 0, m.ListenerCount())
	})

	t.Run("Timeout", func(t *testing.T) {
		src := NewStaticSource(Offline())
		m := NewMonitor(context.Background(), src, nil)
		defer m.Close()

		start := time.Now()
		assert.False(t, m.WaitForConnection(context.Background(), 30*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.Equal(t, 0, m.ListenerCount())

		// Connected without internet does not count.
		go src.Set(models.NetworkSnapshot{IsConnected: true, Type: models.NetworkWifi})
		assert.False(t, m.WaitForConnection(context.Background(), 30*time.Millisecond))
		assert.Equal(t, 0, m.ListenerCount())
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		m := NewMonitor(context.Background(), NewStaticSource(Offline()), nil)
		defer m.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, m.WaitForConnection(ctx, time.Hour))
		assert.Equal(t, 0, m.ListenerCount())
	})
}

func TestMonitorClose(t *testing.T) {
	src := NewStaticSource(Offline())
	m := NewMonitor(context.Background(), src, nil)
	m.Close()
	m.Close()

	src.Set(Online(models.NetworkWifi, ""))
	assert.False(t, m.IsOnline())
}

func TestHTTPProbe(t *testing.T) {
	status := http.StatusNoContent
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	probe := NewHTTPProbe(config.ConnectivityConfig{
		ProbeURL:      srv.URL,
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  time.Second,
		NetworkType:   "cellular",
		Generation:    "3g",
	}, nil)
	probe.hasLink = func() bool { return true }

	snap, err := probe.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Online())
	assert.Equal(t, models.ClassConstrained, snap.Class())
	assert.True(t, snap.Details.IsExpensive)

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	snap, err = probe.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.IsConnected)
	assert.False(t, snap.IsInternetReachable)

	probe.hasLink = func() bool { return false }
	snap, err = probe.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.IsConnected)
	assert.Equal(t, models.NetworkNone, snap.Type)
}

func TestHTTPProbeRunFeedsMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := NewHTTPProbe(config.ConnectivityConfig{ProbeURL: srv.URL, ProbeInterval: 5 * time.Millisecond, ProbeTimeout: time.Second, NetworkType: "wifi"}, nil)
	probe.hasLink = func() bool { return false }

	m := NewMonitor(context.Background(), probe, nil)
	defer m.Close()
	require.False(t, m.IsOnline())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probe.hasLink = func() bool { return true }
	go probe.Run(ctx)

	assert.True(t, m.WaitForConnection(context.Background(), 2*time.Second))
	assert.Equal(t, models.ClassWifi, m.CurrentState().Class())
}
