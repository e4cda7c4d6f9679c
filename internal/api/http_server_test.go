package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mealsync/internal/config"
	"mealsync/internal/connectivity"
	"mealsync/internal/models"
	"mealsync/internal/repository"
	"mealsync/internal/store"
	"mealsync/internal/upload"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSync struct {
	mock.Mock
}

func (m *mockSync) Status() models.SyncStatus {
	return m.Called().Get(0).(models.SyncStatus)
}

func (m *mockSync) SyncNow(ctx context.Context, force bool) (models.SyncStatus, bool) {
	args := m.Called(force)
	return args.Get(0).(models.SyncStatus), args.Bool(1)
}

func (m *mockSync) ClearSyncErrors() { m.Called() }

func (m *mockSync) EnqueueUpload(ctx context.Context, image models.ImageRef, opts upload.Options) (string, error) {
	args := m.Called(image, opts)
	return args.String(0), args.Error(1)
}

type mockDeadLetters struct {
	mock.Mock
}

func (m *mockDeadLetters) DeadLetters(ctx context.Context, limit int64) ([]models.SyncQueueItem, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SyncQueueItem), args.Error(1)
}

func newTestServer(t *testing.T, cfg config.APIConfig) (*httptest.Server, *mockSync, *connectivity.StaticSource) {
	t.Helper()
	st, err := store.Open(context.Background(), repository.NewMemoryKV(), store.Options{}, nil)
	require.NoError(t, err)
	src := connectivity.NewStaticSource(connectivity.Online(models.NetworkWifi, ""))
	mon := connectivity.NewMonitor(context.Background(), src, nil)
	t.Cleanup(mon.Close)

	ctrl := new(mockSync)
	srv := NewHTTPServer(cfg, ctrl, mon, st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ctrl, src
}

func do(t *testing.T, method, url string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	ts, ctrl, _ := newTestServer(t, config.APIConfig{})
	ctrl.On("Status").Return(models.SyncStatus{PendingItemCount: 4})

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/sync/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.SyncStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 4, body.PendingItemCount)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/sync/status", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncNowEndpoint(t *testing.T) {
	ts, ctrl, _ := newTestServer(t, config.APIConfig{})
	ctrl.On("SyncNow", false).Return(models.SyncStatus{IsRunning: true}, false).Once()
	ctrl.On("SyncNow", true).Return(models.SyncStatus{}, true).Once()

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/sync/now", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/sync/now?force=true", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Ran bool `json:"ran"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Ran)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/sync/now?force=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	ctrl.AssertExpectations(t)
}

func TestClearErrorsEndpoint(t *testing.T) {
	ts, ctrl, _ := newTestServer(t, config.APIConfig{})
	ctrl.On("ClearSyncErrors").Return().Once()

	resp := do(t, http.MethodDelete, ts.URL+"/api/v1/sync/errors", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	ctrl.AssertExpectations(t)
}

func TestUploadsEndpoint(t *testing.T) {
	ts, ctrl, _ := newTestServer(t, config.APIConfig{})
	img := models.ImageRef{URI: "file:///tmp/lunch.jpg", MimeType: "image/jpeg", FileName: "lunch.jpg", ByteSize: 2048}
	ctrl.On("EnqueueUpload", img, upload.DefaultOptions()).Return("up-1", nil)
	ctrl.On("EnqueueUpload", img, upload.Options{Compress: false, Quality: 0.5}).Return("up-2", nil)

	payload, _ := json.Marshal(img)
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/uploads", string(payload), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "up-1", body["id"])

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/uploads",
		`{"uri":"file:///tmp/lunch.jpg","mime_type":"image/jpeg","file_name":"lunch.jpg","byte_size":2048,"compress":false,"quality":0.5}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "up-2", body["id"])

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/uploads", `{"uri":"file:///a.jpg","quality":3}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/uploads", `{"file_name":"x.jpg"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/uploads", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLettersEndpoint(t *testing.T) {
	st, err := store.Open(context.Background(), repository.NewMemoryKV(), store.Options{}, nil)
	require.NoError(t, err)
	mon := connectivity.NewMonitor(context.Background(), connectivity.NewStaticSource(connectivity.Offline()), nil)
	t.Cleanup(mon.Close)

	srv := NewHTTPServer(config.APIConfig{}, new(mockSync), mon, st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/sync/deadletters", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty map[string][]models.SyncQueueItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.NotNil(t, empty["items"])
	assert.Empty(t, empty["items"])

	dl := new(mockDeadLetters)
	dl.On("DeadLetters", int64(defaultDeadLetterLimit)).Return([]models.SyncQueueItem{{ID: "h", Kind: models.KindHistoryFetch, RetryCount: 3}}, nil)
	dl.On("DeadLetters", int64(2)).Return(nil, nil)
	srv = NewHTTPServer(config.APIConfig{}, new(mockSync), mon, st, nil)
	srv.UseDeadLetters(dl)
	ts = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/sync/deadletters", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string][]models.SyncQueueItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body["items"], 1)
	assert.Equal(t, "h", body["items"][0].ID)
	assert.Equal(t, 3, body["items"][0].RetryCount)

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/api/v1/sync/deadletters?limit=2", "", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, ts.URL+"/api/v1/sync/deadletters?limit=0", "", nil).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, http.MethodPost, ts.URL+"/api/v1/sync/deadletters", "", nil).StatusCode)
	dl.AssertExpectations(t)
}

func TestNetworkAndProbes(t *testing.T) {
	ts, _, src := newTestServer(t, config.APIConfig{})

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/network", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["online"])
	assert.Equal(t, "wifi", body["class"])

	src.Set(connectivity.Offline())
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/network", "", nil)
	body = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["online"])

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/healthz", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/readyz", "", nil).StatusCode)
}

func TestHTTPAuthAndRateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys: []config.APIClientKey{
				{Key: "reader", Permissions: []string{permReadSync}},
				{Key: "admin"},
			},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 2},
	}
	ts, ctrl, _ := newTestServer(t, cfg)
	ctrl.On("Status").Return(models.SyncStatus{})
	ctrl.On("ClearSyncErrors").Return()

	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, ts.URL+"/api/v1/sync/status", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, ts.URL+"/api/v1/sync/status", "", map[string]string{"x-api-key": "bogus"}).StatusCode)

	reader := map[string]string{"x-api-key": "reader"}
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/api/v1/sync/status", "", reader).StatusCode)
	assert.Equal(t, http.StatusForbidden, do(t, http.MethodDelete, ts.URL+"/api/v1/sync/errors", "", reader).StatusCode)

	admin := map[string]string{"x-api-key": "admin"}
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, ts.URL+"/api/v1/sync/errors", "", admin).StatusCode)
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, ts.URL+"/api/v1/sync/errors", "", admin).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, do(t, http.MethodDelete, ts.URL+"/api/v1/sync/errors", "", admin).StatusCode)

	// Probes stay open without a key.
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/healthz", "", nil).StatusCode)
}
