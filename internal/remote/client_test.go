package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mealsync/internal/config"
	"mealsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, size int) models.ImageRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meal.jpg")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644))
	return models.ImageRef{URI: "file://" + path, MimeType: "image/jpeg", FileName: "meal.jpg", ByteSize: int64(size)}
}

func newClient(url string) *Client {
	return NewClient(config.RemoteConfig{BaseURL: url, Token: "secret", Timeout: 5 * time.Second}, nil, nil)
}

func TestUploadMeal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/meals/upload", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Len(t, data, 64*1024)
		assert.Equal(t, "meal.jpg", header.Filename)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))

		_ = json.NewEncoder(w).Encode(map[string]string{"mealId": "m-1"})
	}))
	defer srv.Close()

	var last, total int64
	monotonic := true
	resp, err := newClient(srv.URL).UploadMeal(context.Background(), writeImage(t, 64*1024), func(sent, tot int64) {
		if sent < last {
			monotonic = false
		}
		last, total = sent, tot
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", resp.MealID)
	assert.True(t, monotonic)
	assert.Equal(t, total, last)
	assert.Greater(t, total, int64(64*1024))
}

func TestUploadMealErrors(t *testing.T) {
	t.Run("HTTPError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unsupported image", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		_, err := newClient(srv.URL).UploadMeal(context.Background(), writeImage(t, 10), nil)
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
		assert.Equal(t, "unsupported image", httpErr.Body)
		assert.Equal(t, models.ClassHTTPClient, models.Classify(err))
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := newClient(srv.URL).UploadMeal(context.Background(), writeImage(t, 10), nil)
		assert.True(t, models.IsRetryable(err))
	})

	t.Run("NoMealID", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		_, err := newClient(srv.URL).UploadMeal(context.Background(), writeImage(t, 10), nil)
		assert.Error(t, err)
	})

	t.Run("ConnectionRefused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := newClient(url).UploadMeal(context.Background(), writeImage(t, 10), nil)
		assert.Equal(t, models.ClassNetwork, models.Classify(err))
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := newClient("http://127.0.0.1:1").UploadMeal(context.Background(), models.ImageRef{URI: "/does/not/exist.jpg"}, nil)
		assert.Error(t, err)
		assert.False(t, models.IsRetryable(err))
	})
}

func TestGetAnalysis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/meals/m-7/analysis", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"m-7","analysisStatus":"completed","detectedFoods":[{"name":"rice","confidence":0.9}],"nutritionScore":72}`))
	}))
	defer srv.Close()

	res, err := newClient(srv.URL).GetAnalysis(context.Background(), "m-7")
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisCompleted, res.AnalysisStatus)
	require.Len(t, res.DetectedFoods, 1)
	assert.Equal(t, "rice", res.DetectedFoods[0].Name)
	require.NotNil(t, res.NutritionScore)
	assert.Equal(t, 72.0, *res.NutritionScore)
}

func TestHistoryCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/meals/history":
			_, _ = w.Write([]byte(`[{"id":"m1"}]`))
		case "/insights/weekly":
			_, _ = w.Write([]byte(`{"avgScore":70}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := newClient(srv.URL)
	c.UseRedisCache(rdb, time.Minute)
	ctx := context.Background()

	h1, err := c.GetHistory(ctx)
	require.NoError(t, err)
	h2, err := c.GetHistory(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(h1), string(h2))
	assert.Equal(t, int32(1), calls.Load())

	ins, err := c.GetWeeklyInsights(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"avgScore":70}`, string(ins))
	assert.Equal(t, int32(2), calls.Load())

	mr.FastForward(2 * time.Minute)
	_, err = c.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBypassCacheReadsServerAndRefreshesCopy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_, _ = w.Write([]byte(`[{"id":"m` + string(rune('0'+n)) + `"}]`))
	}))
	defer srv.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := newClient(srv.URL)
	c.UseRedisCache(rdb, time.Hour)
	ctx := context.Background()

	h, err := c.GetHistory(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"m1"}]`, string(h))

	h, err = c.GetHistory(BypassCache(ctx))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"m2"}]`, string(h))
	assert.Equal(t, int32(2), calls.Load())

	h, err = c.GetHistory(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"m2"}]`, string(h), "plain reads see the refreshed copy")
	assert.Equal(t, int32(2), calls.Load())

	assert.False(t, CacheBypassed(ctx))
	assert.True(t, CacheBypassed(BypassCache(ctx)))
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, "/tmp/a.jpg", LocalPath("file:///tmp/a.jpg"))
	assert.Equal(t, "relative/a.jpg", LocalPath("relative/a.jpg"))
}
