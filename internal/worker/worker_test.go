package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/models"
	"mealsync/internal/repository"
	"mealsync/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) UploadMeal(ctx context.Context, image models.ImageRef, onProgress domain.ProgressFunc) (*models.UploadResponse, error) {
	args := m.Called(ctx, image)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UploadResponse), args.Error(1)
}

func (m *mockRemote) GetAnalysis(ctx context.Context, mealID string) (*models.AnalysisResult, error) {
	args := m.Called(ctx, mealID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AnalysisResult), args.Error(1)
}

func (m *mockRemote) GetHistory(ctx context.Context) (json.RawMessage, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *mockRemote) GetWeeklyInsights(ctx context.Context) (json.RawMessage, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

type statusErr int

func (s statusErr) Error() string   { return "http status" }
func (s statusErr) HTTPStatus() int { return int(s) }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), repository.NewMemoryKV(), store.Options{}, nil)
	require.NoError(t, err)
	return s
}

func feedbackItem(t *testing.T, id, mealID string) models.SyncQueueItem {
	data, err := json.Marshal(models.FeedbackFetchData{MealID: mealID})
	require.NoError(t, err)
	return models.SyncQueueItem{ID: id, Kind: models.KindFeedbackFetch, Data: data}
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := DefaultRetryPolicy(3)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.NextDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, p.NextDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx, 5), context.Canceled)
	assert.NoError(t, RetryPolicy{InitialDelay: time.Millisecond}.Wait(context.Background(), 1))
}

func TestDrainSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	remote := new(mockRemote)
	score := 80.0

	remote.On("GetAnalysis", mock.Anything, "m1").Return(&models.AnalysisResult{ID: "m1", AnalysisStatus: models.AnalysisCompleted, NutritionScore: &score, Feedback: "balanced"}, nil)
	remote.On("GetHistory", mock.Anything).Return(json.RawMessage(`[{"id":"m1"}]`), nil)
	remote.On("GetWeeklyInsights", mock.Anything).Return(json.RawMessage(`{"avg":80}`), nil)

	require.NoError(t, s.AddQueueItem(ctx, feedbackItem(t, "q1", "m1")))
	require.NoError(t, s.AddQueueItem(ctx, models.SyncQueueItem{ID: "q2", Kind: models.KindHistoryFetch}))
	require.NoError(t, s.AddQueueItem(ctx, models.SyncQueueItem{ID: "q3", Kind: models.KindInsightsFetch}))

	d := NewQueueDispatcher(s, remote, nil, nil)
	errs := d.Drain(ctx)
	assert.Empty(t, errs)

	items, err := s.ListQueueItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	rec, err := s.GetCachedRecord(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.RecordAnalysis, rec.Kind)
	assert.JSONEq(t, `"balanced"`, string(rec.Feedback))

	_, err = s.GetCachedRecord(ctx, models.HistoryRecordID)
	assert.NoError(t, err)
	_, err = s.GetCachedRecord(ctx, models.InsightsRecordID)
	assert.NoError(t, err)
	remote.AssertExpectations(t)
}

func TestDrainRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	remote := new(mockRemote)
	remote.On("GetHistory", mock.Anything).Return(nil, statusErr(503))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	require.NoError(t, s.AddQueueItem(ctx, models.SyncQueueItem{ID: "h", Kind: models.KindHistoryFetch}))
	d := NewQueueDispatcher(s, remote, rdb, nil)

	for pass := 1; pass <= 2; pass++ {
		errs := d.Drain(ctx)
		require.Len(t, errs, 1)
		assert.Equal(t, models.ClassHTTPServer, errs[0].Class)
		assert.Equal(t, "h", errs[0].ItemID)
	}

	errs := d.Drain(ctx)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ClassRetryExhausted, errs[0].Class)
	assert.Equal(t, "h", errs[0].ItemID)
	assert.ErrorIs(t, errs[0], models.ErrRetryExhausted)
	assert.Contains(t, errs[0].Message, "gave up after 3 attempts")

	items, _ := s.ListQueueItems(ctx)
	assert.Empty(t, items)

	dead, err := d.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "h", dead[0].ID)
	assert.Equal(t, 3, dead[0].RetryCount)
}

func TestDrainClientErrorDropsItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	remote := new(mockRemote)
	remote.On("GetAnalysis", mock.Anything, "gone").Return(nil, statusErr(404)).Once()

	require.NoError(t, s.AddQueueItem(ctx, feedbackItem(t, "q", "gone")))
	require.NoError(t, s.AddQueueItem(ctx, models.SyncQueueItem{ID: "bad", Kind: models.KindFeedbackFetch, Data: json.RawMessage(`{}`)}))

	d := NewQueueDispatcher(s, remote, nil, nil)
	errs := d.Drain(ctx)
	require.Len(t, errs, 2)
	assert.Equal(t, models.ClassHTTPClient, errs[0].Class)

	items, _ := s.ListQueueItems(ctx)
	assert.Empty(t, items)
	remote.AssertNumberOfCalls(t, "GetAnalysis", 1)
}

func TestDrainPendingAnalysis(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	remote := new(mockRemote)
	remote.On("GetAnalysis", mock.Anything, "m").Return(&models.AnalysisResult{ID: "m", AnalysisStatus: models.AnalysisProcessing}, nil)

	require.NoError(t, s.AddQueueItem(ctx, feedbackItem(t, "q", "m")))
	d := NewQueueDispatcher(s, remote, nil, nil)

	assert.Empty(t, d.Drain(ctx))
	assert.Empty(t, d.Drain(ctx))
	items, _ := s.ListQueueItems(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].RetryCount)

	errs := d.Drain(ctx)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ClassAnalysisTimeout, errs[0].Class)
	assert.True(t, errors.Is(errs[0], models.ErrAnalysisTimeout))
}

func TestDispatchUploadKindRefused(t *testing.T) {
	d := NewQueueDispatcher(newTestStore(t), new(mockRemote), nil, nil)
	err := d.Dispatch(context.Background(), &models.SyncQueueItem{ID: "u", Kind: models.KindUpload})
	assert.ErrorIs(t, err, models.ErrUploadKindRouted)

	dead, err := d.DeadLetters(context.Background(), 5)
	assert.NoError(t, err)
	assert.Nil(t, dead)
}

func TestOverlappingDrainsDispatchItemOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	remote := new(mockRemote)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	remote.On("GetHistory", mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-unblock
	}).Return(nil, statusErr(503)).Once()

	require.NoError(t, s.AddQueueItem(ctx, models.SyncQueueItem{ID: "h", Kind: models.KindHistoryFetch}))
	d := NewQueueDispatcher(s, remote, nil, nil)

	first := make(chan []*models.SyncError, 1)
	go func() { first <- d.Drain(ctx) }()
	<-entered

	assert.Empty(t, d.Drain(ctx), "item held by the first drain is skipped")
	close(unblock)
	require.Len(t, <-first, 1)

	items, err := s.ListQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	remote.AssertNumberOfCalls(t, "GetHistory", 1)
}
