package export

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mealsync/internal/models"
	"mealsync/internal/repository"
	"mealsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func ptr(v float64) *float64 { return &v }

func TestExportWritesMealsAndHistory(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, repository.NewMemoryKV(), store.Options{}, nil)
	require.NoError(t, err)

	older := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	rec, err := models.AnalysisRecord(&models.AnalysisResult{
		ID:             "m1",
		AnalysisStatus: models.AnalysisCompleted,
		NutritionScore: ptr(81),
		DetectedFoods: []models.DetectedFood{
			{Name: "rice", Confidence: 0.9, Calories: ptr(200)},
			{Name: "salmon", Confidence: 0.8, Calories: ptr(350)},
		},
		Feedback: "solid lunch",
	}, older)
	require.NoError(t, err)
	require.NoError(t, s.UpsertCachedRecord(ctx, rec))

	rec, err = models.AnalysisRecord(&models.AnalysisResult{ID: "m2", AnalysisStatus: models.AnalysisFailed}, newer)
	require.NoError(t, err)
	require.NoError(t, s.UpsertCachedRecord(ctx, rec))

	history, _ := json.Marshal([]models.HistoryEntry{
		{ID: "m1", CreatedAt: older, AnalysisStatus: models.AnalysisCompleted, NutritionScore: ptr(81)},
		{ID: "m0", AnalysisStatus: models.AnalysisPending},
	})
	require.NoError(t, s.UpsertCachedRecord(ctx, models.CachedRecord{ID: models.HistoryRecordID, Kind: models.RecordHistory, Entity: history, CachedAt: newer}))
	require.NoError(t, s.UpsertCachedRecord(ctx, models.CachedRecord{ID: models.InsightsRecordID, Kind: models.RecordInsights, Entity: json.RawMessage(`{"avg":70}`), CachedAt: newer}))

	e := NewExporter(s, t.TempDir(), nil)
	e.now = func() time.Time { return newer }
	path, err := e.Export(ctx)
	require.NoError(t, err)
	assert.Contains(t, path, "meals_2026-03-01_130000.xlsx")

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetMeals, sheetHistory}, f.GetSheetList())

	rows, err := f.GetRows(sheetMeals)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, mealHeaders, rows[0])
	assert.Equal(t, "m2", rows[1][0], "newest first")
	assert.Equal(t, "m1", rows[2][0])
	assert.Equal(t, "rice, salmon", rows[2][3])
	assert.Equal(t, "550", rows[2][4])
	assert.Equal(t, "solid lunch", rows[2][5])

	rows, err = f.GetRows(sheetHistory)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "m0", rows[2][0])
	assert.Equal(t, "pending", rows[2][2])
}

func TestExportEmptyCache(t *testing.T) {
	s, err := store.Open(context.Background(), repository.NewMemoryKV(), store.Options{}, nil)
	require.NoError(t, err)

	path, err := NewExporter(s, t.TempDir(), nil).Export(context.Background())
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheetMeals)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
