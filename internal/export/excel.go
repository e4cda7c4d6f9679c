package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	sheetMeals   = "Meals"
	sheetHistory = "History"
)

var (
	mealHeaders    = []string{"Meal ID", "Status", "Nutrition score", "Foods", "Calories", "Feedback", "Cached at"}
	historyHeaders = []string{"Meal ID", "Created at", "Status", "Nutrition score", "Foods"}
)

// Exporter writes the locally cached meal data to an XLSX workbook. It reads
// only the cache, so it works offline.
type Exporter struct {
	store  domain.WorkStore
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

func NewExporter(store domain.WorkStore, dir string, logger *zerolog.Logger) *Exporter {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "export").Logger()
	}
	return &Exporter{store: store, dir: dir, logger: l, now: time.Now}
}

// Export builds the workbook and returns its path.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	records, err := e.store.ListCachedRecords(ctx)
	if err != nil {
		return "", fmt.Errorf("list cached records: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	meals, err := e.writeMeals(f, records)
	if err != nil {
		return "", err
	}
	history, err := e.writeHistory(f, records)
	if err != nil {
		return "", err
	}
	_ = f.DeleteSheet("Sheet1")
	if idx, err := f.GetSheetIndex(sheetMeals); err == nil {
		f.SetActiveSheet(idx)
	}

	fileName := fmt.Sprintf("meals_%s.xlsx", e.now().Format("2006-01-02_150405"))
	filePath := filepath.Join(e.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("meals", meals).Int("history", history).Msg("export written")
	return filePath, nil
}

func (e *Exporter) writeMeals(f *excelize.File, records []models.CachedRecord) (int, error) {
	if _, err := f.NewSheet(sheetMeals); err != nil {
		return 0, fmt.Errorf("create sheet: %w", err)
	}
	writeHeader(f, sheetMeals, mealHeaders)

	var rows []mealRow
	for _, rec := range records {
		if rec.Kind != models.RecordAnalysis {
			continue
		}
		var res models.AnalysisResult
		if err := json.Unmarshal(rec.Entity, &res); err != nil {
			e.logger.Warn().Err(err).Str("id", rec.ID).Msg("skip undecodable analysis record")
			continue
		}
		rows = append(rows, mealRow{res: res, cachedAt: rec.CachedAt})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].cachedAt.After(rows[j].cachedAt) })

	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = f.SetSheetRow(sheetMeals, cell, &[]any{
			r.res.ID,
			string(r.res.AnalysisStatus),
			scoreValue(r.res.NutritionScore),
			foodNames(r.res.DetectedFoods),
			totalCalories(r.res.DetectedFoods),
			r.res.Feedback,
			r.cachedAt.Format(time.DateTime),
		})
	}

	_ = f.SetColWidth(sheetMeals, "A", "A", 38)
	_ = f.SetColWidth(sheetMeals, "D", "D", 40)
	_ = f.SetColWidth(sheetMeals, "F", "F", 60)
	return len(rows), nil
}

type mealRow struct {
	res      models.AnalysisResult
	cachedAt time.Time
}

func (e *Exporter) writeHistory(f *excelize.File, records []models.CachedRecord) (int, error) {
	if _, err := f.NewSheet(sheetHistory); err != nil {
		return 0, fmt.Errorf("create sheet: %w", err)
	}
	writeHeader(f, sheetHistory, historyHeaders)

	var entries []models.HistoryEntry
	for _, rec := range records {
		if rec.Kind != models.RecordHistory {
			continue
		}
		if err := json.Unmarshal(rec.Entity, &entries); err != nil {
			e.logger.Warn().Err(err).Msg("history record is not a meal list")
		}
		break
	}

	for i, h := range entries {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		created := ""
		if !h.CreatedAt.IsZero() {
			created = h.CreatedAt.Format(time.DateTime)
		}
		_ = f.SetSheetRow(sheetHistory, cell, &[]any{
			h.ID,
			created,
			string(h.AnalysisStatus),
			scoreValue(h.NutritionScore),
			foodNames(h.DetectedFoods),
		})
	}
	_ = f.SetColWidth(sheetHistory, "A", "A", 38)
	_ = f.SetColWidth(sheetHistory, "E", "E", 40)
	return len(entries), nil
}

func writeHeader(f *excelize.File, sheet string, headers []string) {
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	_ = f.SetSheetRow(sheet, "A1", &row)

	style, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(sheet, "A1", last, style)
}

func scoreValue(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func foodNames(foods []models.DetectedFood) string {
	names := make([]string, 0, len(foods))
	for _, f := range foods {
		names = append(names, f.Name)
	}
	return strings.Join(names, ", ")
}

func totalCalories(foods []models.DetectedFood) any {
	var sum float64
	known := false
	for _, f := range foods {
		if f.Calories != nil {
			sum += *f.Calories
			known = true
		}
	}
	if !known {
		return ""
	}
	return sum
}
