package models

import (
	"encoding/json"
	"time"
)

type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// Terminal reports whether polling can stop.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisCompleted || s == AnalysisFailed
}

type DetectedFood struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Calories   *float64 `json:"calories,omitempty"`
	Portion    string   `json:"portion,omitempty"`
}

// AnalysisResult is the body of GET /meals/{id}/analysis.
type AnalysisResult struct {
	ID             string         `json:"id"`
	AnalysisStatus AnalysisStatus `json:"analysisStatus"`
	DetectedFoods  []DetectedFood `json:"detectedFoods"`
	NutritionScore *float64       `json:"nutritionScore,omitempty"`
	Feedback       string         `json:"feedback,omitempty"`
	FailureReason  string         `json:"failureReason,omitempty"`
}

// UploadResponse is the body of POST /meals/upload.
type UploadResponse struct {
	MealID string `json:"mealId"`
}

// HistoryEntry is one meal of GET /meals/history as far as the engine reads it.
type HistoryEntry struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"createdAt"`
	AnalysisStatus AnalysisStatus `json:"analysisStatus"`
	NutritionScore *float64       `json:"nutritionScore,omitempty"`
	DetectedFoods  []DetectedFood `json:"detectedFoods,omitempty"`
}

// AnalysisRecord builds the cache entry of an analysis result.
func AnalysisRecord(res *AnalysisResult, at time.Time) (CachedRecord, error) {
	entity, err := json.Marshal(res)
	if err != nil {
		return CachedRecord{}, err
	}
	rec := CachedRecord{ID: res.ID, Kind: RecordAnalysis, Entity: entity, CachedAt: at}
	if res.Feedback != "" {
		fb, err := json.Marshal(res.Feedback)
		if err != nil {
			return CachedRecord{}, err
		}
		rec.Feedback = fb
	}
	return rec, nil
}
