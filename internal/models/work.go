package models

import (
	"encoding/json"
	"time"
)

// ImageRef describes a captured image. Pixel data is never inspected here.
type ImageRef struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
	ByteSize int64  `json:"byte_size,omitempty"`
}

// PendingUpload is the only representation of a deferred image upload.
type PendingUpload struct {
	ID            string      `json:"id"`
	Image         ImageRef    `json:"image"`
	CreatedAt     time.Time   `json:"created_at"`
	RetryCount    int         `json:"retry_count"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	Prefs         UploadPrefs `json:"prefs"`
}

// UploadPrefs are the caller's per-image choices kept with a deferred upload.
type UploadPrefs struct {
	SkipCompression bool    `json:"skip_compression,omitempty"`
	Quality         float64 `json:"quality,omitempty"`
}

func (p PendingUpload) ItemID() string { return p.ID }

func (p *PendingUpload) IncRetry(at time.Time, cause string) int {
	p.RetryCount++
	p.LastAttemptAt = &at
	p.LastError = cause
	return p.RetryCount
}

type RecordKind string

const (
	RecordAnalysis RecordKind = "analysis"
	RecordHistory  RecordKind = "history"
	RecordInsights RecordKind = "insights"
)

// Well-known ids of singleton cached records.
const (
	HistoryRecordID  = "history"
	InsightsRecordID = "insights:weekly"
)

// CachedRecord is the last known server-authoritative view of an entity.
type CachedRecord struct {
	ID       string          `json:"id"`
	Kind     RecordKind      `json:"kind"`
	Entity   json.RawMessage `json:"entity"`
	Feedback json.RawMessage `json:"feedback,omitempty"`
	CachedAt time.Time       `json:"cached_at"`
}

func (r CachedRecord) ItemID() string { return r.ID }

type QueueKind string

const (
	// KindUpload is only recognised to migrate legacy persisted state; new
	// uploads are always PendingUploads.
	KindUpload        QueueKind = "upload"
	KindFeedbackFetch QueueKind = "feedback-fetch"
	KindHistoryFetch  QueueKind = "history-fetch"
	KindInsightsFetch QueueKind = "insights-fetch"
)

func (k QueueKind) Valid() bool {
	switch k {
	case KindUpload, KindFeedbackFetch, KindHistoryFetch, KindInsightsFetch:
		return true
	}
	return false
}

// SyncQueueItem is a generic deferred operation that is not a raw image upload.
type SyncQueueItem struct {
	ID         string          `json:"id"`
	Kind       QueueKind       `json:"kind"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

func (q SyncQueueItem) ItemID() string { return q.ID }

func (q *SyncQueueItem) IncRetry(_ time.Time, cause string) int {
	q.RetryCount++
	q.LastError = cause
	return q.RetryCount
}

// FeedbackFetchData is the payload of a feedback-fetch queue item.
type FeedbackFetchData struct {
	MealID string `json:"meal_id"`
}
