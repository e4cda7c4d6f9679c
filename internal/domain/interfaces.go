package domain

import (
	"context"
	"encoding/json"
	"time"

	"mealsync/internal/models"
)

// KV is the persistence backend of the work store. Update runs fn atomically
// against the current value of key; a nil current value means the key is
// absent. Returning nil from fn deletes the key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Close() error
}

type WorkStore interface {
	AddPendingUpload(ctx context.Context, item models.PendingUpload) error
	ListPendingUploads(ctx context.Context) ([]models.PendingUpload, error)
	RemovePendingUpload(ctx context.Context, id string) error
	IncrementPendingUploadRetry(ctx context.Context, id, cause string) (removed bool, err error)

	UpsertCachedRecord(ctx context.Context, rec models.CachedRecord) error
	ListCachedRecords(ctx context.Context) ([]models.CachedRecord, error)
	GetCachedRecord(ctx context.Context, id string) (*models.CachedRecord, error)
	RemoveCachedRecord(ctx context.Context, id string) error
	ExpireCachedRecords(ctx context.Context, maxAge time.Duration) (int, error)

	AddQueueItem(ctx context.Context, item models.SyncQueueItem) error
	ListQueueItems(ctx context.Context) ([]models.SyncQueueItem, error)
	RemoveQueueItem(ctx context.Context, id string) error
	IncrementQueueItemRetry(ctx context.Context, id, cause string) (removed bool, err error)

	PendingCount(ctx context.Context) (int, error)
}

// Compressor is the network-adaptive image transform. Release frees an image
// previously returned by Compress once the caller is done with it.
type Compressor interface {
	Compress(ctx context.Context, image models.ImageRef, tier models.CompressionTier) (models.ImageRef, models.CompressionStats, error)
	Release(image models.ImageRef) error
}

// TokenSource yields the bearer token for the remote API. An empty token
// sends the request unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ProgressFunc receives raw transfer progress in bytes.
type ProgressFunc func(sent, total int64)

type RemoteAPI interface {
	UploadMeal(ctx context.Context, image models.ImageRef, onProgress ProgressFunc) (*models.UploadResponse, error)
	GetAnalysis(ctx context.Context, mealID string) (*models.AnalysisResult, error)
	GetHistory(ctx context.Context) (json.RawMessage, error)
	GetWeeklyInsights(ctx context.Context) (json.RawMessage, error)
}

// Subscription is a removable listener registration.
type Subscription interface {
	Unsubscribe()
}

type NetworkMonitor interface {
	CurrentState() models.NetworkSnapshot
	IsOnline() bool
	AddListener(fn func(models.NetworkSnapshot)) Subscription
	WaitForConnection(ctx context.Context, timeout time.Duration) bool
}
