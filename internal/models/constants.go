package models

import "time"

const (
	// DefaultMaxRetries is the retry budget of a persisted work item before it is dropped.
	DefaultMaxRetries = 3

	// DefaultCacheCapacity bounds the cached record collection.
	DefaultCacheCapacity = 50

	// DefaultCacheMaxAge is the age after which cached records expire during a pass.
	DefaultCacheMaxAge = 7 * 24 * time.Hour

	// DefaultKeyPrefix namespaces persisted collections in the key-value backend.
	DefaultKeyPrefix = "mealsync"

	DefaultUploadRetryAttempts = 3
	DefaultUploadTimeout       = 30 * time.Second

	// DefaultPollInterval and DefaultMaxPolls bound analysis polling to roughly one minute.
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 30

	// DefaultBatchSize is the concurrent fan-out for uploads on a mobile uplink.
	DefaultBatchSize  = 3
	DefaultBatchDelay = 500 * time.Millisecond

	DefaultSyncInterval = 5 * time.Minute
	DefaultSettleDelay  = 2 * time.Second

	// Backoff bounds: min(1000 * 2^(attempt-1), 10000) ms.
	BackoffInitialDelay = time.Second
	BackoffMaxDelay     = 10 * time.Second
	BackoffFactor       = 2
)

// Collection names of the durable work store.
const (
	CollectionPendingUploads = "pending_uploads"
	CollectionCachedRecords  = "cached_records"
	CollectionSyncQueue      = "sync_queue"
)
