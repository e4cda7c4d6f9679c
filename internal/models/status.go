package models

import "time"

// SyncStatus is recomputed after every pass. Callers get copies.
type SyncStatus struct {
	IsRunning         bool        `json:"is_running"`
	LastSyncTimestamp *time.Time  `json:"last_sync_timestamp,omitempty"`
	PendingItemCount  int         `json:"pending_item_count"`
	Errors            []SyncError `json:"errors"`
}

// Clone returns a copy that shares nothing with s.
func (s SyncStatus) Clone() SyncStatus {
	out := s
	if s.LastSyncTimestamp != nil {
		ts := *s.LastSyncTimestamp
		out.LastSyncTimestamp = &ts
	}
	out.Errors = append([]SyncError(nil), s.Errors...)
	return out
}
