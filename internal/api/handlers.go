package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"mealsync/internal/models"
	"mealsync/internal/upload"
)

// SyncController is the coordinator surface exposed over HTTP.
type SyncController interface {
	Status() models.SyncStatus
	SyncNow(ctx context.Context, force bool) (models.SyncStatus, bool)
	ClearSyncErrors()
	EnqueueUpload(ctx context.Context, image models.ImageRef, opts upload.Options) (string, error)
}

// DeadLetterSource lists queue items dropped after failing for good.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, limit int64) ([]models.SyncQueueItem, error)
}

// uploadRequest is an image reference plus optional per-image upload choices.
type uploadRequest struct {
	models.ImageRef
	Compress *bool   `json:"compress,omitempty"`
	Quality  float64 `json:"quality,omitempty"`
}

const defaultDeadLetterLimit = 50

type statusResponse struct {
	models.SyncStatus
	Ran bool `json:"ran"`
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.sync.Status())
}

func (s *HTTPServer) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	force := false
	if raw := strings.TrimSpace(r.URL.Query().Get("force")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = v
	}

	// The pass outlives a disconnected client.
	st, ran := s.sync.SyncNow(context.WithoutCancel(r.Context()), force)
	code := http.StatusOK
	if !ran {
		code = http.StatusConflict
	}
	writeJSON(w, code, statusResponse{SyncStatus: st, Ran: ran})
}

func (s *HTTPServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sync.ClearSyncErrors()
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req uploadRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	image := req.ImageRef
	if strings.TrimSpace(image.URI) == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	if req.Quality < 0 || req.Quality > 1 {
		writeError(w, http.StatusBadRequest, "quality must be between 0 and 1")
		return
	}

	opts := upload.DefaultOptions()
	if req.Compress != nil {
		opts.Compress = *req.Compress
	}
	opts.Quality = req.Quality

	id, err := s.sync.EnqueueUpload(r.Context(), image, opts)
	if err != nil {
		s.logger.Error().Err(err).Str("uri", image.URI).Msg("enqueue upload failed")
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := int64(defaultDeadLetterLimit)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}

	items := []models.SyncQueueItem{}
	if s.deadLetters != nil {
		found, err := s.deadLetters.DeadLetters(r.Context(), limit)
		if err != nil {
			s.logger.Error().Err(err).Msg("read dead letters failed")
			writeError(w, http.StatusServiceUnavailable, "dead letters unavailable")
			return
		}
		if found != nil {
			items = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := s.network.CurrentState()
	writeJSON(w, http.StatusOK, map[string]any{
		"online":   snap.Online(),
		"class":    snap.Class(),
		"snapshot": snap,
	})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once the work store answers.
func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.PendingCount(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "online": s.network.IsOnline()})
}
