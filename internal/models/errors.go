package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrOffline          = errors.New("device is offline")
	ErrCancelled        = errors.New("operation cancelled")
	ErrAnalysisFailed   = errors.New("analysis failed")
	ErrAnalysisTimeout  = errors.New("analysis did not complete in time")
	ErrRetryExhausted   = errors.New("retry budget exhausted")
	ErrUploadKindRouted = errors.New("upload items must be stored as pending uploads")
	ErrNotFound         = errors.New("not found")
	ErrInvalidKind      = errors.New("unknown sync queue kind")
	ErrUploadInFlight   = errors.New("upload already in flight")
)

type ErrorClass string

const (
	ClassOffline         ErrorClass = "offline"
	ClassNetwork         ErrorClass = "network"
	ClassTimeout         ErrorClass = "timeout"
	ClassHTTPClient      ErrorClass = "http_client"
	ClassHTTPServer      ErrorClass = "http_server"
	ClassAnalysisFailed  ErrorClass = "analysis_failed"
	ClassAnalysisTimeout ErrorClass = "analysis_timeout"
	ClassCancelled       ErrorClass = "cancelled"
	ClassRetryExhausted  ErrorClass = "retry_exhausted"
	ClassInternal        ErrorClass = "internal"
)

// Retryable reports whether another attempt of the same request may succeed.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassHTTPServer:
		return true
	}
	return false
}

// Sync pass steps.
const (
	StepConnectivity = "connectivity"
	StepUpload       = "upload"
	StepPendingDrain = "pending_uploads"
	StepHistory      = "history"
	StepInsights     = "insights"
	StepQueue        = "sync_queue"
	StepCache        = "cache"
)

// SyncError is a classified failure. It is returned by the upload pipeline
// and recorded in SyncStatus by the coordinator.
type SyncError struct {
	Step    string     `json:"step,omitempty"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	ItemID  string     `json:"item_id,omitempty"`
	At      time.Time  `json:"at"`
	Cause   error      `json:"-"`
}

func (e *SyncError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s: %s (item %s)", e.Class, e.Message, e.ItemID)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Cause }

func (e *SyncError) Retryable() bool { return e.Class.Retryable() }

// NewSyncError classifies err and wraps it. An existing SyncError keeps its
// class; step and item id are filled in when empty.
func NewSyncError(step, itemID string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		out := *se
		if out.Step == "" {
			out.Step = step
		}
		if out.ItemID == "" {
			out.ItemID = itemID
		}
		if out.At.IsZero() {
			out.At = time.Now()
		}
		return &out
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &SyncError{
		Step:    step,
		Class:   Classify(err),
		Message: msg,
		ItemID:  itemID,
		At:      time.Now(),
		Cause:   err,
	}
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Classify maps an arbitrary error onto the taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se.Class
	}

	switch {
	case errors.Is(err, ErrOffline):
		return ClassOffline
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrAnalysisFailed):
		return ClassAnalysisFailed
	case errors.Is(err, ErrAnalysisTimeout):
		return ClassAnalysisTimeout
	case errors.Is(err, ErrRetryExhausted):
		return ClassRetryExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		switch {
		case code >= 500:
			return ClassHTTPServer
		case code >= 400:
			return ClassHTTPClient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassNetwork
	}

	return ClassInternal
}

func IsRetryable(err error) bool {
	return err != nil && Classify(err).Retryable()
}

// IsDeferred reports whether err means the work was saved for later rather than failed.
func IsDeferred(err error) bool {
	return Classify(err) == ClassOffline
}

// UserMessage renders err for display.
func UserMessage(err error) string {
	switch Classify(err) {
	case "":
		return ""
	case ClassOffline:
		return "You're offline. Your meal was saved and will sync automatically when you're back online."
	case ClassNetwork, ClassTimeout:
		return "Connection problem. Check your network and tap to retry."
	case ClassHTTPServer:
		return "The server is having trouble right now. Tap to retry in a moment."
	case ClassHTTPClient:
		return "This photo could not be accepted. Please try a different photo."
	case ClassAnalysisFailed:
		return "We couldn't analyze this meal. Try a clearer photo with the food in view."
	case ClassAnalysisTimeout:
		return "Analysis is taking longer than usual. Check your history later for the result."
	case ClassCancelled:
		return "Upload cancelled."
	case ClassRetryExhausted:
		return "This item failed to sync several times and was removed."
	default:
		return "Something went wrong. Please try again."
	}
}
