// Package dispatch defines the storage contracts shared by the service's
// components.
package dispatch

import (
	"context"
	"errors"

	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

// ErrReportNotFound is returned by ReportStore.Get for unknown batch ids.
var ErrReportNotFound = errors.New("delivery report not found")

// ReportStore persists the outcome of each delivered batch.
type ReportStore interface {
	// Save stores the report under its BatchID, replacing any previous one.
	Save(ctx context.Context, report *delivery.Report) error

	// Get returns the report for a batch or ErrReportNotFound.
	Get(ctx context.Context, batchID string) (*delivery.Report, error)

	// List returns up to limit reports, most recently finished first.
	List(ctx context.Context, limit int) ([]*delivery.Report, error)
}

// TokenFeedback records a device token the gateway rejected, so that the
// owning application can stop sending to it.
type TokenFeedback struct {
	DeviceToken string `json:"device_token"`
	MessageID   uint32 `json:"message_id"`
	BatchID     string `json:"batch_id"`
	Status      uint8  `json:"status"`
	Reason      string `json:"reason"`
	Timestamp   int64  `json:"timestamp"`
}

// FeedbackStore queues token feedback for later collection.
type FeedbackStore interface {
	// Push appends a feedback entry.
	Push(ctx context.Context, feedback TokenFeedback) error

	// Pop removes and returns up to limit entries, oldest first.
	// Returns an empty slice if there is no feedback.
	Pop(ctx context.Context, limit int) ([]TokenFeedback, error)
}
