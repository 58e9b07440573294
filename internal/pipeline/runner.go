package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-apns-delivery/internal/platform/apns"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
	"github.com/tinywideclouds/go-apns-delivery/pkg/dispatch"
	"github.com/tinywideclouds/go-apns-delivery/pkg/notification"
)

// ErrGatewayUnavailable is returned by Run when no connection could be
// opened. Nothing was written, so the batch can be retried as a whole.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// Observer receives delivery events and finished reports.
type Observer interface {
	Callbacks() delivery.Callbacks
	ObserveReport(report *delivery.Report)
}

// Runner delivers batches and records their outcome.
type Runner struct {
	base     delivery.Config
	reports  dispatch.ReportStore
	feedback dispatch.FeedbackStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner. base supplies the connection, dialer, codec
// and limits for every batch; its Callbacks run ahead of the runner's own.
// feedback and observer may be nil.
func NewRunner(
	base delivery.Config,
	reports dispatch.ReportStore,
	feedback dispatch.FeedbackStore,
	observer Observer,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		base:     base,
		reports:  reports,
		feedback: feedback,
		observer: observer,
		logger:   logger.With("component", "BatchRunner"),
		now:      time.Now,
	}
}

// Run delivers one batch over a fresh gateway connection and stores its report.
// It fails only when the gateway could not be reached or the report could not
// be saved; rejected messages are part of a successful run.
func (r *Runner) Run(ctx context.Context, batch *notification.BatchRequest) (*delivery.Report, error) {
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	logger := r.logger.With("batch_id", batch.BatchID)

	var rejected []dispatch.TokenFeedback
	collect := delivery.Callbacks{
		OnError: func(d *delivery.Delivery, id uint32, status uint8) {
			if !apns.InvalidatesToken(status) {
				return
			}
			m, ok := d.Lookup(id)
			if !ok {
				return
			}
			rejected = append(rejected, dispatch.TokenFeedback{
				DeviceToken: m.DeviceToken,
				MessageID:   id,
				BatchID:     batch.BatchID,
				Status:      status,
				Reason:      apns.StatusText(status),
				Timestamp:   r.now().Unix(),
			})
		},
	}

	observers := []delivery.Callbacks{r.base.Callbacks, LogCallbacks(logger)}
	if r.observer != nil {
		observers = append(observers, r.observer.Callbacks())
	}
	observers = append(observers, collect)

	cfg := r.base
	cfg.Callbacks = delivery.Chain(observers...)

	d := delivery.New(batch.Messages, cfg)
	d.Process(ctx)

	report := d.Report()
	report.BatchID = batch.BatchID
	if r.observer != nil {
		r.observer.ObserveReport(report)
	}

	if d.AbortReason() == delivery.AbortConnection {
		return report, fmt.Errorf("batch %s: %w", batch.BatchID, ErrGatewayUnavailable)
	}

	logger.Info("Batch finished",
		"total", report.Total,
		"success", report.Success,
		"failure", report.Failure,
		"exceptions", report.Exceptions,
		"aborted", report.Aborted,
		"elapsed", report.Elapsed,
	)

	if err := r.reports.Save(ctx, report); err != nil {
		return report, fmt.Errorf("failed to save report for batch %s: %w", batch.BatchID, err)
	}

	if r.feedback != nil {
		for _, fb := range rejected {
			if err := r.feedback.Push(ctx, fb); err != nil {
				logger.Warn("Failed to record token feedback", "message_id", fb.MessageID, "err", err)
			}
		}
	}
	return report, nil
}
