package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
	"github.com/tinywideclouds/go-apns-delivery/pkg/notification"
)

// BatchRunner delivers one batch. Implemented by *Runner.
type BatchRunner interface {
	Run(ctx context.Context, batch *notification.BatchRequest) (*delivery.Report, error)
}

// NewProcessor creates the stream processor that hands each decoded batch to runner.
// A returned error Nacks the Pub/Sub message so the batch is redelivered.
func NewProcessor(runner BatchRunner, logger *slog.Logger) messagepipeline.StreamProcessor[notification.BatchRequest] {
	return func(ctx context.Context, original messagepipeline.Message, batch *notification.BatchRequest) error {
		procLogger := logger.With(
			"batch_id", batch.BatchID,
			"pubsub_msg_id", original.ID,
		)

		report, err := runner.Run(ctx, batch)
		if err != nil {
			procLogger.Error("Batch delivery failed", "err", err)
			return err
		}

		procLogger.Info("Batch processed", "success", report.Success, "failure", report.Failure)
		return nil
	}
}
