package pipeline

import (
	"log/slog"

	"github.com/tinywideclouds/go-apns-delivery/internal/platform/apns"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

// LogCallbacks reports delivery events through logger. Per-message traffic
// logs at debug level; faults at warn and above.
func LogCallbacks(logger *slog.Logger) delivery.Callbacks {
	return delivery.Callbacks{
		OnWrite: func(_ *delivery.Delivery, m *delivery.Message) {
			logger.Debug("Message written", "message_id", m.MessageID)
		},
		OnNilSelect: func(*delivery.Delivery) {
			logger.Debug("No error response within poll window")
		},
		OnException: func(d *delivery.Delivery, err error) {
			logger.Warn("Write failed", "err", err, "exceptions", d.ExceptionCount())
		},
		OnFailure: func(d *delivery.Delivery, m *delivery.Message) {
			logger.Warn("Message failed",
				"message_id", m.MessageID,
				"consecutive_failures", d.ConsecutiveFailureCount(),
			)
		},
		OnReadException: func(_ *delivery.Delivery, err error) {
			logger.Warn("Reading from gateway failed", "err", err)
		},
		OnConnectionException: func(d *delivery.Delivery, err error) {
			cfg := d.ConnectionConfig()
			logger.Error("Failed to connect to gateway", "host", cfg.Host, "port", cfg.Port, "err", err)
		},
		OnError: func(_ *delivery.Delivery, id uint32, status uint8) {
			logger.Warn("Gateway returned error response",
				"message_id", id,
				"status", status,
				"reason", apns.StatusText(status),
			)
		},
	}
}
