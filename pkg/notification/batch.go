// Package notification contains the public domain models for the delivery
// service.
package notification

import (
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

// BatchRequest is one unit of work: an ordered queue of messages that is
// delivered over a single gateway connection.
type BatchRequest struct {
	// BatchID identifies the stored report. Generated when empty.
	BatchID  string              `json:"batch_id"`
	Messages []*delivery.Message `json:"messages"`
}
