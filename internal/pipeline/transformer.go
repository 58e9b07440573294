// Package pipeline contains the batch processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-apns-delivery/pkg/notification"
)

// BatchRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw message payload into a notification.BatchRequest.
//
// Message validation happens inside delivery.Message's UnmarshalJSON, so a
// batch with one bad message is rejected as a whole.
func BatchRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*notification.BatchRequest, bool, error) {
	batch, err := DecodeBatchRequest(msg.Payload)
	if err != nil {
		// skip=true hands the message to the StreamingService's Nack/DLQ path.
		return nil, true, fmt.Errorf("failed to unmarshal batch request from message %s: %w", msg.ID, err)
	}
	return batch, false, nil
}

// DecodeBatchRequest parses and validates a batch, assigning a batch id when
// the sender did not supply one.
func DecodeBatchRequest(data []byte) (*notification.BatchRequest, error) {
	var batch notification.BatchRequest
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	if len(batch.Messages) == 0 {
		return nil, errors.New("batch has no messages")
	}
	for i, m := range batch.Messages {
		if m == nil {
			return nil, fmt.Errorf("message %d is null", i)
		}
	}
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	return &batch, nil
}
