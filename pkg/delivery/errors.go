package delivery

import (
	"errors"
	"fmt"
)

// ErrNoDialer is reported through OnConnectionException when a Delivery was
// built without a Dialer.
var ErrNoDialer = errors.New("delivery: no dialer configured")

// ErrNoCodec is reported through OnConnectionException when a Delivery was
// built without a Codec.
var ErrNoCodec = errors.New("delivery: no codec configured")

// ValidationError is returned when a Message cannot be constructed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// ErrorResponse is the decoded error frame the gateway sends back for a
// previously written message. It is kept as the failure reason of that message.
type ErrorResponse struct {
	MessageID uint32
	Status    uint8
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("gateway rejected message %d with status %d", e.MessageID, e.Status)
}
