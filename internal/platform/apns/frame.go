// Package apns speaks the legacy binary provider protocol of the Apple Push
// Notification gateway: TLS transport, notification frames and error responses.
package apns

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

const (
	// Production and sandbox gateways of the binary interface.
	GatewayHost        = "gateway.push.apple.com"
	SandboxGatewayHost = "gateway.sandbox.push.apple.com"
	GatewayPort        = 2195

	commandNotification  = 1
	commandErrorResponse = 8

	// ErrorResponseLength is the fixed size of an error-response frame.
	ErrorResponseLength = 6

	deviceTokenLength = 32
)

// Status codes carried by error-response frames.
const (
	StatusNoErrors           uint8 = 0
	StatusProcessingError    uint8 = 1
	StatusMissingDeviceToken uint8 = 2
	StatusMissingTopic       uint8 = 3
	StatusMissingPayload     uint8 = 4
	StatusInvalidTokenSize   uint8 = 5
	StatusInvalidTopicSize   uint8 = 6
	StatusInvalidPayloadSize uint8 = 7
	StatusInvalidToken       uint8 = 8
	StatusShutdown           uint8 = 10
	StatusUnknown            uint8 = 255
)

var statusText = map[uint8]string{
	StatusNoErrors:           "No errors encountered",
	StatusProcessingError:    "Processing error",
	StatusMissingDeviceToken: "Missing device token",
	StatusMissingTopic:       "Missing topic",
	StatusMissingPayload:     "Missing payload",
	StatusInvalidTokenSize:   "Invalid token size",
	StatusInvalidTopicSize:   "Invalid topic size",
	StatusInvalidPayloadSize: "Invalid payload size",
	StatusInvalidToken:       "Invalid token",
	StatusShutdown:           "Shutdown",
	StatusUnknown:            "None (unknown)",
}

// StatusText returns the gateway's description of a status code.
func StatusText(status uint8) string {
	if text, ok := statusText[status]; ok {
		return text
	}
	return fmt.Sprintf("Unrecognised status %d", status)
}

// InvalidatesToken reports whether the status means the device token should
// not be used again.
func InvalidatesToken(status uint8) bool {
	return status == StatusInvalidToken || status == StatusInvalidTokenSize
}

// Codec encodes enhanced notification frames (command 1) and decodes error
// responses (command 8). It implements delivery.Codec.
type Codec struct {
	// Expiry is added to the current time to form the frame's expiry.
	// Zero asks the gateway not to store the notification.
	Expiry time.Duration
	Now    func() time.Time
}

// Encode lays out:
//
//	command(1) | identifier(4) | expiry(4) | token length(2) | token | payload length(2) | payload
func (c Codec) Encode(m *delivery.Message) ([]byte, error) {
	token, err := hex.DecodeString(m.DeviceToken)
	if err != nil {
		return nil, fmt.Errorf("device token for message %d is not hex: %w", m.MessageID, err)
	}
	if len(token) != deviceTokenLength {
		return nil, fmt.Errorf("device token for message %d is %d bytes, want %d", m.MessageID, len(token), deviceTokenLength)
	}
	payload, err := m.Payload()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for message %d: %w", m.MessageID, err)
	}
	if len(payload) > delivery.MaxPayloadSize {
		return nil, fmt.Errorf("payload for message %d is %d bytes, exceeds %d", m.MessageID, len(payload), delivery.MaxPayloadSize)
	}

	frame := make([]byte, 0, 1+4+4+2+len(token)+2+len(payload))
	frame = append(frame, commandNotification)
	frame = binary.BigEndian.AppendUint32(frame, m.MessageID)
	frame = binary.BigEndian.AppendUint32(frame, c.expiry())
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(token)))
	frame = append(frame, token...)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

func (c Codec) expiry() uint32 {
	if c.Expiry <= 0 {
		return 0
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return uint32(now().Add(c.Expiry).Unix())
}

// DecodeErrorResponse reads command(1) | status(1) | identifier(4).
func (c Codec) DecodeErrorResponse(frame []byte) (uint32, uint8, error) {
	if len(frame) < ErrorResponseLength {
		return 0, 0, fmt.Errorf("error response is %d bytes, want %d", len(frame), ErrorResponseLength)
	}
	if frame[0] != commandErrorResponse {
		return 0, 0, fmt.Errorf("unexpected command %d in error response", frame[0])
	}
	return binary.BigEndian.Uint32(frame[2:6]), frame[1], nil
}

// EncodeErrorResponse builds an error-response frame as the gateway sends it.
func EncodeErrorResponse(messageID uint32, status uint8) []byte {
	frame := []byte{commandErrorResponse, status}
	return binary.BigEndian.AppendUint32(frame, messageID)
}
