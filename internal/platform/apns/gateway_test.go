package apns

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConn_Poll(t *testing.T) {
	t.Run("Times out when the gateway is silent", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()
		c := newConn(client, 0)
		defer c.Close()

		ready, err := c.Poll(20 * time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ready)
	})

	t.Run("Reports ready and leaves the frame for Read", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()
		c := newConn(client, 0)
		defer c.Close()

		go func() {
			_, _ = server.Write(EncodeErrorResponse(7, StatusInvalidToken))
		}()

		ready, err := c.Poll(time.Second)
		require.NoError(t, err)
		require.True(t, ready)

		frame, err := c.Read()
		require.NoError(t, err)
		id, status, err := Codec{}.DecodeErrorResponse(frame)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), id)
		assert.Equal(t, StatusInvalidToken, status)
	})

	t.Run("Closed connection is a fault", func(t *testing.T) {
		client, server := net.Pipe()
		c := newConn(client, 0)
		defer c.Close()
		require.NoError(t, server.Close())

		ready, err := c.Poll(time.Second)
		assert.False(t, ready)
		assert.ErrorContains(t, err, "closed")
	})
}

func TestDialer_CertificateFailure(t *testing.T) {
	d := NewDialer(time.Second, time.Second, newTestLogger())

	t.Run("No certificate", func(t *testing.T) {
		_, err := d.Dial(context.Background(), delivery.ConnectionConfig{Host: "localhost", Port: 2195})
		assert.ErrorContains(t, err, "no client certificate")
	})

	t.Run("Unparseable certificate", func(t *testing.T) {
		_, err := d.Dial(context.Background(), delivery.ConnectionConfig{
			Host:        GatewayHost,
			Port:        GatewayPort,
			Certificate: []byte("certificate"),
		})
		assert.ErrorContains(t, err, "failed to load client certificate")
	})
}

// pipeDialer hands out one side of an in-memory pipe.
type pipeDialer struct {
	conn net.Conn
}

func (p pipeDialer) Dial(context.Context, delivery.ConnectionConfig) (delivery.Conn, error) {
	return newConn(p.conn, time.Second), nil
}

// fakeGateway reads notification frames and answers the one carrying
// rejectID with an error response.
func fakeGateway(t *testing.T, server net.Conn, rejectID uint32, seen chan<- uint32) {
	t.Helper()
	defer close(seen)
	for {
		header := make([]byte, 11)
		if _, err := io.ReadFull(server, header); err != nil {
			return
		}
		id := binary.BigEndian.Uint32(header[1:5])
		token := make([]byte, binary.BigEndian.Uint16(header[9:11]))
		if _, err := io.ReadFull(server, token); err != nil {
			return
		}
		size := make([]byte, 2)
		if _, err := io.ReadFull(server, size); err != nil {
			return
		}
		if _, err := io.ReadFull(server, make([]byte, binary.BigEndian.Uint16(size))); err != nil {
			return
		}
		seen <- id
		if id == rejectID {
			_, _ = server.Write(EncodeErrorResponse(id, StatusInvalidToken))
		}
	}
}

func TestDelivery_OverGatewayConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	seen := make(chan uint32, 8)
	go fakeGateway(t, server, 2, seen)

	var queue []*delivery.Message
	for id := uint32(1); id <= 3; id++ {
		m, err := delivery.NewMessage(id, "7b7b8de5888bb742ba744a2a5c8e52c6481d1deeecc283e830533b7c6bf1d099", delivery.Content{Alert: "hi"})
		require.NoError(t, err)
		queue = append(queue, m)
	}

	var errorsSeen [][2]uint32
	d := delivery.New(queue, delivery.Config{
		Dialer:      pipeDialer{conn: client},
		Codec:       Codec{},
		PollTimeout: 250 * time.Millisecond,
		Callbacks: delivery.Callbacks{
			OnError: func(_ *delivery.Delivery, id uint32, status uint8) {
				errorsSeen = append(errorsSeen, [2]uint32{id, uint32(status)})
			},
		},
	})

	d.Process(context.Background())

	assert.Equal(t, [][2]uint32{{2, uint32(StatusInvalidToken)}}, errorsSeen)
	assert.Equal(t, 1, d.SuccessCount())
	assert.Equal(t, 1, d.FailureCount())
	assert.Equal(t, delivery.AbortErrorResponse, d.AbortReason())

	var written []uint32
	for id := range seen {
		written = append(written, id)
	}
	assert.Equal(t, []uint32{1, 2}, written)
}
