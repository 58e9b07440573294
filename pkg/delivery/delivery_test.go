package delivery_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

// --- Mocks ---

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Write(frame []byte) error {
	return m.Called(frame).Error(0)
}

func (m *mockConn) Poll(timeout time.Duration) (bool, error) {
	args := m.Called(timeout)
	return args.Bool(0), args.Error(1)
}

func (m *mockConn) Read() ([]byte, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockConn) Close() error {
	return m.Called().Error(0)
}

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Dial(ctx context.Context, cfg delivery.ConnectionConfig) (delivery.Conn, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(delivery.Conn), args.Error(1)
}

// idCodec writes the message id as the whole frame and reads (id, status)
// from a 5 byte frame.
type idCodec struct{}

func (idCodec) Encode(m *delivery.Message) ([]byte, error) {
	return frameFor(m.MessageID), nil
}

func (idCodec) DecodeErrorResponse(frame []byte) (uint32, uint8, error) {
	if len(frame) != 5 {
		return 0, 0, errors.New("short frame")
	}
	return binary.BigEndian.Uint32(frame[1:]), frame[0], nil
}

func frameFor(id uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}

func errorFrame(id uint32, status uint8) []byte {
	return binary.BigEndian.AppendUint32([]byte{status}, id)
}

// --- Helpers ---

var connectionConfig = delivery.ConnectionConfig{
	Host:                  "gateway.push.apple.com",
	Port:                  2195,
	Certificate:           []byte("certificate"),
	CertificatePassphrase: "",
}

type recorder struct {
	written          []*delivery.Message
	failures         []*delivery.Message
	exceptions       []error
	readExceptions   []error
	connectionFaults []error
	errors           [][2]uint32
	nilSelects       int
	sleeps           []time.Duration
}

func (r *recorder) callbacks() delivery.Callbacks {
	return delivery.Callbacks{
		OnWrite:               func(_ *delivery.Delivery, m *delivery.Message) { r.written = append(r.written, m) },
		OnNilSelect:           func(_ *delivery.Delivery) { r.nilSelects++ },
		OnException:           func(_ *delivery.Delivery, err error) { r.exceptions = append(r.exceptions, err) },
		OnFailure:             func(_ *delivery.Delivery, m *delivery.Message) { r.failures = append(r.failures, m) },
		OnReadException:       func(_ *delivery.Delivery, err error) { r.readExceptions = append(r.readExceptions, err) },
		OnConnectionException: func(_ *delivery.Delivery, err error) { r.connectionFaults = append(r.connectionFaults, err) },
		OnError: func(_ *delivery.Delivery, id uint32, status uint8) {
			r.errors = append(r.errors, [2]uint32{id, uint32(status)})
		},
	}
}

func newMessage(t *testing.T, id uint32, token string, badge int) *delivery.Message {
	t.Helper()
	m, err := delivery.NewMessage(id, token, delivery.Content{
		Alert: "New version of the app is out. Get it now in the app store!",
		Badge: &badge,
	})
	require.NoError(t, err)
	return m
}

func newDelivery(messages []*delivery.Message, conn delivery.Conn, rec *recorder) (*delivery.Delivery, *mockDialer) {
	dialer := new(mockDialer)
	dialer.On("Dial", mock.Anything, connectionConfig).Return(conn, nil).Maybe()
	d := delivery.New(messages, delivery.Config{
		Connection: connectionConfig,
		Callbacks:  rec.callbacks(),
		Dialer:     dialer,
		Codec:      idCodec{},
		Sleep:      func(d time.Duration) { rec.sleeps = append(rec.sleeps, d) },
	})
	return d, dialer
}

func newConn() *mockConn {
	conn := new(mockConn)
	conn.On("Close").Return(nil).Maybe()
	return conn
}

// --- Tests ---

func TestNew(t *testing.T) {
	m1 := newMessage(t, 1, "7b7b8de5888bb742ba744a2a5c8e52c6481d1deeecc283e830533b7c6bf1d099", 2)
	m2 := newMessage(t, 2, "6a5a4de5888bb742ba744a2a5c8e52c6481d1deeecc283e830533b7c6bf1d044", 1)
	rec := &recorder{}
	d, _ := newDelivery([]*delivery.Message{m1, m2}, newConn(), rec)

	assert.Equal(t, connectionConfig, d.ConnectionConfig())
	assert.Equal(t, []*delivery.Message{m1, m2}, d.Messages())
	assert.Equal(t, 0, d.ExceptionCount())
	assert.Equal(t, 0, d.SuccessCount())
	assert.Equal(t, 0, d.FailureCount())
	assert.Equal(t, 0, d.ConsecutiveFailureCount())
	assert.Equal(t, 2, d.TotalCount())
	assert.True(t, d.StartedAt().IsZero())
	assert.True(t, d.FinishedAt().IsZero())
	assert.Equal(t, time.Duration(0), d.Elapsed())
	assert.Equal(t, 10, d.ConsecutiveFailureLimit())
	assert.Equal(t, 3, d.ExceptionLimit())
	assert.Equal(t, time.Second, d.SleepOnException())
	assert.Equal(t, delivery.NotAborted, d.AbortReason())
	assert.Equal(t, delivery.Unattempted, d.Outcome(0))
}

func TestNew_CopiesQueue(t *testing.T) {
	m1 := newMessage(t, 1, "token-1", 1)
	queue := []*delivery.Message{m1}
	d, _ := newDelivery(queue, newConn(), &recorder{})

	queue[0] = newMessage(t, 9, "token-9", 1)
	assert.Equal(t, uint32(1), d.Messages()[0].MessageID)
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	m1 := newMessage(t, 1, "7b7b8de5888bb742ba744a2a5c8e52c6481d1deeecc283e830533b7c6bf1d099", 2)
	m2 := newMessage(t, 2, "6a5a4de5888bb742ba744a2a5c8e52c6481d1deeecc283e830533b7c6bf1d044", 1)
	writeFault := errors.New("broken pipe")
	pollFault := errors.New("select failed")

	t.Run("Delivers every message and invokes on_write", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Write", frameFor(2)).Return(nil).Once()
		conn.On("Poll", delivery.DefaultPollTimeout).Return(false, nil).Twice()
		d, dialer := newDelivery([]*delivery.Message{m1, m2}, conn, rec)

		d.Process(ctx)

		assert.Equal(t, 0, d.FailureCount())
		assert.Equal(t, 2, d.SuccessCount())
		assert.Equal(t, 2, d.TotalCount())
		assert.Equal(t, []*delivery.Message{m1, m2}, rec.written)
		assert.Equal(t, 2, rec.nilSelects)
		assert.False(t, d.StartedAt().IsZero())
		assert.False(t, d.FinishedAt().IsZero())
		assert.Equal(t, delivery.NotAborted, d.AbortReason())
		conn.AssertExpectations(t)
		conn.AssertCalled(t, "Close")
		dialer.AssertNumberOfCalls(t, "Dial", 1)
	})

	t.Run("Fails a message after exception_limit write faults", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(writeFault).Times(3)
		conn.On("Write", frameFor(2)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(false, pollFault).Times(4)
		d, _ := newDelivery([]*delivery.Message{m1, m2}, conn, rec)

		d.Process(ctx)

		assert.Equal(t, 1, d.FailureCount())
		assert.Equal(t, 1, d.SuccessCount())
		assert.Equal(t, 2, d.TotalCount())
		assert.Equal(t, 3, d.ExceptionCount())
		assert.Equal(t, []*delivery.Message{m2}, rec.written)
		require.Len(t, rec.exceptions, 3)
		assert.ErrorIs(t, rec.exceptions[0], writeFault)
		assert.Equal(t, []*delivery.Message{m1}, rec.failures)
		assert.Len(t, rec.readExceptions, 4)
		assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.sleeps)
		assert.Equal(t, delivery.Failed, d.Outcome(0))
		assert.Equal(t, delivery.Delivered, d.Outcome(1))
		conn.AssertExpectations(t)
	})

	t.Run("Write faults below the limit then success", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(writeFault).Twice()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(false, nil).Times(3)
		d, _ := newDelivery([]*delivery.Message{m1}, conn, rec)

		d.Process(ctx)

		assert.Equal(t, 1, d.SuccessCount())
		assert.Equal(t, 0, d.FailureCount())
		assert.Empty(t, rec.failures)
		assert.Len(t, rec.exceptions, 2)
		assert.Equal(t, []*delivery.Message{m1}, rec.written)
		conn.AssertExpectations(t)
	})

	t.Run("Invokes on_connection_exception when the gateway cannot be reached", func(t *testing.T) {
		rec := &recorder{}
		dialer := new(mockDialer)
		handshake := errors.New("tls: handshake failure")
		dialer.On("Dial", mock.Anything, connectionConfig).Return(nil, handshake)
		d := delivery.New([]*delivery.Message{m1}, delivery.Config{
			Connection: connectionConfig,
			Callbacks:  rec.callbacks(),
			Dialer:     dialer,
			Codec:      idCodec{},
		})

		d.Process(ctx)

		require.Len(t, rec.connectionFaults, 1)
		assert.ErrorIs(t, rec.connectionFaults[0], handshake)
		assert.Equal(t, 0, d.SuccessCount())
		assert.Equal(t, 0, d.FailureCount())
		assert.Equal(t, 1, d.TotalCount())
		assert.Empty(t, rec.written)
		assert.Equal(t, delivery.AbortConnection, d.AbortReason())
		assert.False(t, d.FinishedAt().IsZero())
	})

	t.Run("Missing dialer is a connection fault", func(t *testing.T) {
		rec := &recorder{}
		d := delivery.New([]*delivery.Message{m1}, delivery.Config{Callbacks: rec.callbacks(), Codec: idCodec{}})

		d.Process(ctx)

		require.Len(t, rec.connectionFaults, 1)
		assert.ErrorIs(t, rec.connectionFaults[0], delivery.ErrNoDialer)
	})

	t.Run("Error frame for an unknown id charges the current message and continues", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Write", frameFor(2)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(true, nil).Once()
		conn.On("Poll", mock.Anything).Return(false, nil).Once()
		conn.On("Read").Return(errorFrame(1752458605, 111), nil).Once()
		d, _ := newDelivery([]*delivery.Message{m1, m2}, conn, rec)

		d.Process(ctx)

		assert.Equal(t, 1, d.FailureCount())
		assert.Equal(t, 1, d.SuccessCount())
		assert.Equal(t, 2, d.TotalCount())
		assert.Equal(t, []*delivery.Message{m1, m2}, rec.written)
		assert.Empty(t, rec.exceptions)
		assert.Empty(t, rec.failures)
		assert.Equal(t, [][2]uint32{{1752458605, 111}}, rec.errors)
		assert.Equal(t, delivery.NotAborted, d.AbortReason())
		conn.AssertExpectations(t)
	})

	t.Run("Error frame naming a written message fails it and halts", func(t *testing.T) {
		m3 := newMessage(t, 3, "token-3", 1)
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(true, nil).Once()
		conn.On("Read").Return(errorFrame(1, 8), nil).Once()
		d, _ := newDelivery([]*delivery.Message{m1, m2, m3}, conn, rec)

		d.Process(ctx)

		assert.Equal(t, 1, d.FailureCount())
		assert.Equal(t, 0, d.SuccessCount())
		assert.Equal(t, 3, d.TotalCount())
		assert.Equal(t, [][2]uint32{{1, 8}}, rec.errors)
		assert.Equal(t, []*delivery.Message{m1}, rec.failures)
		assert.Equal(t, delivery.AbortErrorResponse, d.AbortReason())
		assert.Equal(t, delivery.Unattempted, d.Outcome(1))
		assert.Equal(t, delivery.Unattempted, d.Outcome(2))
		conn.AssertNotCalled(t, "Write", frameFor(2))
		conn.AssertNotCalled(t, "Write", frameFor(3))
	})

	t.Run("Late error frame flips an earlier success to failure", func(t *testing.T) {
		m3 := newMessage(t, 3, "token-3", 1)
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Write", frameFor(2)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(false, nil).Once()
		conn.On("Poll", mock.Anything).Return(true, nil).Once()
		conn.On("Read").Return(errorFrame(1, 8), nil).Once()
		d, _ := newDelivery([]*delivery.Message{m1, m2, m3}, conn, rec)

		d.Process(ctx)

		assert.Equal(t, delivery.Failed, d.Outcome(0))
		assert.Equal(t, 1, d.FailureCount())
		assert.Equal(t, 1, d.SuccessCount(), "the message written after the reported one stays optimistic")
		assert.Equal(t, []*delivery.Message{m1}, rec.failures)
		assert.Equal(t, delivery.AbortErrorResponse, d.AbortReason())
		assert.LessOrEqual(t, d.SuccessCount()+d.FailureCount(), d.TotalCount())
		conn.AssertNotCalled(t, "Write", frameFor(3))

		report := d.Report()
		require.Len(t, report.Results, 3)
		require.NotNil(t, report.Results[0].Status)
		assert.Equal(t, uint8(8), *report.Results[0].Status)
		assert.Equal(t, "failed", report.Results[0].Outcome)
		assert.Equal(t, "unattempted", report.Results[2].Outcome)
		assert.Equal(t, "error_response", report.Aborted)
	})

	t.Run("Error frame arriving between retries stops the retries", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Write", frameFor(2)).Return(writeFault).Once()
		conn.On("Poll", mock.Anything).Return(false, nil).Once()
		conn.On("Poll", mock.Anything).Return(true, nil).Once()
		conn.On("Read").Return(errorFrame(1, 7), nil).Once()
		d, _ := newDelivery([]*delivery.Message{m1, m2}, conn, rec)

		d.Process(ctx)

		conn.AssertNumberOfCalls(t, "Write", 2)
		assert.Empty(t, rec.sleeps)
		assert.Equal(t, 1, d.FailureCount())
		assert.Equal(t, 0, d.SuccessCount())
		assert.Equal(t, delivery.Unattempted, d.Outcome(1))
		assert.Equal(t, []*delivery.Message{m1}, rec.failures)
	})

	t.Run("Poll fault leaves the message pending until the batch ends", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(false, pollFault).Once()
		var during int
		callbacks := rec.callbacks()
		callbacks.OnReadException = func(d *delivery.Delivery, err error) {
			during = d.SuccessCount()
			rec.readExceptions = append(rec.readExceptions, err)
		}
		dialer := new(mockDialer)
		dialer.On("Dial", mock.Anything, mock.Anything).Return(conn, nil)
		d := delivery.New([]*delivery.Message{m1}, delivery.Config{
			Callbacks: callbacks,
			Dialer:    dialer,
			Codec:     idCodec{},
		})

		d.Process(ctx)

		assert.Equal(t, 0, during)
		assert.Equal(t, 1, d.SuccessCount())
		assert.Len(t, rec.readExceptions, 1)
	})

	t.Run("Undecodable error frame is a read exception", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(true, nil).Once()
		conn.On("Read").Return([]byte{1}, nil).Once()
		d, _ := newDelivery([]*delivery.Message{m1}, conn, rec)

		d.Process(ctx)

		assert.Len(t, rec.readExceptions, 1)
		assert.Empty(t, rec.errors)
		assert.Equal(t, 1, d.SuccessCount())
	})

	t.Run("Consecutive failures trip the circuit breaker", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", mock.Anything).Return(writeFault)
		conn.On("Poll", mock.Anything).Return(false, nil)
		var queue []*delivery.Message
		for i := uint32(1); i <= 5; i++ {
			queue = append(queue, newMessage(t, i, "token", 1))
		}
		dialer := new(mockDialer)
		dialer.On("Dial", mock.Anything, mock.Anything).Return(conn, nil)
		d := delivery.New(queue, delivery.Config{
			Callbacks:               rec.callbacks(),
			Dialer:                  dialer,
			Codec:                   idCodec{},
			ConsecutiveFailureLimit: 2,
			ExceptionLimit:          1,
			Sleep:                   func(time.Duration) {},
		})

		d.Process(ctx)

		assert.Equal(t, 2, d.FailureCount())
		assert.Equal(t, 2, d.ConsecutiveFailureCount())
		assert.Equal(t, delivery.AbortConsecutiveFailures, d.AbortReason())
		conn.AssertNumberOfCalls(t, "Write", 2)
		assert.Equal(t, delivery.Unattempted, d.Outcome(2))
	})

	t.Run("Success resets the consecutive failure count", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(writeFault).Times(3)
		conn.On("Write", frameFor(2)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(false, nil)
		d, _ := newDelivery([]*delivery.Message{m1, m2}, conn, rec)

		d.Process(ctx)

		assert.Len(t, rec.failures, 1)
		assert.Equal(t, 0, d.ConsecutiveFailureCount())
	})

	t.Run("Written message with a faulted poll resets the consecutive failure count", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		var queue []*delivery.Message
		for i := uint32(1); i <= 6; i++ {
			queue = append(queue, newMessage(t, i, "token", 1))
			if i%2 == 1 {
				conn.On("Write", frameFor(i)).Return(writeFault).Once()
			} else {
				conn.On("Write", frameFor(i)).Return(nil).Once()
			}
		}
		conn.On("Poll", mock.Anything).Return(false, pollFault)
		dialer := new(mockDialer)
		dialer.On("Dial", mock.Anything, mock.Anything).Return(conn, nil)
		d := delivery.New(queue, delivery.Config{
			Callbacks:               rec.callbacks(),
			Dialer:                  dialer,
			Codec:                   idCodec{},
			ConsecutiveFailureLimit: 2,
			ExceptionLimit:          1,
			Sleep:                   func(time.Duration) {},
		})

		d.Process(ctx)

		assert.Equal(t, delivery.NotAborted, d.AbortReason())
		assert.Equal(t, 3, d.FailureCount())
		assert.Equal(t, 3, d.SuccessCount())
		assert.Equal(t, 1, d.ConsecutiveFailureCount())
		conn.AssertNumberOfCalls(t, "Write", 6)
	})

	t.Run("Error frame for an already charged message does not notify twice", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Write", frameFor(2)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(true, nil).Twice()
		conn.On("Read").Return(errorFrame(99, 8), nil).Once()
		conn.On("Read").Return(errorFrame(1, 8), nil).Once()
		d, _ := newDelivery([]*delivery.Message{m1, m2}, conn, rec)

		d.Process(ctx)

		assert.Empty(t, rec.failures)
		assert.Equal(t, [][2]uint32{{99, 8}, {1, 8}}, rec.errors)
		assert.Equal(t, delivery.Failed, d.Outcome(0))
		assert.Equal(t, 1, d.FailureCount())
		assert.Equal(t, 1, d.SuccessCount())
		assert.Equal(t, delivery.AbortErrorResponse, d.AbortReason())
	})

	t.Run("Second Process call does not deliver again", func(t *testing.T) {
		rec := &recorder{}
		conn := newConn()
		conn.On("Write", frameFor(1)).Return(nil).Once()
		conn.On("Poll", mock.Anything).Return(false, nil).Once()
		d, dialer := newDelivery([]*delivery.Message{m1}, conn, rec)

		d.Process(ctx)
		finished := d.FinishedAt()
		d.Process(ctx)

		dialer.AssertNumberOfCalls(t, "Dial", 1)
		conn.AssertNumberOfCalls(t, "Write", 1)
		assert.Equal(t, []*delivery.Message{m1}, rec.written)
		assert.Equal(t, 1, d.SuccessCount())
		assert.Equal(t, finished, d.FinishedAt())
	})
}

func TestChain(t *testing.T) {
	var calls []string
	a := delivery.Callbacks{OnNilSelect: func(*delivery.Delivery) { calls = append(calls, "a") }}
	b := delivery.Callbacks{
		OnNilSelect: func(*delivery.Delivery) { calls = append(calls, "b") },
		OnError:     func(*delivery.Delivery, uint32, uint8) { calls = append(calls, "b-error") },
	}

	chained := delivery.Chain(a, b)
	chained.OnNilSelect(nil)
	chained.OnError(nil, 1, 8)
	chained.OnWrite(nil, nil)

	assert.Equal(t, []string{"a", "b", "b-error"}, calls)
}
