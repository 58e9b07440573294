package delivery

import (
	"context"
	"time"
)

// Defaults applied when the matching Config field is zero.
const (
	DefaultConsecutiveFailureLimit = 10
	DefaultExceptionLimit          = 3
	DefaultSleepOnException        = time.Second
	DefaultPollTimeout             = 100 * time.Millisecond
)

// Outcome is the state of one queue slot.
type Outcome int

const (
	// Unattempted slots were never written.
	Unattempted Outcome = iota
	// Pending slots were written but their acknowledgement window faulted.
	// They become Delivered when the batch ends unless an error frame names them.
	Pending
	Delivered
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unattempted"
	}
}

// AbortReason records why a batch stopped before the end of its queue.
type AbortReason int

const (
	NotAborted AbortReason = iota
	AbortConnection
	AbortErrorResponse
	AbortConsecutiveFailures
)

func (r AbortReason) String() string {
	switch r {
	case AbortConnection:
		return "connection"
	case AbortErrorResponse:
		return "error_response"
	case AbortConsecutiveFailures:
		return "consecutive_failures"
	default:
		return "none"
	}
}

// Config bundles everything a Delivery needs besides its queue.
type Config struct {
	Connection ConnectionConfig
	Callbacks  Callbacks
	Dialer     Dialer
	Codec      Codec

	ConsecutiveFailureLimit int
	ExceptionLimit          int
	SleepOnException        time.Duration
	PollTimeout             time.Duration

	// Sleep and Now replace time.Sleep and time.Now, mostly for tests.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// Delivery sends one batch of messages over one gateway connection.
// It is not safe for concurrent use; Process runs on the caller's goroutine.
type Delivery struct {
	messages []*Message
	outcomes []Outcome
	reasons  []error
	// written maps a message id to the queue slot of its most recent write.
	written map[uint32]int

	connectionConfig ConnectionConfig
	callbacks        Callbacks
	dialer           Dialer
	codec            Codec
	sleep            func(time.Duration)
	now              func() time.Time

	consecutiveFailureLimit int
	exceptionLimit          int
	sleepOnException        time.Duration
	pollTimeout             time.Duration

	conn                    Conn
	exceptionCount          int
	consecutiveFailureCount int
	abort                   AbortReason
	startedAt               time.Time
	finishedAt              time.Time
}

// New creates a Delivery over a private copy of messages.
func New(messages []*Message, cfg Config) *Delivery {
	queue := make([]*Message, len(messages))
	copy(queue, messages)

	d := &Delivery{
		messages:                queue,
		outcomes:                make([]Outcome, len(queue)),
		reasons:                 make([]error, len(queue)),
		written:                 make(map[uint32]int, len(queue)),
		connectionConfig:        cfg.Connection,
		callbacks:               cfg.Callbacks,
		dialer:                  cfg.Dialer,
		codec:                   cfg.Codec,
		sleep:                   cfg.Sleep,
		now:                     cfg.Now,
		consecutiveFailureLimit: cfg.ConsecutiveFailureLimit,
		exceptionLimit:          cfg.ExceptionLimit,
		sleepOnException:        cfg.SleepOnException,
		pollTimeout:             cfg.PollTimeout,
	}
	if d.consecutiveFailureLimit <= 0 {
		d.consecutiveFailureLimit = DefaultConsecutiveFailureLimit
	}
	if d.exceptionLimit <= 0 {
		d.exceptionLimit = DefaultExceptionLimit
	}
	if d.sleepOnException <= 0 {
		d.sleepOnException = DefaultSleepOnException
	}
	if d.pollTimeout <= 0 {
		d.pollTimeout = DefaultPollTimeout
	}
	if d.sleep == nil {
		d.sleep = time.Sleep
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Process delivers the queue. It never fails: every fault is reported
// through the callbacks and reflected in the counters. A Delivery runs once;
// later calls return without dialing or writing.
func (d *Delivery) Process(ctx context.Context) {
	if !d.startedAt.IsZero() {
		return
	}
	d.startedAt = d.now()
	defer d.finish()

	if err := d.connect(ctx); err != nil {
		d.abort = AbortConnection
		d.callbacks.connectionException(d, err)
		return
	}

	for i := range d.messages {
		if d.abort != NotAborted {
			return
		}
		d.deliver(i)
	}
}

func (d *Delivery) connect(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	if d.dialer == nil {
		return ErrNoDialer
	}
	if d.codec == nil {
		return ErrNoCodec
	}
	conn, err := d.dialer.Dial(ctx, d.connectionConfig)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// deliver runs the write protocol for one queue slot.
func (d *Delivery) deliver(i int) {
	m := d.messages[i]
	frame, err := d.codec.Encode(m)
	if err != nil {
		// An unencodable message fails the same way on every attempt.
		d.exceptionCount++
		d.callbacks.exception(d, err)
		d.fail(i, err)
		return
	}

	for attempt := 1; ; attempt++ {
		err := d.conn.Write(frame)
		if err == nil {
			d.written[m.MessageID] = i
			d.outcomes[i] = Pending
			d.consecutiveFailureCount = 0
			d.callbacks.write(d, m)
			d.poll(i, true)
			return
		}

		d.exceptionCount++
		d.callbacks.exception(d, err)

		// A frame for an earlier message may be waiting; it ends the batch
		// before this message is retried again.
		d.poll(i, false)
		if d.abort != NotAborted {
			return
		}
		if attempt >= d.exceptionLimit {
			d.fail(i, err)
			return
		}
		d.sleep(d.sleepOnException)
	}
}

// poll checks the inbound channel once after a write attempt on slot i.
func (d *Delivery) poll(i int, written bool) {
	ready, err := d.conn.Poll(d.pollTimeout)
	switch {
	case err != nil:
		d.callbacks.readException(d, err)
	case !ready:
		d.callbacks.nilSelect(d)
		if written {
			d.succeed(i)
		}
	default:
		d.readErrorResponse(i, written)
	}
}

func (d *Delivery) readErrorResponse(i int, written bool) {
	frame, err := d.conn.Read()
	if err != nil {
		d.callbacks.readException(d, err)
		return
	}
	id, status, err := d.codec.DecodeErrorResponse(frame)
	if err != nil {
		d.callbacks.readException(d, err)
		return
	}

	d.callbacks.errorResponse(d, id, status)
	reason := &ErrorResponse{MessageID: id, Status: status}

	target, ok := d.written[id]
	if !ok {
		// The frame names nothing this batch wrote. The slot whose window
		// received it is charged and the queue carries on.
		if written {
			d.markFailed(i, reason)
		}
		return
	}

	d.fail(target, reason)
	d.abort = AbortErrorResponse
}

func (d *Delivery) succeed(i int) {
	d.outcomes[i] = Delivered
	d.reasons[i] = nil
	d.consecutiveFailureCount = 0
}

// fail marks slot i failed and notifies OnFailure the first time.
func (d *Delivery) fail(i int, reason error) {
	if d.markFailed(i, reason) {
		d.callbacks.failure(d, d.messages[i])
	}
}

// markFailed reports whether slot i changed to Failed.
func (d *Delivery) markFailed(i int, reason error) bool {
	if d.outcomes[i] == Failed {
		return false
	}
	d.outcomes[i] = Failed
	d.reasons[i] = reason
	d.consecutiveFailureCount++
	if d.consecutiveFailureCount >= d.consecutiveFailureLimit && d.abort == NotAborted {
		d.abort = AbortConsecutiveFailures
	}
	return true
}

func (d *Delivery) finish() {
	for i, o := range d.outcomes {
		if o == Pending {
			d.outcomes[i] = Delivered
		}
	}
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	d.finishedAt = d.now()
}

// SuccessCount is the number of delivered messages.
func (d *Delivery) SuccessCount() int { return d.count(Delivered) }

// FailureCount is the number of failed messages.
func (d *Delivery) FailureCount() int { return d.count(Failed) }

func (d *Delivery) count(o Outcome) int {
	n := 0
	for _, got := range d.outcomes {
		if got == o {
			n++
		}
	}
	return n
}

func (d *Delivery) ExceptionCount() int          { return d.exceptionCount }
func (d *Delivery) ConsecutiveFailureCount() int { return d.consecutiveFailureCount }
func (d *Delivery) TotalCount() int              { return len(d.messages) }
func (d *Delivery) ConsecutiveFailureLimit() int { return d.consecutiveFailureLimit }
func (d *Delivery) ExceptionLimit() int          { return d.exceptionLimit }

func (d *Delivery) SleepOnException() time.Duration    { return d.sleepOnException }
func (d *Delivery) ConnectionConfig() ConnectionConfig { return d.connectionConfig }
func (d *Delivery) Callbacks() Callbacks               { return d.callbacks }
func (d *Delivery) AbortReason() AbortReason           { return d.abort }

// StartedAt is zero until Process starts.
func (d *Delivery) StartedAt() time.Time { return d.startedAt }

// FinishedAt is zero until Process returns.
func (d *Delivery) FinishedAt() time.Time { return d.finishedAt }

// Elapsed is zero until the batch has both started and finished.
func (d *Delivery) Elapsed() time.Duration {
	if d.startedAt.IsZero() || d.finishedAt.IsZero() {
		return 0
	}
	return d.finishedAt.Sub(d.startedAt)
}

// Messages returns a copy of the queue.
func (d *Delivery) Messages() []*Message {
	out := make([]*Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// Outcome returns the state of queue slot i.
func (d *Delivery) Outcome(i int) Outcome { return d.outcomes[i] }

// Lookup finds a written message by id.
func (d *Delivery) Lookup(id uint32) (*Message, bool) {
	i, ok := d.written[id]
	if !ok {
		return nil, false
	}
	return d.messages[i], true
}
