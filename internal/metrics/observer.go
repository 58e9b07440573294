// Package metrics exposes delivery activity as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

// Observer counts delivery events. Register it once per process.
type Observer struct {
	writes               prometheus.Counter
	writeExceptions      prometheus.Counter
	failures             prometheus.Counter
	nilSelects           prometheus.Counter
	readExceptions       prometheus.Counter
	connectionExceptions prometheus.Counter
	errorResponses       *prometheus.CounterVec
	batches              *prometheus.CounterVec
	unattempted          prometheus.Counter
	batchDuration        prometheus.Histogram
}

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_writes_total",
			Help: "Notification frames written to the gateway",
		}),
		writeExceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_write_exceptions_total",
			Help: "Write attempts that faulted",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_failures_total",
			Help: "Messages that ended failed",
		}),
		nilSelects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_nil_selects_total",
			Help: "Polls that timed out with no error response",
		}),
		readExceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_read_exceptions_total",
			Help: "Polls or error-response reads that faulted",
		}),
		connectionExceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_connection_exceptions_total",
			Help: "Batches that could not open a gateway connection",
		}),
		errorResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apns_error_responses_total",
			Help: "Error responses received from the gateway, by status code",
		}, []string{"status"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apns_batches_total",
			Help: "Finished batches, by abort reason",
		}, []string{"aborted"}),
		unattempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_unattempted_total",
			Help: "Messages left unwritten when their batch aborted",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apns_batch_duration_seconds",
			Help:    "Wall time of a batch from connect to close",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(
		o.writes, o.writeExceptions, o.failures, o.nilSelects, o.readExceptions,
		o.connectionExceptions, o.errorResponses, o.batches, o.unattempted, o.batchDuration,
	)
	return o
}

// Callbacks returns delivery observers feeding the counters.
func (o *Observer) Callbacks() delivery.Callbacks {
	return delivery.Callbacks{
		OnWrite:               func(*delivery.Delivery, *delivery.Message) { o.writes.Inc() },
		OnNilSelect:           func(*delivery.Delivery) { o.nilSelects.Inc() },
		OnException:           func(*delivery.Delivery, error) { o.writeExceptions.Inc() },
		OnFailure:             func(*delivery.Delivery, *delivery.Message) { o.failures.Inc() },
		OnReadException:       func(*delivery.Delivery, error) { o.readExceptions.Inc() },
		OnConnectionException: func(*delivery.Delivery, error) { o.connectionExceptions.Inc() },
		OnError: func(_ *delivery.Delivery, _ uint32, status uint8) {
			o.errorResponses.WithLabelValues(strconv.Itoa(int(status))).Inc()
		},
	}
}

// ObserveReport records a finished batch.
func (o *Observer) ObserveReport(r *delivery.Report) {
	o.batches.WithLabelValues(r.Aborted).Inc()
	for _, res := range r.Results {
		if res.Outcome == delivery.Unattempted.String() {
			o.unattempted.Inc()
		}
	}
	o.batchDuration.Observe(r.Elapsed.Seconds())
}
