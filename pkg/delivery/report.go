package delivery

import (
	"errors"
	"time"
)

// Result is the outcome of one queued message.
type Result struct {
	MessageID   uint32 `json:"message_id" firestore:"message_id"`
	DeviceToken string `json:"device_token" firestore:"device_token"`
	Outcome     string `json:"outcome" firestore:"outcome"`
	Status      *uint8 `json:"status,omitempty" firestore:"status,omitempty"`
	Error       string `json:"error,omitempty" firestore:"error,omitempty"`
}

// Report is a snapshot of a Delivery, suitable for storage and for API responses.
type Report struct {
	BatchID             string        `json:"batch_id" firestore:"batch_id"`
	Total               int           `json:"total" firestore:"total"`
	Success             int           `json:"success" firestore:"success"`
	Failure             int           `json:"failure" firestore:"failure"`
	Exceptions          int           `json:"exceptions" firestore:"exceptions"`
	ConsecutiveFailures int           `json:"consecutive_failures" firestore:"consecutive_failures"`
	Aborted             string        `json:"aborted" firestore:"aborted"`
	StartedAt           time.Time     `json:"started_at" firestore:"started_at"`
	FinishedAt          time.Time     `json:"finished_at" firestore:"finished_at"`
	Elapsed             time.Duration `json:"elapsed_ns" firestore:"elapsed_ns"`
	Results             []Result      `json:"results" firestore:"results"`
}

// Report snapshots the current state. BatchID is left for the caller to fill.
func (d *Delivery) Report() *Report {
	r := &Report{
		Total:               d.TotalCount(),
		Success:             d.SuccessCount(),
		Failure:             d.FailureCount(),
		Exceptions:          d.exceptionCount,
		ConsecutiveFailures: d.consecutiveFailureCount,
		Aborted:             d.abort.String(),
		StartedAt:           d.startedAt,
		FinishedAt:          d.finishedAt,
		Elapsed:             d.Elapsed(),
		Results:             make([]Result, 0, len(d.messages)),
	}
	for i, m := range d.messages {
		res := Result{
			MessageID:   m.MessageID,
			DeviceToken: m.DeviceToken,
			Outcome:     d.outcomes[i].String(),
		}
		if reason := d.reasons[i]; reason != nil {
			res.Error = reason.Error()
			var resp *ErrorResponse
			if errors.As(reason, &resp) {
				status := resp.Status
				res.Status = &status
			}
		}
		r.Results = append(r.Results, res)
	}
	return r
}
