package notifier

import (
	"context"
	"time"

	"statusrelay/internal/embed"
)

// Config controls batch processing.
type Config struct {
	// Concurrency is how many records are processed at once (default 1).
	Concurrency int
	// InvocationTimeout bounds one batch; 0 means no bound.
	InvocationTimeout time.Duration
}

const (
	EventDelivered = "record.delivered"
	EventSkipped   = "record.skipped"
	EventFailed    = "record.failed"
)

// Outcome names the fate of one record.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// RecordEvent is published on the event bus for every processed record.
type RecordEvent struct {
	InvocationID string        `json:"invocation_id"`
	Key          string        `json:"key"`
	Transition   string        `json:"transition"`
	Outcome      Outcome       `json:"outcome"`
	Payloads     int           `json:"payloads"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
	Took         time.Duration `json:"took"`
}

// Settled is a record that needs no further delivery attempt.
type Settled struct {
	Key     string
	Outcome Outcome
	// PublishedAt and MessageID are set for delivered records only.
	PublishedAt time.Time
	MessageID   string
}

// Result summarises one batch.
type Result struct {
	InvocationID string
	Delivered    int
	Skipped      int
	Failed       int
	// Abandoned counts records never attempted because the batch aborted.
	Abandoned int
	Took      time.Duration
	// Settled lists delivered and skipped records in completion order. Failed
	// and abandoned records are absent and must be retried by the caller.
	Settled []Settled
}

// Deliverer sends the payloads of one record in order and returns the id of
// the first message when the endpoint reports one.
type Deliverer interface {
	Deliver(ctx context.Context, payloads []embed.Payload) (string, error)
}

// FailureNotifier is told the invocation id of an aborted batch.
type FailureNotifier interface {
	Enabled() bool
	Notify(ctx context.Context, requestID string) error
}
