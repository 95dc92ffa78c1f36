package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("delivery transport failure")
	// ErrAttemptsExhausted is wrapped when MaxAttempts is reached without an acknowledgment.
	ErrAttemptsExhausted = errors.New("delivery attempts exhausted")
	// ErrNoEndpoint is returned when no webhook URL is configured.
	ErrNoEndpoint = errors.New("delivery endpoint not configured")
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultEpsilon = 250 * time.Millisecond
)

// Config controls the webhook delivery client.
type Config struct {
	URL string

	// Timeout bounds one HTTP request. 0 means DefaultTimeout.
	Timeout time.Duration
	// Epsilon is added to every server-provided delay. 0 means DefaultEpsilon.
	Epsilon time.Duration

	// RatePerSec enables a client-side token bucket when > 0.
	RatePerSec float64
	Burst      int

	// MaxAttempts caps attempts per payload; 0 retries until acknowledged.
	MaxAttempts int

	UserAgent string

	// Wait asks the endpoint to answer with the created message so its id
	// can be recorded.
	Wait bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultEpsilon
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.UserAgent == "" {
		c.UserAgent = "statusrelay"
	}
	return c
}

// OutcomeKind is the result of one send attempt.
type OutcomeKind uint8

const (
	Delivered OutcomeKind = iota
	RateLimited
	Rejected
	TransportFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case RateLimited:
		return "rate_limited"
	case Rejected:
		return "rejected"
	default:
		return "transport_failure"
	}
}

// Outcome describes one attempt and the wait it imposes on the next send.
type Outcome struct {
	Kind   OutcomeKind
	Status int
	// Delay is how long the next request must wait. Zero means no pacing.
	Delay time.Duration
	// MessageID is set when the endpoint echoed the created message.
	MessageID string
}

// TransportError aborts a notification: the endpoint could not be reached
// or never acknowledged within MaxAttempts.
type TransportError struct {
	Payload int
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery: payload %d attempt %d: %v", e.Payload, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
