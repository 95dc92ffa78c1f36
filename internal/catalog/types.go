package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// MaxDetailBatch is the most identifiers one DescribeDetails call accepts.
const MaxDetailBatch = 10

var ErrBatchTooLarge = errors.New("detail batch exceeds limit")

// Event is one entry of the status catalog.
type Event struct {
	ARN               string    `json:"arn"`
	Service           string    `json:"service"`
	EventTypeCode     string    `json:"eventTypeCode"`
	EventTypeCategory string    `json:"eventTypeCategory"`
	Region            string    `json:"region"`
	StartTime         Timestamp `json:"startTime"`
	EndTime           Timestamp `json:"endTime"`
	LastUpdatedTime   Timestamp `json:"lastUpdatedTime"`
	StatusCode        string    `json:"statusCode"`
	EventScopeCode    string    `json:"eventScopeCode"`

	// Description is filled from DescribeDetails.
	Description    string `json:"-"`
	HasDescription bool   `json:"-"`
}

// Filter narrows ListEvents.
type Filter struct {
	Categories []string
}

type Page struct {
	Events    []Event `json:"events"`
	NextToken string  `json:"nextToken,omitempty"`
}

// Detail carries the latest description of one event.
type Detail struct {
	ARN               string
	LatestDescription string
	HasDescription    bool
}

// DetailFailure reports an identifier the catalog could not describe.
type DetailFailure struct {
	ARN     string
	Code    string
	Message string
}

// Source is the external status catalog.
type Source interface {
	ListEvents(ctx context.Context, f Filter, nextToken string) (Page, error)
	// DescribeDetails accepts at most MaxDetailBatch identifiers.
	DescribeDetails(ctx context.Context, arns []string) ([]Detail, []DetailFailure, error)
}

// Timestamp accepts an ISO-8601 string or epoch seconds, and keeps it as RFC 3339 text.
type Timestamp struct {
	Time time.Time
}

func (t Timestamp) IsZero() bool { return t.Time.IsZero() }

func (t Timestamp) String() string {
	if t.Time.IsZero() {
		return ""
	}
	return t.Time.UTC().Format(time.RFC3339)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp{}
			return nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		return errors.New("catalog: unrecognised timestamp " + strconv.Quote(s))
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}
