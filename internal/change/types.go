package change

import (
	"encoding/json"
	"errors"
	"iter"
	"strings"
)

// ErrMalformedRecord reports a record that cannot be interpreted at all.
var ErrMalformedRecord = errors.New("malformed change record")

// Transition is the kind of change carried by a record.
type Transition uint8

const (
	TransitionUnknown Transition = iota
	Insert
	Update
	Remove
)

func (t Transition) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "MODIFY"
	case Remove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ParseTransition accepts INSERT, MODIFY/UPDATE and REMOVE/DELETE in any case.
func ParseTransition(s string) (Transition, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return Insert, true
	case "MODIFY", "UPDATE":
		return Update, true
	case "REMOVE", "DELETE":
		return Remove, true
	default:
		return TransitionUnknown, false
	}
}

// Record is one entry of the change stream.
type Record struct {
	TransitionType string            `json:"transitionType"`
	Key            string            `json:"key"`
	NewAttributes  map[string]string `json:"newAttributes,omitempty"`
	OldAttributes  map[string]string `json:"oldAttributes,omitempty"`
}

// DecodeRecords reads a stream document: either a JSON array of records or
// an object with a "Records" array.
func DecodeRecords(data []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var recs []Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}
	var env struct {
		Records []Record `json:"Records"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env.Records, nil
}

// Visibility says in which rendered transitions an attribute appears in the body.
type Visibility uint8

const (
	Private       Visibility = 0
	InsertVisible Visibility = 1 << 0
	ModifyVisible Visibility = 1 << 1
)

func (v Visibility) Has(f Visibility) bool { return f != 0 && v&f == f }

// Field describes one tracked attribute.
type Field struct {
	Key         string
	DisplayName string
	Visibility  Visibility
}

// Well-known attribute keys.
const (
	KeyARN               = "arn"
	KeyDescription       = "eventDescription"
	KeyRegion            = "region"
	KeyScope             = "eventScopeCode"
	KeyStartTime         = "startTime"
	KeyLastUpdatedTime   = "lastUpdatedTime"
	KeyEndTime           = "endTime"
	KeyStatusCode        = "statusCode"
	KeyService           = "service"
	KeyEventTypeCategory = "eventTypeCategory"
	KeyEventTypeCode     = "eventTypeCode"
	KeyPublishedAt       = "publishedAt"
	KeyMessageID         = "messageId"
)

// DefaultFields returns the tracked attribute table in render order.
func DefaultFields() []Field {
	return []Field{
		{KeyARN, "Amazon Resource Name", Private},
		{KeyDescription, "Description", InsertVisible | ModifyVisible},
		{KeyRegion, "Region", InsertVisible | ModifyVisible},
		{KeyScope, "Event Scope", Private},
		{KeyStartTime, "Start Time", Private},
		{KeyLastUpdatedTime, "Last Updated", Private},
		{KeyEndTime, "End Time", Private},
		{KeyStatusCode, "Status Code", Private},
		{KeyService, "Service", InsertVisible | ModifyVisible},
		{KeyEventTypeCategory, "Event Type Category", Private},
		{KeyEventTypeCode, "Event Type", Private},
		{KeyPublishedAt, "Time Published", Private},
		{KeyMessageID, "Message ID", Private},
	}
}

// FieldDelta is the before/after view of one tracked attribute.
type FieldDelta struct {
	Key         string
	DisplayName string
	Visibility  Visibility

	NewValue string
	HasNew   bool
	OldValue string
	HasOld   bool

	// DiffChunks is only set on the description, and only when it changed.
	DiffChunks []string
}

// Changed reports whether the rendered value differs between snapshots.
// A missing old value counts as a change.
func (d FieldDelta) Changed() bool {
	return !d.HasOld || d.OldValue != d.NewValue
}

// FieldDeltaMap is an ordered, read-only collection of deltas.
type FieldDeltaMap struct {
	order []string
	byKey map[string]FieldDelta
}

func newFieldDeltaMap(deltas []FieldDelta) FieldDeltaMap {
	m := FieldDeltaMap{
		order: make([]string, 0, len(deltas)),
		byKey: make(map[string]FieldDelta, len(deltas)),
	}
	for _, d := range deltas {
		if _, dup := m.byKey[d.Key]; !dup {
			m.order = append(m.order, d.Key)
		}
		m.byKey[d.Key] = d
	}
	return m
}

func (m FieldDeltaMap) Get(key string) (FieldDelta, bool) {
	d, ok := m.byKey[key]
	if ok && len(d.DiffChunks) > 0 {
		d.DiffChunks = append([]string(nil), d.DiffChunks...)
	}
	return d, ok
}

// NewValue is a shortcut for Get(key).NewValue when present.
func (m FieldDeltaMap) NewValue(key string) (string, bool) {
	d, ok := m.byKey[key]
	if !ok || !d.HasNew {
		return "", false
	}
	return d.NewValue, true
}

// OldValue is a shortcut for Get(key).OldValue when present.
func (m FieldDeltaMap) OldValue(key string) (string, bool) {
	d, ok := m.byKey[key]
	if !ok || !d.HasOld {
		return "", false
	}
	return d.OldValue, true
}

func (m FieldDeltaMap) Keys() []string { return append([]string(nil), m.order...) }

func (m FieldDeltaMap) Len() int { return len(m.order) }

// All iterates deltas in tracked order.
func (m FieldDeltaMap) All() iter.Seq2[string, FieldDelta] {
	return func(yield func(string, FieldDelta) bool) {
		for _, k := range m.order {
			d, _ := m.Get(k)
			if !yield(k, d) {
				return
			}
		}
	}
}

// Change is a parsed record ready for rendering.
type Change struct {
	Transition Transition
	Key        string
	ID         string // event arn
	Fields     FieldDeltaMap

	// Notify is false for transitions that never produce a notification.
	Notify bool
}
