package storage

import (
	"errors"
	"maps"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("event not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//   - "redis": Redis server at Addr
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr      string // redis only
	Password  string
	DB        int
	KeyPrefix string
}

// Bookkeeping attributes are written by the notifier, not the catalog. They are
// carried over when a snapshot is replaced.
const (
	AttrPublishedAt = "publishedAt"
	AttrMessageID   = "messageId"
)

var bookkeeping = []string{AttrPublishedAt, AttrMessageID}

// Snapshot is the stored state of one event.
type Snapshot struct {
	Key        string            `json:"key"`
	Attributes map[string]string `json:"attributes"`
	// ExpiresAt is zero for events that never expire.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Snapshot) Clone() Snapshot {
	s.Attributes = maps.Clone(s.Attributes)
	return s
}

// Expired reports whether the snapshot is past its expiry at now.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// mergeBookkeeping copies bookkeeping attributes from prev that next does not set.
func mergeBookkeeping(next, prev Snapshot) Snapshot {
	next = next.Clone()
	if next.Attributes == nil {
		next.Attributes = map[string]string{}
	}
	for _, k := range bookkeeping {
		if _, ok := next.Attributes[k]; ok {
			continue
		}
		if v, ok := prev.Attributes[k]; ok {
			next.Attributes[k] = v
		}
	}
	return next
}

// AuditEntry records the fate of one processed change record.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At           time.Time `json:"at"`
	InvocationID string    `json:"invocation_id"`
	Key          string    `json:"key"`
	Transition   string    `json:"transition"`
	Outcome      string    `json:"outcome"` // delivered | skipped | failed
	Payloads     int       `json:"payloads"`
	Error        string    `json:"error,omitempty"`
	TookMS       int64     `json:"took_ms"`
}
