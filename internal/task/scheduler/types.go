package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"statusrelay/internal/eventbus"
	logx "statusrelay/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
	// DefaultTimeout bounds a run when its schedule sets none; 0 means no bound.
	DefaultTimeout time.Duration
	// StartupSpread delays the first run of interval schedules by a random
	// fraction of the interval, capped at 30s.
	StartupSpread bool
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Event types published on the bus.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventSkipped  = "task.skipped"
)

// RunEvent is the payload of the task.* bus events.
type RunEvent struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	running       atomic.Bool
	lastErr       atomic.Value // string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// runCtx is the parent of every run; Stop cancels it.
	runCtx    context.Context
	runCancel context.CancelFunc

	// defaultTimeout is read by runs without taking mu.
	defaultTimeout atomic.Int64

	runs    atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

type ScheduleInfo struct {
	Name          string
	Spec          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Running       bool
	LastError     string
	Next          time.Time
	Prev          time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Runs      uint64
	Failed    uint64
	Skipped   uint64
	Schedules []ScheduleInfo
}
