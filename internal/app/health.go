package app

import (
	"time"

	rtsup "statusrelay/internal/runtime/supervisor"
	"statusrelay/internal/task/scheduler"
)

// Health is the document served at /healthz.
type Health struct {
	Status    string             `json:"status"`
	Version   string             `json:"version"`
	Uptime    string             `json:"uptime"`
	Catalog   bool               `json:"catalog"`
	LastPoll  *PollStatus        `json:"last_poll,omitempty"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Runtime   rtsup.Snapshot     `json:"runtime"`
	// EventsDropped counts bus events lost to slow subscribers.
	EventsDropped uint64    `json:"events_dropped"`
	NextSendAt    time.Time `json:"next_send_at,omitzero"`
}

func (a *App) health() any {
	h := Health{
		Status:        "ok",
		Version:       a.version,
		Uptime:        time.Since(a.startedAt).Truncate(time.Second).String(),
		Catalog:       a.poller != nil,
		LastPoll:      a.lastPoll.Load(),
		Scheduler:     a.sched.Snapshot(),
		Runtime:       a.sup.Snapshot(),
		EventsDropped: a.bus.Dropped(),
		NextSendAt:    a.client.NextSendAt(),
	}
	if h.LastPoll != nil && h.LastPoll.Error != "" {
		h.Status = "degraded"
	}
	if a.sup != nil && a.sup.Err() != nil {
		h.Status = "failing"
	}
	return h
}
