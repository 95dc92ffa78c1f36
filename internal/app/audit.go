package app

import (
	"context"
	"time"

	"statusrelay/internal/eventbus"
	"statusrelay/internal/notifier"
	"statusrelay/internal/storage"
	logx "statusrelay/pkg/logx"
)

// recordAudit turns a notifier record event into an audit entry. Writes run
// detached from the caller's context so entries drained at shutdown still land.
func (a *App) recordAudit(e eventbus.Event) {
	ev, ok := e.Data.(notifier.RecordEvent)
	if !ok || a.store == nil {
		return
	}
	entry := storage.AuditEntry{
		At:           ev.At,
		InvocationID: ev.InvocationID,
		Key:          ev.Key,
		Transition:   ev.Transition,
		Outcome:      string(ev.Outcome),
		Payloads:     ev.Payloads,
		Error:        ev.Error,
		TookMS:       ev.Took.Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		a.log.Warn("audit append failed", logx.String("key", ev.Key), logx.Err(err))
	}
}
