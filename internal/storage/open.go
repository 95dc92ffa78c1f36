package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "statusrelay/pkg/logx"
)

// Store is the persistence API used by the poller and the notifier.
type Store interface {
	// PutEvent replaces the snapshot at snap.Key and returns the previous one.
	// Bookkeeping attributes of the previous snapshot survive the write.
	PutEvent(ctx context.Context, snap Snapshot) (prev Snapshot, found bool, err error)
	GetEvent(ctx context.Context, key string) (Snapshot, bool, error)
	// MarkPublished stamps publishedAt (and messageId when non-empty) on an existing snapshot.
	MarkPublished(ctx context.Context, key string, at time.Time, messageID string) error
	// PruneExpired deletes and returns snapshots whose expiry is at or before now.
	PruneExpired(ctx context.Context, now time.Time) ([]Snapshot, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// FormatPublished renders the publishedAt bookkeeping value.
func FormatPublished(at time.Time) string { return at.UTC().Format(time.RFC3339) }
