package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "statusrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, invocation_id, key, transition, outcome, payloads, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.InvocationID, e.Key, e.Transition, e.Outcome,
		e.Payloads, nullStr(e.Error), e.TookMS,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snap    Snapshot
		attrs   string
		expires sql.NullInt64
		updated int64
	)
	if err := row.Scan(&snap.Key, &attrs, &expires, &updated); err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(attrs), &snap.Attributes); err != nil {
		return Snapshot{}, fmt.Errorf("decode attributes of %s: %w", snap.Key, err)
	}
	if expires.Valid {
		snap.ExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	snap.UpdatedAt = time.UnixMilli(updated).UTC()
	return snap, nil
}

func (s *sqliteStore) PutEvent(ctx context.Context, snap Snapshot) (Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, false, ErrDisabled
	}
	snap.Key = strings.TrimSpace(snap.Key)
	if snap.Key == "" {
		return Snapshot{}, false, errors.New("snapshot key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT key, attributes, expires_at, updated_at FROM events WHERE key = ?`, snap.Key))
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, err
	}

	next := mergeBookkeeping(snap, prev)
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if err := upsertEvent(ctx, tx, next); err != nil {
		return Snapshot{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, false, err
	}
	return prev, found, nil
}

func upsertEvent(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	attrs, err := json.Marshal(snap.Attributes)
	if err != nil {
		return err
	}
	var expires any
	if !snap.ExpiresAt.IsZero() {
		expires = snap.ExpiresAt.UnixMilli()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(key, attributes, expires_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET attributes=excluded.attributes, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		snap.Key, string(attrs), expires, snap.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetEvent(ctx context.Context, key string) (Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, false, ErrDisabled
	}
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT key, attributes, expires_at, updated_at FROM events WHERE key = ?`, strings.TrimSpace(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqliteStore) MarkPublished(ctx context.Context, key string, at time.Time, messageID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT key, attributes, expires_at, updated_at FROM events WHERE key = ?`, strings.TrimSpace(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if snap.Attributes == nil {
		snap.Attributes = map[string]string{}
	}
	snap.Attributes[AttrPublishedAt] = FormatPublished(at)
	if messageID != "" {
		snap.Attributes[AttrMessageID] = messageID
	}
	if err := upsertEvent(ctx, tx, snap); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PruneExpired(ctx context.Context, now time.Time) ([]Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT key, attributes, expires_at, updated_at FROM events WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		s.log.Debug("pruned expired events", logx.Int("count", len(out)))
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
