package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "statusrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.events.snapshot.json (periodic snapshot)
//   - <prefix>.events.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	events       map[string]Snapshot

	writes int
}

const compactEvery = 1000

type journalRecord struct {
	Op   string   `json:"op"` // put | del
	Key  string   `json:"key"`
	Snap Snapshot `json:"snap,omitzero"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".events.snapshot.json"
	journalPath := prefix + ".events.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	events := map[string]Snapshot{}
	if err := loadSnapshot(snapPath, events); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("events snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, events); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("events journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("events", len(events)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		events:       events,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2, err3 error
	if s.journalFile != nil {
		err1 = s.compactLocked()
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err3 = s.auditFile.Close()
		s.auditFile = nil
	}
	return errors.Join(err1, err2, err3)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutEvent(ctx context.Context, snap Snapshot) (Snapshot, bool, error) {
	_ = ctx
	key := strings.TrimSpace(snap.Key)
	if key == "" {
		return Snapshot{}, false, errors.New("snapshot key is required")
	}
	snap.Key = key

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return Snapshot{}, false, ErrClosed
	}
	prev, found := s.events[key]
	next := mergeBookkeeping(snap, prev)
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if err := s.appendLocked(journalRecord{Op: "put", Key: key, Snap: next}); err != nil {
		return Snapshot{}, false, err
	}
	s.events[key] = next
	return prev.Clone(), found, nil
}

func (s *fileStore) GetEvent(ctx context.Context, key string) (Snapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.events[strings.TrimSpace(key)]
	if !ok {
		return Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (s *fileStore) MarkPublished(ctx context.Context, key string, at time.Time, messageID string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	snap, ok := s.events[key]
	if !ok {
		return ErrNotFound
	}
	snap = snap.Clone()
	if snap.Attributes == nil {
		snap.Attributes = map[string]string{}
	}
	snap.Attributes[AttrPublishedAt] = FormatPublished(at)
	if messageID != "" {
		snap.Attributes[AttrMessageID] = messageID
	}
	if err := s.appendLocked(journalRecord{Op: "put", Key: key, Snap: snap}); err != nil {
		return err
	}
	s.events[key] = snap
	return nil
}

func (s *fileStore) PruneExpired(ctx context.Context, now time.Time) ([]Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	var out []Snapshot
	for key, snap := range s.events {
		if !snap.Expired(now) {
			continue
		}
		if err := s.appendLocked(journalRecord{Op: "del", Key: key}); err != nil {
			return out, err
		}
		delete(s.events, key)
		out = append(out, snap)
	}
	return out, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("events compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.events); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Snapshot
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		switch r.Op {
		case "put":
			out[r.Key] = r.Snap
		case "del":
			delete(out, r.Key)
		}
	}
	return sc.Err()
}
