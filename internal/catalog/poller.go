// Package catalog keeps the snapshot store in sync with an external status
// catalog and turns the differences into change records for the notifier.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"statusrelay/internal/change"
	"statusrelay/internal/storage"
	logx "statusrelay/pkg/logx"
)

const (
	ScopePublic   = "PUBLIC"
	CategoryIssue = "issue"

	// DefaultRetention keeps closed events for one year.
	DefaultRetention = 31556926 * time.Second
)

type PollerConfig struct {
	Categories []string
	Scope      string
	Retention  time.Duration
	// MaxPages stops pagination early; 0 means unlimited.
	MaxPages int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if len(c.Categories) == 0 {
		c.Categories = []string{CategoryIssue}
	}
	if c.Scope == "" {
		c.Scope = ScopePublic
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Poller pulls the catalog, persists the events and reports what changed.
type Poller struct {
	cfg   PollerConfig
	src   Source
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewPoller(cfg PollerConfig, src Source, store storage.Store, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:   cfg.withDefaults(),
		src:   src,
		store: store,
		log:   log.With(logx.String("comp", "catalog")),
		now:   time.Now,
	}
}

// Stats summarises one poll.
type Stats struct {
	Listed    int
	Kept      int
	Described int
	Inserted  int
	Updated   int
	Removed   int
	Took      time.Duration
}

// Batch is the result of one poll. The snapshots behind its insert and update
// records are held back until Commit.
type Batch struct {
	Records []change.Record
	pending map[string]storage.Snapshot
}

// Pending reports how many snapshots are waiting for Commit.
func (b Batch) Pending() int { return len(b.pending) }

// Keys lists the record keys in order.
func (b Batch) Keys() []string {
	out := make([]string, len(b.Records))
	for i, r := range b.Records {
		out[i] = r.Key
	}
	return out
}

// Poll runs one full sync and returns change records in the order they happened:
// inserts and updates in catalog order, then removals of expired events.
//
// Changed snapshots are not written by Poll. Until a record is committed the
// store keeps the previous snapshot, so the next poll emits the same record
// again with the same old attributes.
func (p *Poller) Poll(ctx context.Context) (Batch, Stats, error) {
	start := p.now()
	var (
		st Stats
		b  = Batch{pending: map[string]storage.Snapshot{}}
	)
	if p.src == nil || p.store == nil {
		return b, st, errors.New("catalog: poller needs a source and a store")
	}

	events, listed, err := p.list(ctx)
	st.Listed, st.Kept = listed, len(events)
	if err != nil {
		return b, st, err
	}

	described, err := p.describe(ctx, events)
	st.Described = len(described)
	if err != nil {
		return b, st, err
	}

	for _, ev := range described {
		rec, snap, ok, err := p.sync(ctx, ev)
		if err != nil {
			return b, st, err
		}
		if !ok {
			continue
		}
		if rec.TransitionType == change.Insert.String() {
			st.Inserted++
		} else {
			st.Updated++
		}
		b.Records = append(b.Records, rec)
		b.pending[rec.Key] = snap
	}

	pruned, err := p.store.PruneExpired(ctx, p.now())
	if err != nil {
		return b, st, fmt.Errorf("catalog: prune: %w", err)
	}
	for _, snap := range pruned {
		b.Records = append(b.Records, change.Record{
			TransitionType: change.Remove.String(),
			Key:            snap.Key,
			OldAttributes:  snap.Attributes,
		})
		st.Removed++
	}

	st.Took = p.now().Sub(start)
	p.log.Info("catalog polled",
		logx.Int("listed", st.Listed), logx.Int("kept", st.Kept),
		logx.Int("inserted", st.Inserted), logx.Int("updated", st.Updated), logx.Int("removed", st.Removed),
		logx.Duration("took", st.Took))
	return b, st, nil
}

// Commit writes the snapshot behind a settled record. A non-zero publishedAt
// stamps the publication bookkeeping, with messageID when known. Keys that
// carry no pending snapshot (removals, replayed records) are ignored.
func (p *Poller) Commit(ctx context.Context, b Batch, key string, publishedAt time.Time, messageID string) error {
	snap, ok := b.pending[key]
	if !ok {
		return nil
	}
	snap = snap.Clone()
	if !publishedAt.IsZero() {
		snap.Attributes[storage.AttrPublishedAt] = storage.FormatPublished(publishedAt)
		if messageID != "" {
			snap.Attributes[storage.AttrMessageID] = messageID
		}
	}
	if _, _, err := p.store.PutEvent(ctx, snap); err != nil {
		return fmt.Errorf("catalog: write %s: %w", key, err)
	}
	return nil
}

func (p *Poller) list(ctx context.Context) ([]Event, int, error) {
	var (
		out    []Event
		listed int
		token  string
	)
	for page := 1; ; page++ {
		pg, err := p.src.ListEvents(ctx, Filter{Categories: p.cfg.Categories}, token)
		if err != nil {
			return nil, listed, err
		}
		listed += len(pg.Events)
		for _, ev := range pg.Events {
			if ev.EventScopeCode == p.cfg.Scope && ev.EventTypeCategory == CategoryIssue {
				out = append(out, ev)
			}
		}
		token = pg.NextToken
		if token == "" {
			break
		}
		if p.cfg.MaxPages > 0 && page >= p.cfg.MaxPages {
			p.log.Warn("catalog pagination truncated", logx.Int("pages", page))
			break
		}
	}
	return out, listed, nil
}

// describe attaches the latest description to each event, MaxDetailBatch at a time.
// Events the catalog fails to describe are dropped.
func (p *Poller) describe(ctx context.Context, events []Event) ([]Event, error) {
	byARN := make(map[string]int, len(events))
	for i, ev := range events {
		byARN[ev.ARN] = i
	}

	out := make([]Event, 0, len(events))
	for i := 0; i < len(events); i += MaxDetailBatch {
		batch := events[i:min(i+MaxDetailBatch, len(events))]
		arns := make([]string, len(batch))
		for j, ev := range batch {
			arns[j] = ev.ARN
		}

		details, failed, err := p.src.DescribeDetails(ctx, arns)
		if err != nil {
			return nil, err
		}
		for _, f := range failed {
			p.log.Warn("event details unavailable", logx.String("arn", f.ARN), logx.String("code", f.Code), logx.String("error", f.Message))
		}
		for _, d := range details {
			idx, ok := byARN[d.ARN]
			if !ok {
				continue
			}
			ev := events[idx]
			if d.HasDescription {
				ev.Description, ev.HasDescription = d.LatestDescription, true
			} else {
				p.log.Warn("latest description missing", logx.String("arn", d.ARN))
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

// sync compares one event with its stored snapshot and reports the change
// record and the snapshot to commit, if anything changed.
func (p *Poller) sync(ctx context.Context, ev Event) (change.Record, storage.Snapshot, bool, error) {
	key := change.KeyPrefix + ev.ARN
	prev, found, err := p.store.GetEvent(ctx, key)
	if err != nil {
		return change.Record{}, storage.Snapshot{}, false, fmt.Errorf("catalog: read %s: %w", key, err)
	}

	snap := storage.Snapshot{Key: key, Attributes: attributes(ev), UpdatedAt: p.now().UTC()}
	if ev.StatusCode == "closed" {
		snap.Attributes[change.KeyEndTime] = ev.EndTime.String()
		if found && !prev.ExpiresAt.IsZero() {
			snap.ExpiresAt = prev.ExpiresAt
		} else {
			snap.ExpiresAt = p.now().Add(p.cfg.Retention).UTC()
		}
	} else if found {
		// Keep an endTime written while the event was closed.
		if v, ok := prev.Attributes[change.KeyEndTime]; ok {
			snap.Attributes[change.KeyEndTime] = v
		}
	}

	next := withBookkeeping(snap.Attributes, prev.Attributes)

	if !found {
		return change.Record{TransitionType: change.Insert.String(), Key: key, NewAttributes: next}, snap, true, nil
	}
	if !trackedChanged(prev.Attributes, next) {
		return change.Record{}, storage.Snapshot{}, false, nil
	}
	return change.Record{
		TransitionType: change.Update.String(),
		Key:            key,
		NewAttributes:  next,
		OldAttributes:  prev.Attributes,
	}, snap, true, nil
}

func attributes(ev Event) map[string]string {
	a := map[string]string{
		change.KeyStatusCode:        ev.StatusCode,
		change.KeyRegion:            ev.Region,
		change.KeyService:           ev.Service,
		change.KeyEventTypeCode:     ev.EventTypeCode,
		change.KeyEventTypeCategory: ev.EventTypeCategory,
		change.KeyStartTime:         ev.StartTime.String(),
		change.KeyLastUpdatedTime:   ev.LastUpdatedTime.String(),
		change.KeyScope:             ev.EventScopeCode,
	}
	if ev.HasDescription {
		a[change.KeyDescription] = ev.Description
	}
	return a
}

func withBookkeeping(next, prev map[string]string) map[string]string {
	out := maps.Clone(next)
	for _, k := range []string{storage.AttrPublishedAt, storage.AttrMessageID} {
		if _, ok := out[k]; ok {
			continue
		}
		if v, ok := prev[k]; ok {
			out[k] = v
		}
	}
	return out
}

// trackedChanged compares the catalog-owned attributes of two snapshots.
func trackedChanged(old, next map[string]string) bool {
	ignore := func(k string) bool { return k == storage.AttrPublishedAt || k == storage.AttrMessageID }
	for k, v := range next {
		if ignore(k) {
			continue
		}
		if ov, ok := old[k]; !ok || ov != v {
			return true
		}
	}
	for k := range old {
		if ignore(k) {
			continue
		}
		if _, ok := next[k]; !ok {
			return true
		}
	}
	return false
}
