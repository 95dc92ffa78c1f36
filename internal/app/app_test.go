package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusrelay/internal/change"
	"statusrelay/internal/config"
	"statusrelay/internal/delivery"
	"statusrelay/internal/notifier"
	"statusrelay/internal/storage"
)

const catalogPage = `{"events":[{
	"arn":"arn:aws:health:us-east-1::event/EC2/OPS/1",
	"service":"EC2","eventTypeCode":"AWS_EC2_OPERATIONAL_ISSUE","eventTypeCategory":"issue",
	"region":"us-east-1","startTime":"2024-03-01T10:00:00Z","lastUpdatedTime":"2024-03-01T11:30:00Z",
	"statusCode":"open","eventScopeCode":"PUBLIC"}]}`

const catalogDetails = `{"successfulSet":[{"event":{"arn":"arn:aws:health:us-east-1::event/EC2/OPS/1"},
	"eventDescription":{"latestDescription":"We are investigating increased error rates."}}]}`

type fixture struct {
	dir      string
	cfgPath  string
	webhooks atomic.Int32
	// down makes the webhook drop connections without answering.
	down atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir()}

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if f.down.Load() {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		n := f.webhooks.Add(1)
		if r.URL.Query().Get("wait") != "true" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":"m-%d"}`, n)
	}))
	t.Cleanup(hook.Close)

	cat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/events":
			_, _ = w.Write([]byte(catalogPage))
		case "/events/details":
			_, _ = w.Write([]byte(catalogDetails))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(cat.Close)

	t.Setenv("STATUSRELAY_TEST_WEBHOOK", hook.URL)
	f.cfgPath = filepath.Join(f.dir, "config.yaml")
	body := strings.Join([]string{
		"logging:",
		"  level: error",
		"storage:",
		"  driver: file",
		"  path: " + filepath.Join(f.dir, "state", "events"),
		"catalog:",
		"  base_url: " + cat.URL,
		"webhook:",
		"  url: env:STATUSRELAY_TEST_WEBHOOK",
		"  timeout: 2s",
		"scheduler:",
		"  enabled: false",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(body), 0o600))
	return f
}

func TestPollOnceDeliversAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := NewApp(ctx, f.cfgPath, WithVersion("test"))
	require.NoError(t, err)

	res, err := a.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	sent := f.webhooks.Load()
	assert.Positive(t, sent)

	// Nothing changed in the catalog, so nothing is sent.
	res, err = a.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.Equal(t, sent, f.webhooks.Load())

	h, ok := a.health().(Health)
	require.True(t, ok)
	assert.Equal(t, "ok", h.Status)
	require.NotNil(t, h.LastPoll)
	assert.Equal(t, 1, h.LastPoll.Stats.Listed)

	require.NoError(t, a.Stop(ctx, StopDone))
	audit, err := os.ReadFile(filepath.Join(f.dir, "state", "events.audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"outcome":"delivered"`)
}

func TestPollOnceRedeliversAfterTransportFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := NewApp(ctx, f.cfgPath)
	require.NoError(t, err)
	defer func() { _ = a.Stop(ctx, StopDone) }()
	key := change.KeyPrefix + "arn:aws:health:us-east-1::event/EC2/OPS/1"

	f.down.Store(true)
	res, err := a.PollOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, notifier.ErrAborted)
	assert.ErrorIs(t, err, delivery.ErrTransport)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, res.Settled)
	_, found, err := a.store.GetEvent(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "nothing is committed for a failed record")

	h, ok := a.health().(Health)
	require.True(t, ok)
	assert.Equal(t, "degraded", h.Status)

	f.down.Store(false)
	res, err = a.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.EqualValues(t, 1, f.webhooks.Load())

	snap, found, err := a.store.GetEvent(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, snap.Attributes[storage.AttrPublishedAt])
	assert.Equal(t, "m-1", snap.Attributes[storage.AttrMessageID])

	res, err = a.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.EqualValues(t, 1, f.webhooks.Load())
}

func TestNewAppRequiresWebhookAndStorage(t *testing.T) {
	dir := t.TempDir()
	write := func(body string) string {
		p := filepath.Join(dir, "c.json")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := NewApp(context.Background(), write(`{"logging":{"level":"error"}}`))
	require.ErrorIs(t, err, ErrNoWebhook)

	_, err = NewApp(context.Background(), write(`{"logging":{"level":"error"},"webhook":{"url":"https://hooks.example.com/x"},"catalog":{"base_url":"https://health.example.com"}}`))
	require.ErrorIs(t, err, ErrNoStorage)
}

func TestApplyConfigTogglesScheduler(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewApp(ctx, f.cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopDone) }()

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Scheduler = config.SchedulerConfig{Enabled: true, Schedule: "1h"}
	next.Notifier.Concurrency = 3
	a.applyConfig(ctx, oldCfg, &next)

	snap := a.sched.Snapshot()
	assert.True(t, snap.Enabled)
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, PollSchedule, snap.Schedules[0].Name)
	assert.Equal(t, "@every 1h0m0s", snap.Schedules[0].Spec)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	a.applyConfig(ctx, &next, oldCfg)
	assert.False(t, a.sched.Enabled())
	assert.Empty(t, a.sched.Snapshot().Schedules)
}

func TestRenderRecords(t *testing.T) {
	rec := change.Record{
		TransitionType: "INSERT",
		Key:            "ARN#x",
		NewAttributes: map[string]string{
			change.KeyARN:             "x",
			change.KeyDescription:     "Elevated latency",
			change.KeyRegion:          "eu-west-1",
			change.KeyStatusCode:      "open",
			change.KeyService:         "S3",
			change.KeyEventTypeCode:   "AWS_S3_OPERATIONAL_ISSUE",
			change.KeyStartTime:       "2024-03-01T10:00:00Z",
			change.KeyLastUpdatedTime: "2024-03-01T10:05:00Z",
		},
	}
	cfg := &config.Config{Render: config.RenderConfig{FooterText: "status"}}
	out := RenderRecords(cfg, []change.Record{rec, {TransitionType: "BOGUS", Key: "k"}})
	require.Len(t, out, 2)

	assert.True(t, out[0].Notify)
	assert.Empty(t, out[0].Error)
	require.NotEmpty(t, out[0].Payloads)
	last := out[0].Payloads[len(out[0].Payloads)-1]
	require.NotNil(t, last.Footer)
	assert.Equal(t, "status", last.Footer.Text)

	assert.NotEmpty(t, out[1].Error)
	assert.Empty(t, out[1].Payloads)
}

func TestMapRenderConfigFields(t *testing.T) {
	cfg := &config.Config{Render: config.RenderConfig{Fields: []config.FieldConfig{
		{Key: change.KeyScope, Name: "", Insert: true},
		{Key: "affectedAccounts", Name: "Accounts", Modify: true},
	}}}
	_, fields := mapRenderConfig(cfg)

	byKey := map[string]change.Field{}
	for _, f := range fields {
		byKey[f.Key] = f
	}
	assert.Equal(t, "Event Scope", byKey[change.KeyScope].DisplayName)
	assert.True(t, byKey[change.KeyScope].Visibility.Has(change.InsertVisible))
	assert.False(t, byKey[change.KeyScope].Visibility.Has(change.ModifyVisible))
	assert.Equal(t, change.Field{Key: "affectedAccounts", DisplayName: "Accounts", Visibility: change.ModifyVisible}, fields[len(fields)-1])
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"nil", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "/tmp/x"}, true, false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"sqlite bad busy", &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, false, true},
		{"redis", &config.StorageConfig{Driver: "redis", Addr: "127.0.0.1:6379"}, true, false},
		{"unknown", &config.StorageConfig{Driver: "etcd"}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.sc}, "pw")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			if sc.Driver == "redis" {
				assert.Equal(t, "pw", sc.Password)
			}
		})
	}
	sc, _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}}, "")
	require.NoError(t, err)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}
