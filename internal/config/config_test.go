package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: /var/lib/statusrelay/events.db
  busy_timeout: 2s
catalog:
  base_url: https://health.example.com/v1
  token: env:CATALOG_TOKEN
  retention: 8760h
webhook:
  url: file:webhook_url
  timeout: 15s
  rate_per_sec: 0.5
scheduler:
  enabled: true
  schedule: 5m
render:
  fields:
    - key: region
      name: Region
      insert: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "env:CATALOG_TOKEN", cfg.Catalog.Token)
	assert.InDelta(t, 0.5, cfg.Webhook.RatePerSec, 1e-9)
	assert.Equal(t, []FieldConfig{{Key: "region", Name: "Region", Insert: true}}, cfg.Render.Fields)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		name, body string
	}{
		"unknown field":   {"c.json", `{"webhook":{"url":"x","nope":1}}`},
		"trailing data":   {"c.json", `{"webhook":{"url":"x"}} {}`},
		"bad duration":    {"c.json", `{"webhook":{"url":"x","timeout":"soon"}}`},
		"negative":        {"c.json", `{"notifier":{"invocation_timeout":"-1s"}}`},
		"unknown driver":  {"c.yml", "storage:\n  driver: mongo\n"},
		"sqlite no path":  {"c.yml", "storage:\n  driver: sqlite\n"},
		"schedule needed": {"c.yml", "scheduler:\n  enabled: true\n"},
		"sample ratio":    {"c.json", `{"telemetry":{"tracing":{"sample_ratio":2}}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, tc.name, tc.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Webhook.Timeout = "x"
	cfg.Notifier.Concurrency = -1
	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "webhook.timeout")
	assert.Contains(t, err.Error(), "notifier.concurrency")
}

func TestDurations(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationField("x", " 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("x", "-2s")
	assert.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{}
	oldCfg.Webhook.URL = "https://hooks.example.com/secret-a"
	newCfg := &Config{}
	newCfg.Webhook.URL = "https://hooks.example.com/secret-b"
	newCfg.Logging.Level = "warn"

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "webhook"}, changed)
	assert.Equal(t, []string{"webhook"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, restart = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, restart)
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return ErrInvalid
		}
		return nil
	})

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"trace"}}`), 0o600))
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, sub)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	assert.NoError(t, <-done)
}
