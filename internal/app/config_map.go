package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"statusrelay/internal/catalog"
	"statusrelay/internal/change"
	"statusrelay/internal/config"
	"statusrelay/internal/delivery"
	"statusrelay/internal/embed"
	"statusrelay/internal/notifier"
	"statusrelay/internal/observability"
	"statusrelay/internal/secrets"
	"statusrelay/internal/storage"
	"statusrelay/internal/task/scheduler"
	logx "statusrelay/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func newSecretSet(cfg *config.Config) *secrets.Set {
	return secrets.NewSet().
		Register("env", secrets.Env{Prefix: cfg.Secrets.EnvPrefix}).
		Register("file", secrets.Dir{Path: strings.TrimSpace(cfg.Secrets.Dir)})
}

// resolvedSecrets holds every credential the process needs, resolved once.
type resolvedSecrets struct {
	WebhookURL      string
	FailureURL      string
	CatalogToken    string
	StoragePassword string
	DebugToken      string
}

func resolveSecrets(ctx context.Context, cfg *config.Config) (resolvedSecrets, error) {
	refs := map[string]string{
		"webhook.url":           cfg.Webhook.URL,
		"webhook.failure_url":   cfg.Webhook.FailureURL,
		"catalog.token":         cfg.Catalog.Token,
		"telemetry.debug.token": cfg.Telemetry.Debug.Token,
	}
	if cfg.Storage != nil {
		refs["storage.password"] = cfg.Storage.Password
	}
	vals, err := newSecretSet(cfg).ResolveAll(ctx, refs)
	if err != nil {
		return resolvedSecrets{}, err
	}
	return resolvedSecrets{
		WebhookURL:      vals["webhook.url"],
		FailureURL:      vals["webhook.failure_url"],
		CatalogToken:    vals["catalog.token"],
		StoragePassword: vals["storage.password"],
		DebugToken:      vals["telemetry.debug.token"],
	}, nil
}

func mapStorageConfig(cfg *config.Config, password string) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		addr := strings.TrimSpace(sc.Addr)
		if addr == "" {
			return storage.Config{}, false, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: dl, Addr: addr, Password: password, DB: sc.DB, KeyPrefix: sc.KeyPrefix}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapDeliveryConfig(cfg *config.Config, url string) (delivery.Config, error) {
	w := cfg.Webhook
	timeout, err := config.ParseDurationOrDefault("webhook.timeout", w.Timeout, delivery.DefaultTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	eps, err := config.ParseDurationOrDefault("webhook.epsilon", w.Epsilon, delivery.DefaultEpsilon)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		URL:         url,
		Timeout:     timeout,
		Epsilon:     eps,
		RatePerSec:  w.RatePerSec,
		Burst:       w.Burst,
		MaxAttempts: w.MaxAttempts,
		UserAgent:   strings.TrimSpace(w.UserAgent),
		Wait:        !w.NoWait,
	}, nil
}

// mapRenderConfig returns the embed configuration and the tracked field table.
// Configured fields override the built-in table entry with the same key and
// unknown keys are appended.
func mapRenderConfig(cfg *config.Config) (embed.Config, []change.Field) {
	r := cfg.Render
	ec := embed.DefaultConfig()
	if r.BodyBudget > 0 {
		ec.BodyBudget = r.BodyBudget
	}
	if r.FooterText != "" {
		ec.Footer.Text = r.FooterText
	}
	if r.FooterIcon != "" {
		ec.Footer.IconURL = r.FooterIcon
	}
	if p := r.Palette; p != nil {
		ec.Palette = embed.Palette{Issue: p.Issue, Resolved: p.Resolved, Change: p.Change, Historical: p.Historical}
	}
	if len(r.FieldKeys) > 0 {
		ec.FieldKeys = r.FieldKeys
	}
	if len(r.RelativeTimeKeys) > 0 {
		ec.RelativeTimeKeys = r.RelativeTimeKeys
	}

	fields := change.DefaultFields()
	for _, fc := range r.Fields {
		var vis change.Visibility
		if fc.Insert {
			vis |= change.InsertVisible
		}
		if fc.Modify {
			vis |= change.ModifyVisible
		}
		f := change.Field{Key: strings.TrimSpace(fc.Key), DisplayName: fc.Name, Visibility: vis}
		replaced := false
		for i := range fields {
			if fields[i].Key == f.Key {
				if f.DisplayName == "" {
					f.DisplayName = fields[i].DisplayName
				}
				fields[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			if f.DisplayName == "" {
				f.DisplayName = f.Key
			}
			fields = append(fields, f)
		}
	}
	return ec, fields
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationField("notifier.invocation_timeout", cfg.Notifier.InvocationTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{Concurrency: cfg.Notifier.Concurrency, InvocationTimeout: timeout}, nil
}

func mapPollerConfig(cfg *config.Config) (catalog.PollerConfig, time.Duration, error) {
	c := cfg.Catalog
	timeout, err := config.ParseDurationOrDefault("catalog.timeout", c.Timeout, 30*time.Second)
	if err != nil {
		return catalog.PollerConfig{}, 0, err
	}
	retention, err := config.ParseDurationField("catalog.retention", c.Retention)
	if err != nil {
		return catalog.PollerConfig{}, 0, err
	}
	return catalog.PollerConfig{
		Categories: c.Categories,
		Scope:      strings.TrimSpace(c.Scope),
		Retention:  retention,
		MaxPages:   c.MaxPages,
	}, timeout, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	def, err := config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc.Enabled {
		if _, err := scheduler.ParseSchedule(sc.Schedule); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.schedule: %w", err)
		}
	}
	return scheduler.Config{
		Enabled:        sc.Enabled,
		Timezone:       strings.TrimSpace(sc.Timezone),
		DefaultTimeout: def,
		StartupSpread:  sc.StartupSpread,
	}, nil
}

func mapTracingConfig(cfg *config.Config, version string) (observability.TracingConfig, error) {
	t := cfg.Telemetry.Tracing
	timeout, err := config.ParseDurationField("telemetry.tracing.timeout", t.Timeout)
	if err != nil {
		return observability.TracingConfig{}, err
	}
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		Endpoint:    strings.TrimSpace(t.Endpoint),
		URLPath:     strings.TrimSpace(t.URLPath),
		Insecure:    t.Insecure,
		Headers:     t.Headers,
		ServiceName: "statusrelay",
		Version:     version,
		SampleRatio: t.SampleRatio,
		Timeout:     timeout,
	}, nil
}

func mapDebugConfig(cfg *config.Config, token string) (observability.DebugConfig, error) {
	d := cfg.Telemetry.Debug
	rt, err := config.ParseDurationOrDefault("telemetry.debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	wt, err := config.ParseDurationOrDefault("telemetry.debug.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	it, err := config.ParseDurationOrDefault("telemetry.debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	return observability.DebugConfig{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		PprofPrefix:   strings.TrimSpace(d.Prefix),
		Token:         token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}
