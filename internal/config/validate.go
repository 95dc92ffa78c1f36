package config

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks the parts of cfg that can be checked without resolving
// secrets or touching the network. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lvl != "" {
		switch lvl {
		case "trace", "debug", "info", "warn", "warning", "error", "critical", "fatal":
		default:
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled"))
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
			}
		case "redis":
			if strings.TrimSpace(sc.Addr) == "" {
				errs = append(errs, errors.New("storage.addr is required when storage.driver=redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver))
		}
		dur("storage.busy_timeout", sc.BusyTimeout)
	}

	dur("catalog.timeout", cfg.Catalog.Timeout)
	dur("catalog.retention", cfg.Catalog.Retention)
	if cfg.Catalog.MaxPages < 0 {
		errs = append(errs, errors.New("catalog.max_pages must be >= 0"))
	}

	dur("webhook.timeout", cfg.Webhook.Timeout)
	dur("webhook.epsilon", cfg.Webhook.Epsilon)
	if cfg.Webhook.RatePerSec < 0 {
		errs = append(errs, errors.New("webhook.rate_per_sec must be >= 0"))
	}
	if cfg.Webhook.MaxAttempts < 0 {
		errs = append(errs, errors.New("webhook.max_attempts must be >= 0"))
	}

	if cfg.Render.BodyBudget < 0 {
		errs = append(errs, errors.New("render.body_budget must be >= 0"))
	}
	for i, f := range cfg.Render.Fields {
		if strings.TrimSpace(f.Key) == "" {
			errs = append(errs, fmt.Errorf("render.fields[%d].key is required", i))
		}
	}

	if cfg.Notifier.Concurrency < 0 {
		errs = append(errs, errors.New("notifier.concurrency must be >= 0"))
	}
	dur("notifier.invocation_timeout", cfg.Notifier.InvocationTimeout)

	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Scheduler.Schedule) == "" {
		errs = append(errs, errors.New("scheduler.schedule is required when scheduler.enabled"))
	}
	dur("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)

	tr := cfg.Telemetry.Tracing
	if tr.Enabled && strings.TrimSpace(tr.Endpoint) == "" {
		errs = append(errs, errors.New("telemetry.tracing.endpoint is required when tracing is enabled"))
	}
	if tr.SampleRatio < 0 || tr.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.tracing.sample_ratio must be within [0,1]"))
	}
	dur("telemetry.tracing.timeout", tr.Timeout)

	dbg := cfg.Telemetry.Debug
	dur("telemetry.debug.read_timeout", dbg.ReadTimeout)
	dur("telemetry.debug.write_timeout", dbg.WriteTimeout)
	dur("telemetry.debug.idle_timeout", dbg.IdleTimeout)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
