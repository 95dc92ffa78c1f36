package config

import (
	"reflect"
	"slices"
	"strings"

	logx "statusrelay/pkg/logx"
)

// LiveSections are applied without a restart.
var LiveSections = []string{"logging", "notifier", "scheduler"}

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes secrets such as the
// webhook URL or tokens), and (3) the changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.JSON != newCfg.Logging.JSON ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means disabled; never log the password.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.addr_set", strings.TrimSpace(nS.Addr) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Catalog (never log token)
	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.base_url", strings.TrimSpace(newCfg.Catalog.BaseURL)),
			logx.Bool("catalog.token_set", strings.TrimSpace(newCfg.Catalog.Token) != ""),
			logx.Strs("catalog.categories", newCfg.Catalog.Categories),
			logx.String("catalog.retention", strings.TrimSpace(newCfg.Catalog.Retention)),
		)
	}

	// Webhook. The URL embeds the webhook credential.
	if !reflect.DeepEqual(oldCfg.Webhook, newCfg.Webhook) {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.url_changed", oldCfg.Webhook.URL != newCfg.Webhook.URL),
			logx.Bool("webhook.failure_url_set", strings.TrimSpace(newCfg.Webhook.FailureURL) != ""),
			logx.Float64("webhook.rate_per_sec", newCfg.Webhook.RatePerSec),
			logx.Int("webhook.max_attempts", newCfg.Webhook.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Render, newCfg.Render) {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.Int("render.body_budget", newCfg.Render.BodyBudget),
			logx.Int("render.fields", len(newCfg.Render.Fields)),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.concurrency", newCfg.Notifier.Concurrency),
			logx.String("notifier.invocation_timeout", strings.TrimSpace(newCfg.Notifier.InvocationTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", strings.TrimSpace(newCfg.Scheduler.Schedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Telemetry (never log headers or the debug token)
	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		changed = append(changed, "telemetry")
		attrs = append(attrs,
			logx.Bool("telemetry.tracing_enabled", newCfg.Telemetry.Tracing.Enabled),
			logx.Bool("telemetry.debug_enabled", newCfg.Telemetry.Debug.Enabled),
			logx.String("telemetry.debug_addr", strings.TrimSpace(newCfg.Telemetry.Debug.Addr)),
			logx.Bool("telemetry.debug_token_set", strings.TrimSpace(newCfg.Telemetry.Debug.Token) != ""),
		)
	}

	if oldCfg.Secrets != newCfg.Secrets {
		changed = append(changed, "secrets")
		attrs = append(attrs, logx.Bool("secrets.dir_set", strings.TrimSpace(newCfg.Secrets.Dir) != ""))
	}

	slices.Sort(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !slices.Contains(LiveSections, s) {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
