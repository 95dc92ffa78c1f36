package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("30s", "5m"); empty means the component default.
//
// Fields marked "secret ref" accept a literal value or a secrets reference
// such as "env:STATUSRELAY_WEBHOOK_URL" or "file:webhook_url".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Catalog   CatalogConfig   `json:"catalog"`
	Webhook   WebhookConfig   `json:"webhook"`
	Render    RenderConfig    `json:"render,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Secrets   SecretsConfig   `json:"secrets,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// StorageConfig selects the snapshot store.
// Driver: "file" | "sqlite" | "redis" | "none" (empty means none).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"` // secret ref
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// CatalogConfig points at the service health catalog.
type CatalogConfig struct {
	BaseURL    string   `json:"base_url"`
	Token      string   `json:"token,omitempty"` // secret ref
	Timeout    string   `json:"timeout,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Scope      string   `json:"scope,omitempty"`
	Retention  string   `json:"retention,omitempty"`
	MaxPages   int      `json:"max_pages,omitempty"`
}

type WebhookConfig struct {
	URL        string `json:"url"`                   // secret ref
	FailureURL string `json:"failure_url,omitempty"` // secret ref
	Timeout    string `json:"timeout,omitempty"`
	Epsilon    string `json:"epsilon,omitempty"`

	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
	UserAgent   string  `json:"user_agent,omitempty"`
	// NoWait posts without ?wait=true; message ids are then not recorded.
	NoWait bool `json:"no_wait,omitempty"`
}

// RenderConfig tunes the embed builder. Zero values keep the built-in layout.
type RenderConfig struct {
	BodyBudget int            `json:"body_budget,omitempty"`
	FooterText string         `json:"footer_text,omitempty"`
	FooterIcon string         `json:"footer_icon,omitempty"`
	Palette    *PaletteConfig `json:"palette,omitempty"`

	// FieldKeys are the attributes shown as inline fields.
	FieldKeys []string `json:"field_keys,omitempty"`
	// RelativeTimeKeys render as relative timestamps.
	RelativeTimeKeys []string `json:"relative_time_keys,omitempty"`
	// Fields overrides display names and body visibility of tracked attributes.
	Fields []FieldConfig `json:"fields,omitempty"`
}

type PaletteConfig struct {
	Issue      int `json:"issue"`
	Resolved   int `json:"resolved"`
	Change     int `json:"change"`
	Historical int `json:"historical"`
}

type FieldConfig struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Insert bool   `json:"insert,omitempty"`
	Modify bool   `json:"modify,omitempty"`
}

type NotifierConfig struct {
	Concurrency       int    `json:"concurrency,omitempty"`
	InvocationTimeout string `json:"invocation_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule accepts "5m", "every:5m", "cron:*/5 * * * *" or a cron line.
	Schedule       string `json:"schedule"`
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	StartupSpread  bool   `json:"startup_spread,omitempty"`
	RunOnStart     bool   `json:"run_on_start,omitempty"`
}

type TelemetryConfig struct {
	Tracing TracingConfig `json:"tracing,omitempty"`
	Debug   DebugConfig   `json:"debug,omitempty"`
}

type TracingConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint"`
	URLPath     string            `json:"url_path,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	SampleRatio float64           `json:"sample_ratio,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
}

// DebugConfig controls the health and pprof listener.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"` // secret ref
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type SecretsConfig struct {
	// EnvPrefix is prepended to names in "env:" references.
	EnvPrefix string `json:"env_prefix,omitempty"`
	// Dir holds one file per secret for "file:" references.
	Dir string `json:"dir,omitempty"`
}
