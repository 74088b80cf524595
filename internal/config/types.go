package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "30s", "1h"); cron fields accept robfig/cron specs
// including "@every 30s".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Sender    SenderConfig    `json:"sender"`
	Resolver  ResolverConfig  `json:"resolver"`
	Policy    PolicyConfig    `json:"policy"`
	Retry     RetryConfig     `json:"retry"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Webhook   WebhookConfig   `json:"webhook"`
	Health    HealthConfig    `json:"health"`
	Alert     AlertConfig     `json:"alert"`
	Retention RetentionConfig `json:"retention"`
	Schedule  ScheduleConfig  `json:"schedule"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the caller/webhook listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// MaxBodyBytes caps request bodies (default 1 MiB).
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
	// SignatureHeader carries the webhook HMAC (default X-Webhook-Signature).
	SignatureHeader string `json:"signature_header,omitempty"`
	// Metrics exposes /metrics when true.
	Metrics bool `json:"metrics"`
	// Pprof mounts /debug/pprof/. A DebugToken is then required as a
	// bearer token unless the listener is loopback-only.
	Pprof      bool   `json:"pprof,omitempty"`
	DebugToken string `json:"debug_token,omitempty"` // do not log
}

// StorageConfig selects the queue backend.
//
//	"storage": { "driver": "sqlite", "path": "./courier.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SenderConfig struct {
	Driver   string `json:"driver"` // "log" or "rest"
	BaseURL  string `json:"base_url,omitempty"`
	Instance string `json:"instance,omitempty"`
	APIKey   string `json:"api_key,omitempty"` // do not log
	Timeout  string `json:"timeout,omitempty"`

	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`

	// RequireConnection rejects new messages while the channel is down.
	RequireConnection bool   `json:"require_connection,omitempty"`
	ConnectionTTL     string `json:"connection_ttl,omitempty"`
}

type ResolverConfig struct {
	CountryCode     string          `json:"country_code"`
	DomesticLength  int             `json:"domestic_length,omitempty"`
	MinLength       int             `json:"min_length,omitempty"`
	MaxLength       int             `json:"max_length,omitempty"`
	AllowRawAddress bool            `json:"allow_raw_address,omitempty"`
	CacheTTL        string          `json:"cache_ttl,omitempty"`
	Directory       DirectoryConfig `json:"directory"`
}

// DirectoryConfig points the resolver at the business tables. An empty
// Path reuses the queue database.
type DirectoryConfig struct {
	Path   string                    `json:"path,omitempty"`
	Tables map[string]DirectoryTable `json:"tables,omitempty"`
}

type DirectoryTable struct {
	Table         string `json:"table"`
	IDColumn      string `json:"id_column"`
	NameColumn    string `json:"name_column"`
	ContactColumn string `json:"contact_column"`
	EmailColumn   string `json:"email_column,omitempty"`
}

type PolicyConfig struct {
	EnforceWindow bool   `json:"enforce_window"`
	StartHour     int    `json:"start_hour"`
	EndHour       int    `json:"end_hour"`
	Timezone      string `json:"timezone,omitempty"` // IANA name; empty means local
	HourlyCap     int    `json:"hourly_cap,omitempty"`
	DailyCap      int    `json:"daily_cap,omitempty"`
	MinDelay      string `json:"min_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
}

type RetryConfig struct {
	MaxAttempts              int     `json:"max_attempts,omitempty"`
	BaseDelay                string  `json:"base_delay,omitempty"`
	Multiplier               float64 `json:"multiplier,omitempty"`
	MaxDelay                 string  `json:"max_delay,omitempty"`
	JitterRatio              float64 `json:"jitter_ratio,omitempty"`
	RetryResolutionFailures  bool    `json:"retry_resolution_failures,omitempty"`
	ResetAttemptsOnReprocess bool    `json:"reset_attempts_on_reprocess,omitempty"`
}

type DispatchConfig struct {
	BatchSize   int    `json:"batch_size,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	Lease       string `json:"lease,omitempty"`
}

type WebhookConfig struct {
	Secret       string `json:"secret,omitempty"` // do not log
	RedriveGrace string `json:"redrive_grace,omitempty"`
	RedriveBatch int    `json:"redrive_batch,omitempty"`
	// RedriveMaxAttempts marks a payload dead after this many failures.
	RedriveMaxAttempts int `json:"redrive_max_attempts,omitempty"`
}

type HealthConfig struct {
	Lookback          string  `json:"lookback,omitempty"`
	MaxRecentFailures int     `json:"max_recent_failures,omitempty"`
	MinSuccessRate    float64 `json:"min_success_rate,omitempty"`
	MinSamples        int     `json:"min_samples,omitempty"`
	MaxSilence        string  `json:"max_silence,omitempty"`
	Timeout           string  `json:"timeout,omitempty"`
}

type AlertConfig struct {
	Enabled      bool           `json:"enabled"`
	PerMinute    int            `json:"per_minute,omitempty"`
	Burst        int            `json:"burst,omitempty"`
	DeadMessages bool           `json:"dead_messages,omitempty"`
	Telegram     TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

type RetentionConfig struct {
	Messages  string `json:"messages,omitempty"`
	RawEvents string `json:"raw_events,omitempty"`
}

// ScheduleConfig holds cron specs for the background jobs. An empty spec
// uses the default; "off" disables the job.
type ScheduleConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	Dispatch   string `json:"dispatch,omitempty"`
	RetrySweep string `json:"retry_sweep,omitempty"`
	Redrive    string `json:"redrive,omitempty"`
	Retention  string `json:"retention,omitempty"`
	EntitySync string `json:"entity_sync,omitempty"`
	Health     string `json:"health,omitempty"`
	// EntitySyncKinds lists the kinds refreshed by the entity_sync job.
	EntitySyncKinds []string `json:"entity_sync_kinds,omitempty"`
	EntitySyncBatch int      `json:"entity_sync_batch,omitempty"`
}
