package config

// Config is the service configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "1h"); an empty string selects the default.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Server     ServerConfig     `json:"server"`
	Admin      AdminConfig      `json:"admin,omitempty"`
	Storage    StorageConfig    `json:"storage"`
	Registry   RegistryConfig   `json:"registry,omitempty"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Dispatcher DispatcherConfig `json:"dispatcher,omitempty"`
	Channels   ChannelsConfig   `json:"channels,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler"`

	// Rules are the periodic condition checks. Omitting the key installs the
	// built-in rules; an explicit empty list disables checks.
	Rules []RuleConfig `json:"rules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the public HTTP listener (REST API and websocket).
type ServerConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// AllowedOrigins lists websocket origins; empty means same-origin only
	// and "*" allows any.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// AdminConfig controls the operator listener serving /metrics, /healthz and
// optionally pprof.
//
// Prefer binding to loopback. A non-loopback address needs a token or an
// explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/agrialert.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres only (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// RegistryConfig tunes websocket connections.
type RegistryConfig struct {
	SendBuffer int    `json:"send_buffer,omitempty"`
	WriteWait  string `json:"write_wait,omitempty"`
	PongWait   string `json:"pong_wait,omitempty"`
	MaxMessage int64  `json:"max_message,omitempty"`
}

type AlertsConfig struct {
	// DefaultExpiry applies to alerts created without an expiry (default 24h).
	DefaultExpiry     string `json:"default_expiry,omitempty"`
	SuppressionWindow string `json:"suppression_window,omitempty"`
	ReadingMaxAge     string `json:"reading_max_age,omitempty"`
	FanoutWorkers     int    `json:"fanout_workers,omitempty"`
	DedupMaxEntries   int    `json:"dedup_max_entries,omitempty"`
	// DrainTimeout bounds how long shutdown waits for in-flight deliveries.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// DispatcherConfig controls channel sends and the retry sweep.
//
// Defaults: send_timeout 10s, retry_max 3, retry_base 2s, retry_max_delay 5m,
// retry_queue_size 1024, retry_workers 4, sweep_interval 1s.
type DispatcherConfig struct {
	SendTimeout    string `json:"send_timeout,omitempty"`
	RetryMax       *int   `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	RetryQueueSize int    `json:"retry_queue_size,omitempty"`
	RetryWorkers   int    `json:"retry_workers,omitempty"`
	SweepInterval  string `json:"sweep_interval,omitempty"`
}

// ChannelLimits are shared by every channel block.
type ChannelLimits struct {
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	MinSeverity string  `json:"min_severity,omitempty"`
}

// ChannelsConfig enables delivery channels. A nil block means the channel is
// not configured and is never attempted. The websocket channel is on unless
// explicitly disabled.
type ChannelsConfig struct {
	Websocket *WebsocketChannel `json:"websocket,omitempty"`
	Email     *EmailChannel     `json:"email,omitempty"`
	SMS       *SMSChannel       `json:"sms,omitempty"`
	Telegram  *TelegramChannel  `json:"telegram,omitempty"`
	Webhook   *WebhookChannel   `json:"webhook,omitempty"`
}

type WebsocketChannel struct {
	Enabled *bool `json:"enabled,omitempty"`
	ChannelLimits
}

type EmailChannel struct {
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"` // do not log
	From         string `json:"from"`
	FromName     string `json:"from_name,omitempty"`
	StartTLS     bool   `json:"starttls,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ChannelLimits
}

type SMSChannel struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"` // do not log
	From       string `json:"from"`
	BaseURL    string `json:"base_url,omitempty"`
	ChannelLimits
}

type TelegramChannel struct {
	Token   string `json:"token"` // do not log
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	ChannelLimits
}

type WebhookChannel struct {
	URL                string `json:"url"`
	AuthToken          string `json:"auth_token,omitempty"` // do not log
	Secret             string `json:"secret,omitempty"`     // do not log
	Timeout            string `json:"timeout,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	ChannelLimits
}

// SchedulerConfig controls the periodic condition checks.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// CheckSchedule is a cron spec ("*/5 * * * *"), "@every 1m", a duration
	// ("10m") or HH:MM interval ("00:15").
	CheckSchedule string `json:"check_schedule,omitempty"`
	CheckTimeout  string `json:"check_timeout,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// RuleConfig is one condition check and the alert it raises.
type RuleConfig struct {
	Name      string  `json:"name"`
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	// Duration is the suppression window for this rule; empty falls back to
	// alerts.suppression_window.
	Duration string        `json:"duration,omitempty"`
	Scopes   []ScopeConfig `json:"scopes,omitempty"`
	Alert    AlertTemplate `json:"alert"`
}

type ScopeConfig struct {
	Country string `json:"country,omitempty"`
	Crop    string `json:"crop,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

type AlertTemplate struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	Severity string `json:"severity"`
	Expiry   string `json:"expiry,omitempty"`
}
