package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/alerting"
	"agrialert/internal/condition"
	"agrialert/internal/notifier"
	"agrialert/internal/observability"
	"agrialert/internal/scheduler"
	"agrialert/internal/storage"
	"agrialert/internal/transport/ws"
	logx "agrialert/pkg/logx"
)

const (
	DefaultAddr          = ":8080"
	DefaultAdminAddr     = "127.0.0.1:9090"
	DefaultCheckSchedule = "@every 1m"
)

// Default returns a configuration that runs standalone: in-memory storage,
// websocket delivery only and the built-in rules.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Server:    ServerConfig{Addr: DefaultAddr},
		Storage:   StorageConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{Enabled: true, CheckSchedule: DefaultCheckSchedule},
		Rules:     DefaultRules(),
	}
}

// DefaultRules are the stock weather and market checks.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Name:      "heatwave",
			Metric:    "temperature",
			Operator:  string(condition.GT),
			Threshold: 35,
			Alert: AlertTemplate{
				Title:    "Heatwave",
				Message:  "Temperature {value}C exceeds {threshold}C in {scope}. Protect crops and livestock from heat stress.",
				Type:     string(alert.TypeWeather),
				Severity: string(alert.SeverityWarning),
			},
		},
		{
			Name:      "price_drop",
			Metric:    "price_variation",
			Operator:  string(condition.LT),
			Threshold: -15,
			Alert: AlertTemplate{
				Title:    "Price drop",
				Message:  "Market price moved {value}% in {scope}, below the {threshold}% floor. Consider delaying sales.",
				Type:     string(alert.TypePrice),
				Severity: string(alert.SeverityCritical),
			},
		},
	}
}

// Normalize fills values the decoder leaves empty. It does not touch explicit
// settings.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = DefaultAddr
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "memory"
	}
	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Addr) == "" {
		c.Admin.Addr = DefaultAdminAddr
	}
	if strings.TrimSpace(c.Scheduler.CheckSchedule) == "" {
		c.Scheduler.CheckSchedule = DefaultCheckSchedule
	}
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
}

// Validate resolves every section once and reports the first problem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return errors.New("logging.file.path: required when file logging is enabled")
	}
	if _, err := c.Server.Resolve(); err != nil {
		return err
	}
	if _, err := c.Storage.Resolve(); err != nil {
		return err
	}
	if _, err := c.Registry.Resolve(); err != nil {
		return err
	}
	if _, err := c.Alerts.Resolve(); err != nil {
		return err
	}
	if _, err := c.Alerts.Expiries(); err != nil {
		return err
	}
	if _, err := c.Dispatcher.Resolve(); err != nil {
		return err
	}
	if err := c.Channels.validate(); err != nil {
		return err
	}
	if _, err := c.Scheduler.Resolve(); err != nil {
		return err
	}
	if _, err := c.CompileRules(); err != nil {
		return err
	}
	return nil
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func (c AdminConfig) Observability() observability.AdminConfig {
	return observability.AdminConfig{
		Enabled:       c.Enabled,
		Addr:          c.Addr,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
}

// Server holds the resolved HTTP timeouts.
type Server struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

func (c ServerConfig) Resolve() (Server, error) {
	out := Server{Addr: strings.TrimSpace(c.Addr), AllowedOrigins: c.AllowedOrigins}
	if out.Addr == "" {
		out.Addr = DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("server.read_timeout", c.ReadTimeout, 15*time.Second); err != nil {
		return Server{}, err
	}
	// Websocket connections hijack the conn, so the write timeout only
	// bounds REST responses.
	if out.WriteTimeout, err = ParseDurationOrDefault("server.write_timeout", c.WriteTimeout, 15*time.Second); err != nil {
		return Server{}, err
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("server.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return Server{}, err
	}
	if out.ShutdownTimeout, err = ParseDurationOrDefault("server.shutdown_timeout", c.ShutdownTimeout, 10*time.Second); err != nil {
		return Server{}, err
	}
	return out, nil
}

func (c StorageConfig) Resolve() (storage.Config, error) {
	out := storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:         strings.TrimSpace(c.Path),
		DSN:          strings.TrimSpace(c.DSN),
		MaxOpenConns: c.MaxOpenConns,
	}
	if out.Driver == "" {
		out.Driver = "memory"
	}
	switch out.Driver {
	case "memory":
	case "sqlite":
		if out.Path == "" {
			return storage.Config{}, errors.New("storage.path: required for sqlite")
		}
	case "postgres":
		if out.DSN == "" {
			return storage.Config{}, errors.New("storage.dsn: required for postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q (memory|sqlite|postgres)", c.Driver)
	}
	if c.MaxOpenConns < 0 {
		return storage.Config{}, errors.New("storage.max_open_conns: must be >= 0")
	}
	d, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out.BusyTimeout = d
	return out, nil
}

func (c RegistryConfig) Resolve() (ws.Config, error) {
	if c.SendBuffer < 0 {
		return ws.Config{}, errors.New("registry.send_buffer: must be >= 0")
	}
	if c.MaxMessage < 0 {
		return ws.Config{}, errors.New("registry.max_message: must be >= 0")
	}
	out := ws.Config{SendBuffer: c.SendBuffer, MaxMessage: c.MaxMessage}
	var err error
	if out.WriteWait, err = ParseDurationField("registry.write_wait", c.WriteWait); err != nil {
		return ws.Config{}, err
	}
	if out.PongWait, err = ParseDurationField("registry.pong_wait", c.PongWait); err != nil {
		return ws.Config{}, err
	}
	return out, nil
}

func (c AlertsConfig) Resolve() (alerting.Config, error) {
	if c.FanoutWorkers < 0 {
		return alerting.Config{}, errors.New("alerts.fanout_workers: must be >= 0")
	}
	if c.DedupMaxEntries < 0 {
		return alerting.Config{}, errors.New("alerts.dedup_max_entries: must be >= 0")
	}
	out := alerting.Config{FanoutWorkers: c.FanoutWorkers, DedupMaxEntries: c.DedupMaxEntries}
	var err error
	if out.SuppressionWindow, err = ParseDurationField("alerts.suppression_window", c.SuppressionWindow); err != nil {
		return alerting.Config{}, err
	}
	if out.ReadingMaxAge, err = ParseDurationOrDefault("alerts.reading_max_age", c.ReadingMaxAge, 2*time.Hour); err != nil {
		return alerting.Config{}, err
	}
	return out, nil
}

// Lifetimes are the alert expiry and the shutdown drain bound.
type Lifetimes struct {
	DefaultExpiry time.Duration
	Drain         time.Duration
}

func (c AlertsConfig) Expiries() (Lifetimes, error) {
	var out Lifetimes
	var err error
	if out.DefaultExpiry, err = ParseDurationOrDefault("alerts.default_expiry", c.DefaultExpiry, alert.DefaultExpiry); err != nil {
		return Lifetimes{}, err
	}
	if out.Drain, err = ParseDurationOrDefault("alerts.drain_timeout", c.DrainTimeout, 10*time.Second); err != nil {
		return Lifetimes{}, err
	}
	return out, nil
}

func (c DispatcherConfig) Resolve() (notifier.Config, error) {
	out := notifier.Config{
		RetryMax:  3,
		QueueSize: c.RetryQueueSize,
		Workers:   c.RetryWorkers,
	}
	if c.RetryMax != nil {
		if *c.RetryMax < 0 {
			return notifier.Config{}, errors.New("dispatcher.retry_max: must be >= 0")
		}
		out.RetryMax = *c.RetryMax
	}
	if c.RetryQueueSize < 0 || c.RetryWorkers < 0 {
		return notifier.Config{}, errors.New("dispatcher: retry_queue_size and retry_workers must be >= 0")
	}
	var err error
	if out.SendTimeout, err = ParseDurationField("dispatcher.send_timeout", c.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryBase, err = ParseDurationField("dispatcher.retry_base", c.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = ParseDurationField("dispatcher.retry_max_delay", c.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SweepInterval, err = ParseDurationField("dispatcher.sweep_interval", c.SweepInterval); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryBase > 0 && out.RetryMaxDelay > 0 && out.RetryBase > out.RetryMaxDelay {
		return notifier.Config{}, errors.New("dispatcher.retry_base: must not exceed retry_max_delay")
	}
	return out, nil
}

func (l ChannelLimits) Options(path string) (notifier.ChannelOptions, error) {
	if l.RatePerSec < 0 {
		return notifier.ChannelOptions{}, fmt.Errorf("%s.rate_per_sec: must be >= 0", path)
	}
	out := notifier.ChannelOptions{RatePerSec: l.RatePerSec}
	if s := strings.TrimSpace(l.MinSeverity); s != "" {
		sev, err := alert.ParseSeverity(s)
		if err != nil {
			return notifier.ChannelOptions{}, fmt.Errorf("%s.min_severity: %w", path, err)
		}
		out.MinSeverity = sev
	}
	return out, nil
}

// WebsocketEnabled reports whether the push channel is registered.
func (c ChannelsConfig) WebsocketEnabled() bool {
	return c.Websocket == nil || c.Websocket.Enabled == nil || *c.Websocket.Enabled
}

func (c ChannelsConfig) validate() error {
	if c.Websocket != nil {
		if _, err := c.Websocket.Options("channels.websocket"); err != nil {
			return err
		}
	}
	// Missing credentials are not an error here: the sender for such a
	// block fails to construct and the channel is left out at startup.
	if e := c.Email; e != nil {
		if e.Port < 0 || e.Port > 65535 {
			return fmt.Errorf("channels.email.port: out of range: %d", e.Port)
		}
		if _, err := e.Options("channels.email"); err != nil {
			return err
		}
	}
	if s := c.SMS; s != nil {
		if _, err := s.Options("channels.sms"); err != nil {
			return err
		}
	}
	if tg := c.Telegram; tg != nil {
		if _, err := ParseDurationField("channels.telegram.timeout", tg.Timeout); err != nil {
			return err
		}
		if _, err := tg.Options("channels.telegram"); err != nil {
			return err
		}
	}
	if wh := c.Webhook; wh != nil {
		if raw := strings.TrimSpace(wh.URL); raw != "" {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("channels.webhook.url: must be an absolute http(s) URL")
			}
		}
		if _, err := ParseDurationField("channels.webhook.timeout", wh.Timeout); err != nil {
			return err
		}
		if _, err := wh.Options("channels.webhook"); err != nil {
			return err
		}
	}
	return nil
}

// Schedule is the resolved scheduler section.
type Schedule struct {
	Enabled  bool
	Spec     string
	Timeout  time.Duration
	Location *time.Location
}

func (c SchedulerConfig) Resolve() (Schedule, error) {
	out := Schedule{Enabled: c.Enabled, Spec: strings.TrimSpace(c.CheckSchedule), Location: time.Local}
	if out.Spec == "" {
		out.Spec = DefaultCheckSchedule
	}
	if err := scheduler.Validate(out.Spec); err != nil {
		return Schedule{}, fmt.Errorf("scheduler.check_schedule: %w", err)
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
		out.Location = loc
	}
	var err error
	if out.Timeout, err = ParseDurationOrDefault("scheduler.check_timeout", c.CheckTimeout, 30*time.Second); err != nil {
		return Schedule{}, err
	}
	return out, nil
}

// CompileRules converts and validates the rules section. Rule names must be
// unique.
func (c *Config) CompileRules() ([]condition.Rule, error) {
	out := make([]condition.Rule, 0, len(c.Rules))
	seen := make(map[string]bool, len(c.Rules))
	for i, rc := range c.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		r, err := rc.compile(path)
		if err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%s: duplicate rule name %q", path, r.Name)
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out, nil
}

func (rc RuleConfig) compile(path string) (condition.Rule, error) {
	window, err := ParseDurationField(path+".duration", rc.Duration)
	if err != nil {
		return condition.Rule{}, err
	}
	expiry, err := ParseDurationField(path+".alert.expiry", rc.Alert.Expiry)
	if err != nil {
		return condition.Rule{}, err
	}
	sev, err := alert.ParseSeverity(rc.Alert.Severity)
	if err != nil {
		return condition.Rule{}, fmt.Errorf("%s.alert.severity: %w", path, err)
	}
	var typ alert.Type
	if s := strings.TrimSpace(rc.Alert.Type); s != "" {
		if typ, err = alert.ParseType(s); err != nil {
			return condition.Rule{}, fmt.Errorf("%s.alert.type: %w", path, err)
		}
	}
	r := condition.Rule{
		Name: strings.TrimSpace(rc.Name),
		Condition: condition.Condition{
			Metric:    strings.TrimSpace(rc.Metric),
			Operator:  condition.Operator(strings.TrimSpace(rc.Operator)),
			Threshold: rc.Threshold,
			Duration:  window,
		},
		Alert: condition.Template{
			Title:    rc.Alert.Title,
			Message:  rc.Alert.Message,
			Type:     typ,
			Severity: sev,
			Expiry:   expiry,
		},
	}
	for _, s := range rc.Scopes {
		r.Scopes = append(r.Scopes, alert.Scope{
			Country: strings.TrimSpace(s.Country),
			Crop:    strings.TrimSpace(s.Crop),
			UserID:  strings.TrimSpace(s.UserID),
		})
	}
	if err := r.Validate(); err != nil {
		return condition.Rule{}, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ParseDurationField parses a non-negative duration; empty yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
