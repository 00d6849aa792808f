package config

import (
	"reflect"
	"sort"
	"strings"

	logx "agrialert/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe attrs for a
// reload log line and the names of rules that were added, removed or
// modified. Secrets are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		mark("server",
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Int("server.allowed_origins", len(newCfg.Server.AllowedOrigins)),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		mark("admin",
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		mark("registry",
			logx.Int("registry.send_buffer", newCfg.Registry.SendBuffer),
			logx.String("registry.pong_wait", newCfg.Registry.PongWait),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		mark("alerts",
			logx.String("alerts.suppression_window", newCfg.Alerts.SuppressionWindow),
			logx.String("alerts.reading_max_age", newCfg.Alerts.ReadingMaxAge),
			logx.Int("alerts.fanout_workers", newCfg.Alerts.FanoutWorkers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		retryMax := -1
		if newCfg.Dispatcher.RetryMax != nil {
			retryMax = *newCfg.Dispatcher.RetryMax
		}
		mark("dispatcher",
			logx.String("dispatcher.send_timeout", newCfg.Dispatcher.SendTimeout),
			logx.Int("dispatcher.retry_max", retryMax),
			logx.String("dispatcher.retry_base", newCfg.Dispatcher.RetryBase),
			logx.Int("dispatcher.retry_workers", newCfg.Dispatcher.RetryWorkers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		mark("channels",
			logx.Strings("channels.configured", newCfg.Channels.Configured()),
			logx.Bool("channels.webhook_secret_set", newCfg.Channels.Webhook != nil && newCfg.Channels.Webhook.Secret != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.check_schedule", newCfg.Scheduler.CheckSchedule),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	rulesChanged := diffRules(oldCfg.Rules, newCfg.Rules)
	if len(rulesChanged) > 0 {
		mark("rules",
			logx.Int("rules.changed_count", len(rulesChanged)),
			logx.Int("rules.count", len(newCfg.Rules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, rulesChanged
}

// Configured lists the enabled channel names in a fixed order.
func (c ChannelsConfig) Configured() []string {
	out := make([]string, 0, 5)
	if c.WebsocketEnabled() {
		out = append(out, "websocket")
	}
	if c.Email != nil {
		out = append(out, "email")
	}
	if c.SMS != nil {
		out = append(out, "sms")
	}
	if c.Telegram != nil {
		out = append(out, "telegram")
	}
	if c.Webhook != nil {
		out = append(out, "webhook")
	}
	return out
}

func diffRules(oldRules, newRules []RuleConfig) []string {
	index := func(rs []RuleConfig) map[string]RuleConfig {
		m := make(map[string]RuleConfig, len(rs))
		for _, r := range rs {
			m[strings.TrimSpace(r.Name)] = r
		}
		return m
	}
	o, n := index(oldRules), index(newRules)
	var out []string
	for name, nr := range n {
		if or, ok := o[name]; !ok || !reflect.DeepEqual(or, nr) {
			out = append(out, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
