package app

import (
	"fmt"
	"net/http"
	"strings"

	"agrialert/internal/config"
	"agrialert/internal/notifier"
	"agrialert/internal/notifier/email"
	"agrialert/internal/notifier/push"
	"agrialert/internal/notifier/sms"
	"agrialert/internal/notifier/telegram"
	"agrialert/internal/notifier/webhook"
	"agrialert/internal/observability"
	"agrialert/internal/registry"
	logx "agrialert/pkg/logx"
)

// buildDispatcher registers a sender for every configured channel. A channel
// without a config block is never constructed and so never attempted.
func buildDispatcher(cfg *config.Config, reg *registry.Registry, log logx.Logger, metrics *observability.Metrics) (*notifier.Dispatcher, error) {
	ncfg, err := cfg.Dispatcher.Resolve()
	if err != nil {
		return nil, err
	}
	d := notifier.NewDispatcher(ncfg, log.With(logx.String("comp", "dispatcher")), metrics)
	ch := cfg.Channels
	slog := log.With(logx.String("comp", "sender"))

	if ch.WebsocketEnabled() {
		var limits config.ChannelLimits
		if ch.Websocket != nil {
			limits = ch.Websocket.ChannelLimits
		}
		opt, err := limits.Options("channels.websocket")
		if err != nil {
			return nil, err
		}
		d.Register(push.New(reg), opt)
	}

	if e := ch.Email; e != nil {
		s, err := email.New(email.Config{
			Host:         e.Host,
			Port:         e.Port,
			Username:     e.Username,
			Password:     e.Password,
			From:         e.From,
			FromName:     e.FromName,
			StartTLS:     e.StartTLS,
			DashboardURL: e.DashboardURL,
		}, slog)
		if err := register(d, s, err, e.ChannelLimits, "channels.email", log); err != nil {
			return nil, err
		}
	}

	if c := ch.SMS; c != nil {
		s, err := sms.New(sms.Config{AccountSID: c.AccountSID, AuthToken: c.AuthToken, From: c.From, BaseURL: c.BaseURL}, &http.Client{Timeout: ncfg.SendTimeout}, slog)
		if err := register(d, s, err, c.ChannelLimits, "channels.sms", log); err != nil {
			return nil, err
		}
	}

	if tg := ch.Telegram; tg != nil {
		timeout, err := config.ParseDurationField("channels.telegram.timeout", tg.Timeout)
		if err != nil {
			return nil, err
		}
		s, err := telegram.New(telegram.Config{Token: tg.Token, APIURL: tg.APIURL, Timeout: timeout}, slog)
		if err := register(d, s, err, tg.ChannelLimits, "channels.telegram", log); err != nil {
			return nil, err
		}
	}

	if wh := ch.Webhook; wh != nil {
		timeout, err := config.ParseDurationField("channels.webhook.timeout", wh.Timeout)
		if err != nil {
			return nil, err
		}
		s, err := webhook.New(webhook.Config{
			URL:                wh.URL,
			AuthToken:          wh.AuthToken,
			Secret:             wh.Secret,
			Timeout:            timeout,
			InsecureSkipVerify: wh.InsecureSkipVerify,
		}, slog)
		if err := register(d, s, err, wh.ChannelLimits, "channels.webhook", log); err != nil {
			return nil, err
		}
	}

	if len(d.Channels()) == 0 {
		return nil, fmt.Errorf("no delivery channel configured")
	}
	return d, nil
}

// register adds s to d. A sender that failed to construct (missing
// credentials, unreachable provider) leaves its channel out with a warning.
// Only invalid limits are an error.
func register(d *notifier.Dispatcher, s notifier.Sender, buildErr error, limits config.ChannelLimits, path string, log logx.Logger) error {
	opt, err := limits.Options(path)
	if err != nil {
		return err
	}
	if buildErr != nil {
		log.Warn("channel not available; skipping", logx.String("channel", path), logx.Err(buildErr))
		return nil
	}
	d.Register(s, opt)
	return nil
}

// originCheck implements server.allowed_origins for the websocket upgrade.
// Empty keeps gorilla's same-origin default.
func originCheck(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(strings.TrimRight(origin, "/"))]
	}
}
