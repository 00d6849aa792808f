// Package webhook posts every alert once to an operations endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	logx "agrialert/pkg/logx"
)

const (
	SchemaVersion   = "1"
	EventType       = "alert.created"
	SignatureHeader = "X-Agrialert-Signature"
	userAgent       = "agrialert/1"
)

// Envelope is the JSON body posted to the endpoint.
type Envelope struct {
	Type          string       `json:"type"`
	SchemaVersion string       `json:"schemaVersion"`
	Timestamp     string       `json:"timestamp"`
	Data          alert.Record `json:"data"`
}

type Config struct {
	URL       string
	AuthToken string
	// Secret signs the body with HMAC-SHA256 when set.
	Secret             string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

type Sender struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("webhook: url must be an absolute http(s) URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for internal endpoints
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: tr},
		log:    log.With(logx.String("channel", "webhook")),
		now:    time.Now,
	}, nil
}

func (s *Sender) Channel() alert.Channel { return alert.ChannelWebhook }

// Reachable is always true; the endpoint does not depend on the recipient.
func (s *Sender) Reachable(notifier.Recipient) bool { return true }

// AlertSink marks the webhook as a once-per-alert channel.
func (s *Sender) AlertSink() {}

func (s *Sender) Send(ctx context.Context, _ notifier.Recipient, rec alert.Record) notifier.Result {
	body, err := json.Marshal(Envelope{
		Type:          EventType,
		SchemaVersion: SchemaVersion,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
		Data:          rec,
	})
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindRejected, "marshal envelope", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindRejected, "build request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(s.cfg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindConnection, "webhook request", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return notifier.Fail(notifier.NewError(notifier.HTTPKind(resp.StatusCode), "webhook returned "+resp.Status, nil))
	}
	return notifier.Success()
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}
