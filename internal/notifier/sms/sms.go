// Package sms delivers short alert texts through the Twilio Messages API.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	logx "agrialert/pkg/logx"
)

const (
	defaultBaseURL = "https://api.twilio.com/2010-04-01"
	messageRunes   = 100
	maxBody        = 1 << 20
)

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	// BaseURL overrides the API root, mainly for tests.
	BaseURL string
}

type Sender struct {
	cfg      Config
	endpoint string
	client   *http.Client
	log      logx.Logger
}

func New(cfg Config, client *http.Client, log logx.Logger) (*Sender, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("sms: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("sms: auth token is required")
	}
	if cfg.From == "" {
		return nil, errors.New("sms: from number is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:      cfg,
		endpoint: fmt.Sprintf("%s/Accounts/%s/Messages.json", base, url.PathEscape(cfg.AccountSID)),
		client:   client,
		log:      log.With(logx.String("channel", "sms")),
	}, nil
}

func (s *Sender) Channel() alert.Channel { return alert.ChannelSMS }

func (s *Sender) Reachable(to notifier.Recipient) bool { return strings.TrimSpace(to.Phone) != "" }

// Text renders the SMS body: a branded title line and the message cut to
// 100 runes.
func Text(rec alert.Record) string {
	msg := []rune(rec.Message)
	if len(msg) > messageRunes {
		msg = msg[:messageRunes]
	}
	return fmt.Sprintf("🚨 AgriIntel360: %s\n%s...", rec.Title, string(msg))
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Sender) Send(ctx context.Context, to notifier.Recipient, rec alert.Record) notifier.Result {
	form := url.Values{
		"To":   {to.Phone},
		"From": {s.cfg.From},
		"Body": {Text(rec)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindRejected, "build request", err))
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindConnection, "twilio request", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindConnection, "read response", err))
	}

	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		msg := fmt.Sprintf("twilio status %d", resp.StatusCode)
		if ae.Code != 0 {
			msg = fmt.Sprintf("twilio status %d code %d: %s", resp.StatusCode, ae.Code, ae.Message)
		}
		return notifier.Fail(notifier.NewError(notifier.HTTPKind(resp.StatusCode), msg, nil))
	}

	var ok struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &ok)
	s.log.Debug("sms accepted", logx.String("sid", ok.SID), logx.String("status", ok.Status), logx.String("alert_id", rec.ID))
	return notifier.Success()
}
