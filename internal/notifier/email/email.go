// Package email delivers alerts over SMTP as multipart text and HTML mail.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	logx "agrialert/pkg/logx"
)

const subjectPrefix = "🚨 AgriIntel360 - "

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS     bool
	DashboardURL string
}

func (c Config) addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// Transport hands a rendered message to a mail server.
type Transport interface {
	Deliver(ctx context.Context, from string, to []string, msg []byte) error
}

type Sender struct {
	cfg       Config
	transport Transport
	log       logx.Logger
	now       func() time.Time
}

type Option func(*Sender)

// WithTransport replaces the SMTP transport.
func WithTransport(t Transport) Option { return func(s *Sender) { s.transport = t } }

func WithClock(now func() time.Time) Option { return func(s *Sender) { s.now = now } }

func New(cfg Config, log logx.Logger, opts ...Option) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{cfg: cfg, log: log.With(logx.String("channel", "email")), now: time.Now}
	s.transport = &smtpTransport{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Sender) Channel() alert.Channel { return alert.ChannelEmail }

func (s *Sender) Reachable(to notifier.Recipient) bool { return strings.TrimSpace(to.Email) != "" }

func (s *Sender) Send(ctx context.Context, to notifier.Recipient, rec alert.Record) notifier.Result {
	msg, err := s.render(to, rec)
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindRejected, "render message", err))
	}
	if err := s.transport.Deliver(ctx, s.cfg.From, []string{to.Email}, msg); err != nil {
		return notifier.Fail(classifySMTP(err))
	}
	return notifier.Success()
}

// render builds the RFC 5322 message: a text/plain part for clients without
// HTML and the styled HTML body.
func (s *Sender) render(to notifier.Recipient, rec alert.Record) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetSubject(subjectPrefix + rec.Title)
	h.SetAddressList("From", []*mail.Address{{Name: s.cfg.FromName, Address: s.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Name: to.Name, Address: to.Email}})
	h.Set("Message-Id", fmt.Sprintf("<%s.%s@agrialert>", rec.ID, to.UserID))
	h.Set("X-Alert-Id", rec.ID)

	htmlBody, err := renderHTML(s.cfg.DashboardURL, to, rec)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/plain", renderText(s.cfg.DashboardURL, to, rec)); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html", htmlBody); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// classifySMTP maps server replies onto retry classes: 4xx is temporary,
// 5xx is final.
func classifySMTP(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 535 || te.Code == 530:
			return notifier.NewError(notifier.KindAuth, "smtp auth", err)
		case te.Code == 550 || te.Code == 551 || te.Code == 553:
			return notifier.NewError(notifier.KindRecipient, "smtp recipient", err)
		case te.Code >= 500:
			return notifier.NewError(notifier.KindRejected, "smtp rejected", err)
		case te.Code >= 400:
			return notifier.NewError(notifier.KindUnavailable, "smtp temporary failure", err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return notifier.NewError(notifier.KindTimeout, "smtp", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return notifier.NewError(notifier.KindTimeout, "smtp", err)
	}
	return notifier.NewError(notifier.KindConnection, "smtp", err)
}

type smtpTransport struct {
	cfg Config
}

func (t *smtpTransport) Deliver(ctx context.Context, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.cfg.addr())
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok && t.cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
