// Package telegram delivers alerts as bot messages to a user's chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	logx "agrialert/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token string
	// APIURL overrides the Bot API root, mainly for tests.
	APIURL string
	// Timeout bounds each Bot API call.
	Timeout time.Duration
}

type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

// New builds an offline bot: it only calls sendMessage and never polls.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log.With(logx.String("channel", "telegram"))}, nil
}

func (s *Sender) Channel() alert.Channel { return alert.ChannelTelegram }

func (s *Sender) Reachable(to notifier.Recipient) bool { return to.TelegramChatID != 0 }

func (s *Sender) Send(ctx context.Context, to notifier.Recipient, rec alert.Record) notifier.Result {
	chat := &tele.Chat{ID: to.TelegramChatID}
	for _, chunk := range splitText(Text(rec), textLimit) {
		select {
		case <-ctx.Done():
			return notifier.Fail(notifier.NewError(notifier.KindTimeout, "telegram send", ctx.Err()))
		default:
		}
		if _, err := s.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}); err != nil {
			return notifier.Fail(classify(err))
		}
	}
	return notifier.Success()
}

// Text renders rec as Telegram HTML.
func Text(rec alert.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s %s</b>\n", rec.Type.Icon(), html.EscapeString(rec.Title))
	fmt.Fprintf(&b, "<i>%s · %s</i>\n\n", rec.Type.Label(), strings.ToUpper(string(rec.Severity)))
	b.WriteString(html.EscapeString(rec.Message))
	if len(rec.Data) > 0 {
		keys := make([]string, 0, len(rec.Data))
		for k := range rec.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n<code>%s</code>: %s", html.EscapeString(k), html.EscapeString(fmt.Sprint(rec.Data[k])))
		}
	}
	return b.String()
}

// classify maps Bot API errors. Known 4xx replies (chat not found, bot
// blocked, bad request) are final; flood control and anything unknown is
// retried.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests:
			return notifier.NewError(notifier.KindRateLimit, "telegram flood control", err)
		case te.Code == http.StatusUnauthorized:
			return notifier.NewError(notifier.KindAuth, "telegram token rejected", err)
		case te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden:
			return notifier.NewError(notifier.KindRecipient, "telegram chat rejected", err)
		}
	}
	return notifier.NewError(notifier.KindUnavailable, "telegram send", err)
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and never cutting inside an HTML tag.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
