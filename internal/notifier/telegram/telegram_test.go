package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	logx "agrialert/pkg/logx"
)

func priceDrop() alert.Record {
	return alert.NewRecord("a-2", alert.Spec{
		Title:    "Price drop <maize>",
		Message:  "Maize fell 18% & more",
		Type:     alert.TypePrice,
		Severity: alert.SeverityCritical,
		Data:     map[string]any{"observed": -18},
	}, time.Now())
}

func TestTextEscapesHTML(t *testing.T) {
	txt := Text(priceDrop())
	if !strings.Contains(txt, "Price drop &lt;maize&gt;") || !strings.Contains(txt, "fell 18% &amp; more") {
		t.Fatalf("text=%q", txt)
	}
	if !strings.Contains(txt, "CRITICAL") || !strings.Contains(txt, "<code>observed</code>: -18") {
		t.Fatalf("text=%q", txt)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 30) + "\n"
	s := strings.Repeat(line, 10)
	chunks := splitText(s, 100)
	if len(chunks) < 4 {
		t.Fatalf("chunks=%d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
		if strings.HasSuffix(c, "\n") || strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk keeps newline padding: %q", c)
		}
	}
	if got := splitText("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short split=%v", got)
	}
}

type botAPI struct {
	mu    sync.Mutex
	calls []map[string]any
	reply string
	code  int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.calls = append(b.calls, body)
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if b.code != 0 {
		w.WriteHeader(b.code)
	}
	_, _ = w.Write([]byte(b.reply))
}

func newSender(t *testing.T, api *botAPI) *Sender {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSendDeliversHTMLMessage(t *testing.T) {
	api := &botAPI{reply: `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`}
	s := newSender(t, api)

	to := notifier.Recipient{UserID: "u1", TelegramChatID: 42}
	if !s.Reachable(to) || s.Reachable(notifier.Recipient{UserID: "u2"}) {
		t.Fatalf("reachability wrong")
	}
	res := s.Send(context.Background(), to, priceDrop())
	if res.Status != notifier.StatusSuccess {
		t.Fatalf("result=%v", res)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 {
		t.Fatalf("calls=%d", len(api.calls))
	}
	if api.calls[0]["chat_id"] != "42" || api.calls[0]["parse_mode"] != "HTML" {
		t.Fatalf("params=%v", api.calls[0])
	}
}

func TestSendChatNotFoundIsPermanent(t *testing.T) {
	api := &botAPI{code: http.StatusBadRequest, reply: `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`}
	s := newSender(t, api)
	res := s.Send(context.Background(), notifier.Recipient{UserID: "u1", TelegramChatID: 42}, priceDrop())
	if res.Status != notifier.StatusPermanent {
		t.Fatalf("result=%v", res)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
