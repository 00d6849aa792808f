package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	logx "agrialert/pkg/logx"
)

func record() alert.Record {
	return alert.NewRecord("a-9", alert.Spec{Title: "Flood risk", Message: "River level rising", Type: alert.TypeFlood, Severity: alert.SeverityEmergency}, time.Now())
}

func TestSendPostsSignedEnvelope(t *testing.T) {
	var (
		env  Envelope
		auth string
		sig  string
		raw  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &env)
		auth = r.Header.Get("Authorization")
		sig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, AuthToken: "tok", Secret: "shh"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var _ notifier.AlertSink = s

	res := s.Send(context.Background(), notifier.Recipient{}, record())
	if res.Status != notifier.StatusSuccess {
		t.Fatalf("result=%v", res)
	}
	if env.Type != EventType || env.SchemaVersion != SchemaVersion || env.Data.ID != "a-9" {
		t.Fatalf("envelope=%+v", env)
	}
	if auth != "Bearer tok" {
		t.Fatalf("auth=%q", auth)
	}
	if sig != "sha256="+Sign("shh", raw) {
		t.Fatalf("signature=%q", sig)
	}
}

func TestSendClassifiesStatus(t *testing.T) {
	for code, want := range map[int]notifier.Status{
		http.StatusBadGateway:      notifier.StatusTransient,
		http.StatusTooManyRequests: notifier.StatusTransient,
		http.StatusForbidden:       notifier.StatusPermanent,
		http.StatusNotFound:        notifier.StatusPermanent,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }))
		s, err := New(Config{URL: srv.URL}, logx.Nop())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		res := s.Send(context.Background(), notifier.Recipient{}, record())
		srv.Close()
		if res.Status != want {
			t.Fatalf("code %d: status=%s want %s", code, res.Status, want)
		}
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "not a url", "/relative"} {
		if _, err := New(Config{URL: u}, logx.Nop()); err == nil {
			t.Fatalf("url %q accepted", u)
		}
	}
}
