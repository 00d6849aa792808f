package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	logx "agrialert/pkg/logx"
)

func record(msg string) alert.Record {
	return alert.Record{ID: "a-1", Title: "Price drop", Message: msg, Severity: alert.SeverityCritical}
}

func TestTextTruncatesMessage(t *testing.T) {
	got := Text(record(strings.Repeat("é", 150)))
	want := "🚨 AgriIntel360: Price drop\n" + strings.Repeat("é", 100) + "..."
	if got != want {
		t.Fatalf("Text=%q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
	if got := Text(record("short")); got != "🚨 AgriIntel360: Price drop\nshort..." {
		t.Fatalf("short Text=%q", got)
	}
}

func TestSendPostsForm(t *testing.T) {
	var gotPath, gotTo, gotBody, user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotTo = r.PostForm.Get("To")
		gotBody = r.PostForm.Get("Body")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	s, err := New(Config{AccountSID: "AC1", AuthToken: "tok", From: "+1555", BaseURL: srv.URL}, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := s.Send(context.Background(), notifier.Recipient{UserID: "u1", Phone: "+22890000000"}, record("Maize prices fell 18%"))
	if res.Status != notifier.StatusSuccess {
		t.Fatalf("status=%v", res)
	}
	if gotPath != "/Accounts/AC1/Messages.json" {
		t.Fatalf("path=%q", gotPath)
	}
	if user != "AC1" || pass != "tok" {
		t.Fatalf("basic auth=%q/%q", user, pass)
	}
	if gotTo != "+22890000000" || !strings.HasPrefix(gotBody, "🚨 AgriIntel360: Price drop") {
		t.Fatalf("to=%q body=%q", gotTo, gotBody)
	}
}

func TestSendClassifiesStatus(t *testing.T) {
	cases := []struct {
		code int
		want notifier.Status
	}{
		{http.StatusBadRequest, notifier.StatusPermanent},
		{http.StatusUnauthorized, notifier.StatusPermanent},
		{http.StatusTooManyRequests, notifier.StatusTransient},
		{http.StatusServiceUnavailable, notifier.StatusTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
		}))
		s, err := New(Config{AccountSID: "AC1", AuthToken: "tok", From: "+1555", BaseURL: srv.URL}, srv.Client(), logx.Nop())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		res := s.Send(context.Background(), notifier.Recipient{UserID: "u1", Phone: "+1"}, record("x"))
		srv.Close()
		if res.Status != tc.want {
			t.Fatalf("code %d: status=%s want %s", tc.code, res.Status, tc.want)
		}
	}
}

func TestSendConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()
	s, err := New(Config{AccountSID: "AC1", AuthToken: "tok", From: "+1555", BaseURL: url}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if res := s.Send(context.Background(), notifier.Recipient{UserID: "u1", Phone: "+1"}, record("x")); res.Status != notifier.StatusTransient {
		t.Fatalf("status=%s", res.Status)
	}
}
