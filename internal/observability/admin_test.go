package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	logx "agrialert/pkg/logx"
)

func TestAdminServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.AlertCreated("weather", "warning")
	m.Outcome("email", "success", 0)

	a := NewAdmin(AdminConfig{Enabled: true}, reg, nil, logx.Nop())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `agrialert_alerts_created_total{severity="warning",type="weather"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}

func TestAdminTokenAndHealth(t *testing.T) {
	unhealthy := func(ctx context.Context) error { return errors.New("storage down") }
	a := NewAdmin(AdminConfig{Enabled: true, Token: "s3cret"}, prometheus.NewRegistry(), unhealthy, logx.Nop())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz?token=s3cret")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", resp.StatusCode)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AlertCreated("weather", "info")
	m.Outcome("sms", "transient_failure", 0)
	m.Connections(3)
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"bogus":          false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v", in, got)
		}
	}
}
