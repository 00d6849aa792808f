package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/alerting"
	"agrialert/internal/alertstore"
	"agrialert/internal/registry"
	"agrialert/internal/storage"
)

type fakeAlerts struct {
	store *alertstore.Store
	err   error
	specs []alert.Spec
}

func (f *fakeAlerts) CreateAlert(ctx context.Context, spec alert.Spec) (string, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return "", f.err
	}
	rec, err := f.store.Create(ctx, spec)
	return rec.ID, err
}

func (f *fakeAlerts) RunChecks(ctx context.Context) (alerting.CheckReport, error) {
	return alerting.CheckReport{Checked: 2, Tripped: 1, Created: []string{"a1"}}, nil
}

type pipeConn struct {
	id   string
	mu   sync.Mutex
	msgs []string
}

func (c *pipeConn) ID() string             { return c.id }
func (c *pipeConn) State() registry.State { return registry.StateOpen }
func (c *pipeConn) Close() error           { return nil }
func (c *pipeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *pipeConn) Send(msg []byte) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(msg))
	c.mu.Unlock()
	return nil
}

type fixture struct {
	srv    *httptest.Server
	mem    storage.Store
	store  *alertstore.Store
	alerts *fakeAlerts
	reg    *registry.Registry
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: storage.NewMemory(), reg: registry.New(), now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	f.store = alertstore.New(f.mem, alertstore.WithClock(func() time.Time { return f.now }))
	f.alerts = &fakeAlerts{store: f.store}
	api := New(Deps{
		Alerts:   f.alerts,
		Store:    f.store,
		Users:    f.mem,
		Readings: f.mem,
		Push:     f.reg,
		WS: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ws:" + UserIDFromPath(r)))
		}),
		Now: func() time.Time { return f.now },
	})
	f.srv = httptest.NewServer(api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreateListAndReadAlert(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/alerts",
		`{"title":"Heatwave","message":"38C in Kenya","type":"weather","severity":"warning","scope":{"country":"KE"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d body=%v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" || resp.Header.Get("Location") != "/api/v1/alerts/"+id {
		t.Fatalf("id=%q location=%q", id, resp.Header.Get("Location"))
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/alerts", "")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("list: %d %v", resp.StatusCode, body)
	}
	first := body["alerts"].([]any)[0].(map[string]any)
	if first["alert_type"] != "weather" || first["is_read"] != false || first["is_active"] != true {
		t.Fatalf("record: %v", first)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/alerts/"+id, "")
	if resp.StatusCode != http.StatusOK || body["expires_at"] != "2026-07-02T09:00:00Z" {
		t.Fatalf("get: %d %v", resp.StatusCode, body)
	}

	for i := 0; i < 2; i++ {
		resp, _ = f.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/read", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("mark read #%d: %d", i, resp.StatusCode)
		}
	}
	if resp, _ = f.do(t, http.MethodPost, "/api/v1/alerts/nope/read", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown read: %d", resp.StatusCode)
	}
	if resp, _ = f.do(t, http.MethodGet, "/api/v1/alerts/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown get: %d", resp.StatusCode)
	}
}

func TestCreateAlertErrorMapping(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		field  string
	}{
		{"validation", `{"title":"","message":"m","severity":"info"}`, nil, http.StatusBadRequest, "title"},
		{"bad severity", `{"title":"t","message":"m","severity":"loud"}`, nil, http.StatusBadRequest, "severity"},
		{"unknown field", `{"title":"t","message":"m","severity":"info","colour":"red"}`, nil, http.StatusBadRequest, ""},
		{"malformed", `{"title":`, nil, http.StatusBadRequest, ""},
		{"persistence", `{"title":"t","message":"m","severity":"info"}`,
			&alert.PersistenceError{Op: "create", Err: errors.New("database is locked")}, http.StatusServiceUnavailable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.alerts.err = tc.err
			resp, body := f.do(t, http.MethodPost, "/api/v1/alerts", tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status %d want %d body=%v", resp.StatusCode, tc.status, body)
			}
			if tc.field != "" && body["field"] != tc.field {
				t.Fatalf("field=%v want %s", body["field"], tc.field)
			}
			if strings.Contains(body["error"].(string), "database is locked") {
				t.Fatalf("storage detail leaked: %v", body)
			}
		})
	}
	list, _ := f.store.ListActive(context.Background(), "")
	if len(list) != 0 {
		t.Fatalf("failed creates left records: %+v", list)
	}
}

func TestPutReadingStoresScopedValue(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/readings",
		`{"metric":"temperature","scope":{"country":"KE","crop":"maize"},"value":38.5}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d %v", resp.StatusCode, body)
	}
	rd, ok, err := f.mem.LatestReading(context.Background(), "temperature", alert.Scope{Country: "KE", Crop: "maize"}.Key())
	if err != nil || !ok || rd.Value != 38.5 || !rd.ObservedAt.Equal(f.now) {
		t.Fatalf("reading: %+v ok=%v err=%v", rd, ok, err)
	}

	for _, bad := range []string{
		`{"metric":"temperature"}`,
		`{"value":1}`,
		`{"metric":"temperature","value":1,"observed_at":"2030-01-01T00:00:00Z"}`,
	} {
		if resp, _ := f.do(t, http.MethodPost, "/api/v1/readings", bad); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", bad, resp.StatusCode)
		}
	}
}

func TestPushEndpoints(t *testing.T) {
	f := newFixture(t)
	a1, a2 := &pipeConn{id: "a1"}, &pipeConn{id: "a2"}
	b1 := &pipeConn{id: "b1"}
	f.reg.Register("alice", a1)
	f.reg.Register("alice", a2)
	f.reg.Register("bob", b1)

	resp, body := f.do(t, http.MethodPost, "/api/v1/users/alice/notifications", `{"kind":"report_ready","report_id":"r1"}`)
	if resp.StatusCode != http.StatusOK || body["delivered"].(float64) != 2 {
		t.Fatalf("notify: %d %v", resp.StatusCode, body)
	}
	var env map[string]any
	_ = json.Unmarshal([]byte(a1.received()[0]), &env)
	if env["type"] != "notification" || env["data"].(map[string]any)["report_id"] != "r1" || env["timestamp"] != "2026-07-01T09:00:00Z" {
		t.Fatalf("notification envelope: %v", env)
	}
	if len(b1.received()) != 0 {
		t.Fatalf("bob got alice's notification")
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/v1/users/alice/notifications", `[1,2]`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-object notification: %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/system-messages", `{"message":"maintenance at 22:00"}`)
	if resp.StatusCode != http.StatusOK || body["delivered"].(float64) != 3 {
		t.Fatalf("broadcast: %d %v", resp.StatusCode, body)
	}
	_ = json.Unmarshal([]byte(b1.received()[0]), &env)
	if env["type"] != "system_message" || env["message"] != "maintenance at 22:00" {
		t.Fatalf("system envelope: %v", env)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/v1/system-messages", `{"message":"  "}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty system message: %d", resp.StatusCode)
	}
}

func TestPutUserAndRoutes(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPut, "/api/v1/users/u1", `{"email":"farmer@example.com","country":"KE","is_active":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put user: %d", resp.StatusCode)
	}
	u, err := f.mem.GetUser(context.Background(), "u1")
	if err != nil || u.Email != "farmer@example.com" || !u.IsActive {
		t.Fatalf("user: %+v err=%v", u, err)
	}
	if resp, _ := f.do(t, http.MethodPut, "/api/v1/users/u1", `{"id":"u2"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched id: %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/api/v1/checks/run", "")
	if resp.StatusCode != http.StatusOK || body["tripped"].(float64) != 1 {
		t.Fatalf("checks: %d %v", resp.StatusCode, body)
	}

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodDelete, "/api/v1/alerts", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/readings", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/nothing", http.StatusNotFound},
		{http.MethodGet, "/elsewhere", http.StatusNotFound},
	} {
		resp, body := f.do(t, tc.method, tc.path, "")
		if resp.StatusCode != tc.want {
			t.Fatalf("%s %s: %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
		if _, ok := body["error"]; !ok {
			t.Fatalf("%s %s: body %v is not a JSON error", tc.method, tc.path, body)
		}
	}

	r, err := http.Get(f.srv.URL + "/ws/u1")
	if err != nil {
		t.Fatalf("ws route: %v", err)
	}
	defer r.Body.Close()
	buf := make([]byte, 16)
	n, _ := r.Body.Read(buf)
	if string(buf[:n]) != "ws:u1" {
		t.Fatalf("ws route got %q", buf[:n])
	}
}
