package storage

import (
	"context"
	"testing"
	"time"

	"agrialert/internal/alert"
	logx "agrialert/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"sqlite": sq, "memory": mem}
}

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, created time.Time, scope alert.Scope) alert.Record {
	return alert.NewRecord(id, alert.Spec{
		Title:    "t-" + id,
		Message:  "m",
		Type:     alert.TypeWeather,
		Severity: alert.SeverityWarning,
		Scope:    scope,
		Data:     map[string]any{"observed": 38.0},
	}, created)
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			old := rec("a1", base, alert.Scope{})
			newer := rec("a2", base.Add(time.Minute), alert.Scope{UserID: "u1"})
			expired := rec("a3", base.Add(-48*time.Hour), alert.Scope{})
			inactive := rec("a4", base, alert.Scope{})
			inactive.IsActive = false
			for _, r := range []alert.Record{old, newer, expired, inactive} {
				if err := st.InsertAlert(ctx, r); err != nil {
					t.Fatalf("insert %s: %v", r.ID, err)
				}
			}

			list, err := st.ListActiveAlerts(ctx, AlertFilter{Now: base.Add(2 * time.Minute)})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].ID != "a2" || list[1].ID != "a1" {
				t.Fatalf("active list order wrong: %+v", list)
			}
			if list[1].Data["observed"] != 38.0 {
				t.Fatalf("data not round-tripped: %v", list[1].Data)
			}

			mine, err := st.ListActiveAlerts(ctx, AlertFilter{UserID: "u1", Now: base})
			if err != nil || len(mine) != 1 || mine[0].ID != "a2" {
				t.Fatalf("user filter: %v %+v", err, mine)
			}

			for i := 0; i < 2; i++ {
				ok, err := st.MarkAlertRead(ctx, "a1")
				if err != nil || !ok {
					t.Fatalf("mark read #%d: ok=%v err=%v", i, ok, err)
				}
			}
			ok, err := st.MarkAlertRead(ctx, "missing")
			if err != nil || ok {
				t.Fatalf("unknown id should be a no-match: ok=%v err=%v", ok, err)
			}
			got, err := st.GetAlert(ctx, "a1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.IsRead || !got.IsActive {
				t.Fatalf("read flag should not touch active flag: %+v", got)
			}
			if !got.ExpiresAt.Equal(base.Add(24 * time.Hour)) {
				t.Fatalf("expires_at=%v", got.ExpiresAt)
			}
			if _, err := st.GetAlert(ctx, "missing"); err != ErrNotFound {
				t.Fatalf("missing alert err=%v", err)
			}
		})
	}
}

func TestRecordDeliveryMerges(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.InsertAlert(ctx, rec("d1", base, alert.Scope{})); err != nil {
				t.Fatalf("insert: %v", err)
			}
			_ = st.RecordDelivery(ctx, "d1", alert.ChannelEmail, alert.Delivery{Attempted: true, Failed: true})
			_ = st.RecordDelivery(ctx, "d1", alert.ChannelEmail, alert.Delivery{Attempted: true, Succeeded: true})
			if err := st.RecordDelivery(ctx, "d1", alert.ChannelWebsocket, alert.Delivery{Attempted: true, Succeeded: true}); err != nil {
				t.Fatalf("record: %v", err)
			}
			got, err := st.GetAlert(ctx, "d1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			email := got.Deliveries[alert.ChannelEmail]
			if !email.Attempted || !email.Succeeded || !email.Failed {
				t.Fatalf("email flags=%+v", email)
			}
			if !got.Deliveries[alert.ChannelWebsocket].Succeeded {
				t.Fatalf("websocket flags=%+v", got.Deliveries)
			}
		})
	}
}

func TestActiveUsersScope(t *testing.T) {
	ctx := context.Background()
	users := []User{
		{ID: "u1", Country: "TG", Email: "u1@example.org", Crops: []string{"maize"}, IsActive: true},
		{ID: "u2", Country: "TG", Phone: "+22890000000", Crops: []string{"cocoa"}, IsActive: true},
		{ID: "u3", Country: "BJ", IsActive: true},
		{ID: "u4", Country: "TG", IsActive: false},
		{ID: "u5", Country: "TG", IsActive: true, LockedUntil: base.Add(time.Hour)},
	}
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, u := range users {
				if err := st.UpsertUser(ctx, u); err != nil {
					t.Fatalf("upsert %s: %v", u.ID, err)
				}
			}
			cases := []struct {
				scope alert.Scope
				want  []string
			}{
				{alert.Scope{}, []string{"u1", "u2", "u3"}},
				{alert.Scope{Country: "TG"}, []string{"u1", "u2"}},
				{alert.Scope{Country: "TG", Crop: "maize"}, []string{"u1"}},
				{alert.Scope{UserID: "u3"}, []string{"u3"}},
				{alert.Scope{UserID: "u4"}, nil},
			}
			for _, tc := range cases {
				got, err := st.ActiveUsers(ctx, tc.scope, base)
				if err != nil {
					t.Fatalf("active users %+v: %v", tc.scope, err)
				}
				ids := make([]string, 0, len(got))
				for _, u := range got {
					ids = append(ids, u.ID)
				}
				if len(ids) != len(tc.want) {
					t.Fatalf("scope %+v: got %v want %v", tc.scope, ids, tc.want)
				}
				for i := range ids {
					if ids[i] != tc.want[i] {
						t.Fatalf("scope %+v: got %v want %v", tc.scope, ids, tc.want)
					}
				}
			}

			u, err := st.GetUser(ctx, "u1")
			if err != nil || u.Email != "u1@example.org" || len(u.Crops) != 1 || !u.IsActive {
				t.Fatalf("get user: %v %+v", err, u)
			}
			locked, _ := st.GetUser(ctx, "u5")
			if !locked.Locked(base) || locked.Eligible(base) {
				t.Fatalf("u5 should be locked: %+v", locked)
			}
		})
	}
}

func TestDedupAndReadings(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			until := base.Add(time.Hour)
			if err := st.PutDedup(ctx, "temperature@country=TG", until); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "temperature@country=TG")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("get dedup: %v %v %v", got, ok, err)
			}
			_ = st.DeleteDedup(ctx, "temperature@country=TG")
			if _, ok, _ := st.GetDedup(ctx, "temperature@country=TG"); ok {
				t.Fatalf("dedup not deleted")
			}

			_ = st.PutReading(ctx, Reading{Metric: "temperature", Scope: "country=TG", Value: 38, ObservedAt: base})
			_ = st.PutReading(ctx, Reading{Metric: "temperature", Scope: "country=TG", Value: 20, ObservedAt: base.Add(-time.Hour)})
			r, ok, err := st.LatestReading(ctx, "temperature", "country=TG")
			if err != nil || !ok || r.Value != 38 {
				t.Fatalf("latest reading: %+v %v %v", r, ok, err)
			}
			if _, ok, _ := st.LatestReading(ctx, "rain", "country=TG"); ok {
				t.Fatalf("unexpected reading")
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}
