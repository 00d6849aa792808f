package alertstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/storage"
)

type failingBackend struct {
	storage.Store
}

func (failingBackend) InsertAlert(ctx context.Context, rec alert.Record) error {
	return errors.New("database is locked")
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestCreateDefaultsExpiry(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(storage.NewMemory(), WithClock(fixedClock(now)))

	rec, err := s.Create(context.Background(), alert.Spec{Title: "Heatwave", Message: "38C", Severity: alert.SeverityWarning})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || !rec.CreatedAt.Equal(now) || !rec.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.IsActive || rec.IsRead {
		t.Fatalf("new record flags wrong: %+v", rec)
	}
	list, _ := s.ListActive(context.Background(), "")
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Fatalf("list=%+v", list)
	}
}

func TestCreateConfiguredExpiry(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(storage.NewMemory(), WithClock(fixedClock(now)), WithDefaultExpiry(6*time.Hour))

	rec, err := s.Create(context.Background(), alert.Spec{Title: "Frost", Message: "-2C", Severity: alert.SeverityInfo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !rec.ExpiresAt.Equal(now.Add(6 * time.Hour)) {
		t.Fatalf("expires_at: got %v", rec.ExpiresAt)
	}

	explicit := now.Add(time.Hour)
	rec, err = s.Create(context.Background(), alert.Spec{Title: "Frost", Message: "-2C", Severity: alert.SeverityInfo, ExpiresAt: explicit})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !rec.ExpiresAt.Equal(explicit) {
		t.Fatalf("explicit expiry overridden: %v", rec.ExpiresAt)
	}
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	s := New(storage.NewMemory())
	_, err := s.Create(context.Background(), alert.Spec{Title: "", Message: "x", Severity: alert.SeverityInfo})
	if !alert.IsValidation(err) {
		t.Fatalf("err=%v want ValidationError", err)
	}
	list, _ := s.ListActive(context.Background(), "")
	if len(list) != 0 {
		t.Fatalf("invalid spec persisted: %+v", list)
	}
}

func TestCreatePersistenceError(t *testing.T) {
	s := New(failingBackend{Store: storage.NewMemory()})
	_, err := s.Create(context.Background(), alert.Spec{Title: "t", Message: "m", Severity: alert.SeverityInfo})
	if !alert.IsPersistence(err) {
		t.Fatalf("err=%v want PersistenceError", err)
	}
	list, _ := s.ListActive(context.Background(), "")
	if len(list) != 0 {
		t.Fatalf("failed create is visible: %+v", list)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s := New(storage.NewMemory())
	rec, err := s.Create(context.Background(), alert.Spec{Title: "t", Message: "m", Severity: alert.SeverityInfo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if ok, err := s.MarkRead(context.Background(), rec.ID); !ok || err != nil {
			t.Fatalf("mark read #%d: %v %v", i, ok, err)
		}
	}
	if ok, err := s.MarkRead(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("unknown id: %v %v", ok, err)
	}
	got, _ := s.Get(context.Background(), rec.ID)
	if !got.IsRead || !got.IsActive {
		t.Fatalf("flags=%+v", got)
	}
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, alert.ErrNotFound) {
		t.Fatalf("get unknown err=%v", err)
	}
}

func TestConcurrentCreates(t *testing.T) {
	s := New(storage.NewMemory())
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(context.Background(), alert.Spec{Title: fmt.Sprint("t", i), Message: "m", Severity: alert.SeverityInfo})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	list, _ := s.ListActive(context.Background(), "")
	if len(list) != 50 {
		t.Fatalf("len=%d want 50", len(list))
	}
}
