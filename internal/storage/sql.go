package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"agrialert/internal/alert"
	logx "agrialert/pkg/logx"
)

// sqlStore implements Store on top of sqlx. Queries are written with '?'
// placeholders and rebound for the active driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a single writer; ":memory:" also needs a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	return newSQLStore(db, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return newSQLStore(db, log)
}

func newSQLStore(db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log, pruneEvery: 500}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// migrate applies every migration newer than the recorded schema version.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaVersionDDL); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	var current int
	if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind("INSERT INTO schema_version(version) VALUES (?)"), m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("storage migrated", logx.Int("version", m.version))
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(q), args...)
}

// ---- alerts ----

type alertRow struct {
	ID           string `db:"id"`
	Title        string `db:"title"`
	Message      string `db:"message"`
	AlertType    string `db:"alert_type"`
	Severity     string `db:"severity"`
	ScopeCountry string `db:"scope_country"`
	ScopeCrop    string `db:"scope_crop"`
	ScopeUserID  string `db:"scope_user_id"`
	Data         string `db:"data"`
	IsActive     int    `db:"is_active"`
	IsRead       int    `db:"is_read"`
	CreatedAt    int64  `db:"created_at"`
	ExpiresAt    int64  `db:"expires_at"`
}

const alertColumns = `id, title, message, alert_type, severity, scope_country, scope_crop, scope_user_id, data, is_active, is_read, created_at, expires_at`

// record converts the row. A data column that does not decode is dropped
// with a warning; the rest of the alert is still returned.
func (r alertRow) record(log logx.Logger) alert.Record {
	rec := alert.Record{
		ID:        r.ID,
		Title:     r.Title,
		Message:   r.Message,
		Type:      alert.Type(r.AlertType),
		Severity:  alert.Severity(r.Severity),
		Scope:     alert.Scope{Country: r.ScopeCountry, Crop: r.ScopeCrop, UserID: r.ScopeUserID},
		IsActive:  r.IsActive != 0,
		IsRead:    r.IsRead != 0,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(r.ExpiresAt).UTC(),
	}
	if r.Data != "" && r.Data != "{}" {
		if err := json.Unmarshal([]byte(r.Data), &rec.Data); err != nil {
			rec.Data = nil
			log.Warn("alert data column not decodable; dropped", logx.String("alert_id", r.ID), logx.Err(err))
		}
	}
	return rec
}

func (s *sqlStore) InsertAlert(ctx context.Context, rec alert.Record) error {
	data := "{}"
	if len(rec.Data) > 0 {
		b, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("marshaling alert data: %w", err)
		}
		data = string(b)
	}
	_, err := s.exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Title, rec.Message, string(rec.Type), string(rec.Severity),
		rec.Scope.Country, rec.Scope.Crop, rec.Scope.UserID, data,
		boolToInt(rec.IsActive), boolToInt(rec.IsRead),
		rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting alert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (alert.Record, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Record{}, ErrNotFound
	}
	if err != nil {
		return alert.Record{}, fmt.Errorf("getting alert %s: %w", id, err)
	}
	rec := row.record(s.log)
	deliveries, err := s.deliveries(ctx, []string{id})
	if err != nil {
		return alert.Record{}, err
	}
	rec.Deliveries = deliveries[id]
	return rec, nil
}

func (s *sqlStore) ListActiveAlerts(ctx context.Context, f AlertFilter) ([]alert.Record, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	q := `SELECT ` + alertColumns + ` FROM alerts WHERE is_active = 1 AND expires_at > ?`
	args := []any{now.UnixMilli()}
	if f.UserID != "" {
		q += ` AND scope_user_id = ?`
		args = append(args, f.UserID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("listing active alerts: %w", err)
	}
	out := make([]alert.Record, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record(s.log))
		ids = append(ids, r.ID)
	}
	deliveries, err := s.deliveries(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Deliveries = deliveries[out[i].ID]
	}
	return out, nil
}

type deliveryRow struct {
	AlertID   string `db:"alert_id"`
	Channel   string `db:"channel"`
	Attempted int    `db:"attempted"`
	Succeeded int    `db:"succeeded"`
	Failed    int    `db:"failed"`
}

func (s *sqlStore) deliveries(ctx context.Context, ids []string) (map[string]map[alert.Channel]alert.Delivery, error) {
	out := map[string]map[alert.Channel]alert.Delivery{}
	if len(ids) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT alert_id, channel, attempted, succeeded, failed FROM alert_deliveries WHERE alert_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("loading deliveries: %w", err)
	}
	for _, r := range rows {
		m := out[r.AlertID]
		if m == nil {
			m = map[alert.Channel]alert.Delivery{}
			out[r.AlertID] = m
		}
		m[alert.Channel(r.Channel)] = alert.Delivery{Attempted: r.Attempted != 0, Succeeded: r.Succeeded != 0, Failed: r.Failed != 0}
	}
	return out, nil
}

func (s *sqlStore) MarkAlertRead(ctx context.Context, id string) (bool, error) {
	// is_read is set unconditionally so a repeated call still matches.
	res, err := s.exec(ctx, `UPDATE alerts SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("marking alert %s read: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) RecordDelivery(ctx context.Context, alertID string, ch alert.Channel, d alert.Delivery) error {
	_, err := s.exec(ctx, `
		INSERT INTO alert_deliveries (alert_id, channel, attempted, succeeded, failed, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (alert_id, channel) DO UPDATE SET
			attempted = CASE WHEN excluded.attempted = 1 THEN 1 ELSE alert_deliveries.attempted END,
			succeeded = CASE WHEN excluded.succeeded = 1 THEN 1 ELSE alert_deliveries.succeeded END,
			failed    = CASE WHEN excluded.failed = 1 THEN 1 ELSE alert_deliveries.failed END,
			updated_at = excluded.updated_at`,
		alertID, string(ch), boolToInt(d.Attempted), boolToInt(d.Succeeded), boolToInt(d.Failed), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording %s delivery for %s: %w", ch, alertID, err)
	}
	return nil
}

// ---- users ----

type userRow struct {
	User
	IsActive    int   `db:"is_active"`
	LockedUntil int64 `db:"locked_until"`
}

const userColumns = `u.id, u.email, u.phone, u.full_name, u.country, u.telegram_chat_id, u.is_active, u.locked_until`

func (r userRow) user() User {
	u := r.User
	u.IsActive = r.IsActive != 0
	if r.LockedUntil > 0 {
		u.LockedUntil = time.UnixMilli(r.LockedUntil).UTC()
	}
	return u
}

func (s *sqlStore) UpsertUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	var locked int64
	if !u.LockedUntil.IsZero() {
		locked = u.LockedUntil.UnixMilli()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO users (id, email, phone, full_name, country, telegram_chat_id, is_active, locked_until, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email, phone = excluded.phone, full_name = excluded.full_name,
			country = excluded.country, telegram_chat_id = excluded.telegram_chat_id,
			is_active = excluded.is_active, locked_until = excluded.locked_until,
			updated_at = excluded.updated_at`),
		u.ID, u.Email, u.Phone, u.FullName, u.Country, u.TelegramChatID,
		boolToInt(u.IsActive), locked, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_crops WHERE user_id = ?`), u.ID); err != nil {
		return fmt.Errorf("clearing crops for %s: %w", u.ID, err)
	}
	for _, crop := range u.Crops {
		crop = strings.TrimSpace(crop)
		if crop == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO user_crops (user_id, crop) VALUES (?,?) ON CONFLICT DO NOTHING`), u.ID, crop); err != nil {
			return fmt.Errorf("adding crop %s for %s: %w", crop, u.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+userColumns+` FROM users u WHERE u.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("getting user %s: %w", id, err)
	}
	u := row.user()
	if err := s.db.SelectContext(ctx, &u.Crops, s.db.Rebind(`SELECT crop FROM user_crops WHERE user_id = ? ORDER BY crop`), id); err != nil {
		return User{}, fmt.Errorf("getting crops for %s: %w", id, err)
	}
	return u, nil
}

// ActiveUsers resolves an audience with a single statement. Crops are not
// loaded on the returned users.
func (s *sqlStore) ActiveUsers(ctx context.Context, scope alert.Scope, now time.Time) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users u WHERE u.is_active = 1 AND u.locked_until <= ?`
	args := []any{now.UnixMilli()}
	if scope.Country != "" {
		q += ` AND u.country = ?`
		args = append(args, scope.Country)
	}
	if scope.UserID != "" {
		q += ` AND u.id = ?`
		args = append(args, scope.UserID)
	}
	if scope.Crop != "" {
		q += ` AND EXISTS (SELECT 1 FROM user_crops c WHERE c.user_id = u.id AND c.crop = ?)`
		args = append(args, scope.Crop)
	}
	q += ` ORDER BY u.id`

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("resolving audience: %w", err)
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.user())
	}
	return out, nil
}

// ---- dedup ----

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO dedup (key, until) VALUES (?,?)
		 ON CONFLICT (key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.exec(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.GetContext(ctx, &ms, s.db.Rebind(`SELECT until FROM dedup WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) DeleteDedup(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE key = ?`, key)
	return err
}

// ---- readings ----

func (s *sqlStore) PutReading(ctx context.Context, r Reading) error {
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO readings (metric, scope, value, observed_at) VALUES (?,?,?,?)
		ON CONFLICT (metric, scope) DO UPDATE SET value = excluded.value, observed_at = excluded.observed_at
		WHERE excluded.observed_at >= readings.observed_at`,
		r.Metric, r.Scope, r.Value, r.ObservedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storing reading %s@%s: %w", r.Metric, r.Scope, err)
	}
	return nil
}

func (s *sqlStore) LatestReading(ctx context.Context, metric, scope string) (Reading, bool, error) {
	var row struct {
		Value      float64 `db:"value"`
		ObservedAt int64   `db:"observed_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT value, observed_at FROM readings WHERE metric = ? AND scope = ?`), metric, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return Reading{}, false, nil
	}
	if err != nil {
		return Reading{}, false, fmt.Errorf("reading %s@%s: %w", metric, scope, err)
	}
	return Reading{Metric: metric, Scope: scope, Value: row.Value, ObservedAt: time.UnixMilli(row.ObservedAt).UTC()}, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
