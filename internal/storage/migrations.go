package storage

// migration holds a single schema migration with its target version and SQL.
// Statements must be valid for both SQLite and PostgreSQL.
type migration struct {
	version int
	sql     string
}

const schemaVersionDDL = `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`

// migrations is the ordered list of schema migrations.
// Times are unix milliseconds; booleans are 0/1 integers.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS alerts (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	message       TEXT NOT NULL,
	alert_type    TEXT NOT NULL,
	severity      TEXT NOT NULL,
	scope_country TEXT NOT NULL DEFAULT '',
	scope_crop    TEXT NOT NULL DEFAULT '',
	scope_user_id TEXT NOT NULL DEFAULT '',
	data          TEXT NOT NULL DEFAULT '{}',
	is_active     INTEGER NOT NULL DEFAULT 1,
	is_read       INTEGER NOT NULL DEFAULT 0,
	created_at    BIGINT NOT NULL,
	expires_at    BIGINT NOT NULL,
	CHECK (expires_at > created_at)
);

CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(is_active, expires_at);
CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(scope_user_id, created_at);

CREATE TABLE IF NOT EXISTS alert_deliveries (
	alert_id   TEXT NOT NULL,
	channel    TEXT NOT NULL,
	attempted  INTEGER NOT NULL DEFAULT 0,
	succeeded  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (alert_id, channel)
);

CREATE TABLE IF NOT EXISTS users (
	id               TEXT PRIMARY KEY,
	email            TEXT NOT NULL DEFAULT '',
	phone            TEXT NOT NULL DEFAULT '',
	full_name        TEXT NOT NULL DEFAULT '',
	country          TEXT NOT NULL DEFAULT '',
	telegram_chat_id BIGINT NOT NULL DEFAULT 0,
	is_active        INTEGER NOT NULL DEFAULT 1,
	locked_until     BIGINT NOT NULL DEFAULT 0,
	updated_at       BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_country ON users(country);

CREATE TABLE IF NOT EXISTS user_crops (
	user_id TEXT NOT NULL,
	crop    TEXT NOT NULL,
	PRIMARY KEY (user_id, crop)
);

CREATE TABLE IF NOT EXISTS dedup (
	key   TEXT PRIMARY KEY,
	until BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS readings (
	metric      TEXT NOT NULL,
	scope       TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	observed_at BIGINT NOT NULL,
	PRIMARY KEY (metric, scope)
);
`,
	},
}

// LatestVersion is the schema version after all migrations ran.
func LatestVersion() int { return migrations[len(migrations)-1].version }
