package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS locations (
    name TEXT PRIMARY KEY,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    is_default BOOLEAN DEFAULT FALSE,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location TEXT NOT NULL,
    date TEXT NOT NULL,
    temp_mean REAL,
    temp_max REAL,
    temp_min REAL,
    apparent_temp REAL,
    radiation REAL,
    precip REAL,
    sunshine_dur REAL,
    daylight_dur REAL,
    wind_dir REAL,
    humidity REAL,
    pressure REAL,
    wind_speed REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(location, date)
);

CREATE INDEX IF NOT EXISTS idx_obs_location_date ON observations(location, date);
CREATE INDEX IF NOT EXISTS idx_obs_date ON observations(date);
`,
	},
	{
		Version:     2,
		Description: "Add cloud cover aggregate to observations",
		SQL: `
ALTER TABLE observations ADD COLUMN cloud_cover REAL;
`,
	},
	{
		Version:     3,
		Description: "Add hybrid forecast output table",
		SQL: `
CREATE TABLE IF NOT EXISTS forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location TEXT NOT NULL,
    date TEXT NOT NULL,
    mode TEXT NOT NULL DEFAULT 'normal',
    seasonal REAL NOT NULL,
    residual REAL NOT NULL,
    wind_dir REAL,
    final REAL NOT NULL,
    covariates_real BOOLEAN NOT NULL DEFAULT TRUE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(location, date, mode)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_location_date ON forecasts(location, date);
`,
	},
	{
		Version:     4,
		Description: "Add training run bookkeeping",
		SQL: `
CREATE TABLE IF NOT EXISTS training_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mode TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    locations_trained INTEGER NOT NULL DEFAULT 0,
    locations_skipped INTEGER NOT NULL DEFAULT 0,
    row_count INTEGER NOT NULL DEFAULT 0,
    error TEXT
);
`,
	},
	{
		Version:     5,
		Description: "Add minimum temperature estimate to forecasts for frost alerts",
		SQL: `
ALTER TABLE forecasts ADD COLUMN temp_min REAL;
`,
	},
	{
		Version:     6,
		Description: "Add ingest run bookkeeping and sent alert log",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    rows_fetched INTEGER NOT NULL DEFAULT 0,
    rows_stored INTEGER NOT NULL DEFAULT 0,
    error TEXT
);

CREATE TABLE IF NOT EXISTS sent_alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    location TEXT NOT NULL,
    date TEXT NOT NULL,
    value REAL NOT NULL,
    message TEXT NOT NULL,
    sent_at DATETIME NOT NULL,
    UNIQUE(kind, location, date)
);
`,
	},
	{
		Version:     7,
		Description: "Add raw upstream payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER REFERENCES ingest_runs(id),
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_location
    ON raw_payloads(location, fetched_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
