// Package store provides SQLite persistence for locations, daily weather
// observations, hybrid forecast output and training run bookkeeping.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/avelar/meteocast/internal/models"
)

// dateLayout is the canonical calendar-date form used everywhere in the
// database. Dates are stored as ISO text, never as epoch timestamps.
const dateLayout = "2006-01-02"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// parseDate accepts bare ISO dates and datetime strings with a date prefix.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) > len(dateLayout) {
		v = v[:len(dateLayout)]
	}
	return time.Parse(dateLayout, v)
}

func (s *Store) UpsertLocation(l models.Location) error {
	_, err := s.db.Exec(`
		INSERT INTO locations (name, latitude, longitude, is_default, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			is_default = excluded.is_default,
			active = excluded.active
	`, l.Name, l.Latitude, l.Longitude, l.IsDefault, l.Active)
	if err != nil {
		return fmt.Errorf("upsert location %s: %w", l.Name, err)
	}
	return nil
}

func (s *Store) GetLocations(activeOnly bool) ([]models.Location, error) {
	query := "SELECT name, latitude, longitude, is_default, active FROM locations"
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY name"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.Name, &l.Latitude, &l.Longitude, &l.IsDefault, &l.Active); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func (s *Store) GetLocation(name string) (*models.Location, error) {
	var l models.Location
	err := s.db.QueryRow(`
		SELECT name, latitude, longitude, is_default, active
		FROM locations WHERE name = ?
	`, name).Scan(&l.Name, &l.Latitude, &l.Longitude, &l.IsDefault, &l.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) DefaultLocation() (*models.Location, error) {
	var l models.Location
	err := s.db.QueryRow(`
		SELECT name, latitude, longitude, is_default, active
		FROM locations WHERE is_default = TRUE LIMIT 1
	`).Scan(&l.Name, &l.Latitude, &l.Longitude, &l.IsDefault, &l.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SetDefaultLocation makes name the single default. Only one location may
// hold the flag at a time.
func (s *Store) SetDefaultLocation(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE locations SET is_default = FALSE WHERE is_default = TRUE"); err != nil {
		return fmt.Errorf("clear default: %w", err)
	}
	res, err := tx.Exec("UPDATE locations SET is_default = TRUE WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("set default %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set default: no location named %s", name)
	}
	return tx.Commit()
}

const observationColumns = `id, location, date, temp_mean, temp_max, temp_min,
	apparent_temp, radiation, precip, sunshine_dur, daylight_dur,
	wind_dir, humidity, pressure, wind_speed, cloud_cover, created_at`

func scanObservation(rows *sql.Rows) (models.Observation, error) {
	var o models.Observation
	var date string
	err := rows.Scan(&o.ID, &o.Location, &date, &o.TempMean, &o.TempMax, &o.TempMin,
		&o.ApparentTemp, &o.Radiation, &o.Precip, &o.SunshineDur, &o.DaylightDur,
		&o.WindDir, &o.Humidity, &o.Pressure, &o.WindSpeed, &o.CloudCover, &o.CreatedAt)
	if err != nil {
		return o, err
	}
	o.Date, err = parseDate(date)
	if err != nil {
		return o, fmt.Errorf("observation %d has bad date %q: %w", o.ID, date, err)
	}
	return o, nil
}

// UpsertObservations inserts or refreshes rows. Re-ingested dates supersede
// what was stored before. Returns the number of rows written.
func (s *Store) UpsertObservations(obs []models.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO observations (location, date, temp_mean, temp_max, temp_min,
			apparent_temp, radiation, precip, sunshine_dur, daylight_dur,
			wind_dir, humidity, pressure, wind_speed, cloud_cover)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(location, date) DO UPDATE SET
			temp_mean = excluded.temp_mean,
			temp_max = excluded.temp_max,
			temp_min = excluded.temp_min,
			apparent_temp = excluded.apparent_temp,
			radiation = excluded.radiation,
			precip = excluded.precip,
			sunshine_dur = excluded.sunshine_dur,
			daylight_dur = excluded.daylight_dur,
			wind_dir = excluded.wind_dir,
			humidity = excluded.humidity,
			pressure = excluded.pressure,
			wind_speed = excluded.wind_speed,
			cloud_cover = excluded.cloud_cover
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, o := range obs {
		if _, err := stmt.Exec(o.Location, formatDate(o.Date), o.TempMean, o.TempMax,
			o.TempMin, o.ApparentTemp, o.Radiation, o.Precip, o.SunshineDur,
			o.DaylightDur, o.WindDir, o.Humidity, o.Pressure, o.WindSpeed,
			o.CloudCover); err != nil {
			return 0, fmt.Errorf("upsert observation %s/%s: %w", o.Location, formatDate(o.Date), err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// ReplaceObservations atomically swaps out everything stored for a location.
// Used by full backfills where the upstream archive is the source of truth.
func (s *Store) ReplaceObservations(location string, obs []models.Observation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM observations WHERE location = ?", location); err != nil {
		return fmt.Errorf("clear location %s: %w", location, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO observations (location, date, temp_mean, temp_max, temp_min,
			apparent_temp, radiation, precip, sunshine_dur, daylight_dur,
			wind_dir, humidity, pressure, wind_speed, cloud_cover)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.Exec(location, formatDate(o.Date), o.TempMean, o.TempMax,
			o.TempMin, o.ApparentTemp, o.Radiation, o.Precip, o.SunshineDur,
			o.DaylightDur, o.WindDir, o.Humidity, o.Pressure, o.WindSpeed,
			o.CloudCover); err != nil {
			return fmt.Errorf("insert observation %s/%s: %w", location, formatDate(o.Date), err)
		}
	}

	return tx.Commit()
}

// LoadObservations returns rows ordered by (location, date). An empty
// location loads every location, which is how training pools the data.
func (s *Store) LoadObservations(location string) ([]models.Observation, error) {
	query := "SELECT " + observationColumns + " FROM observations"
	var args []any
	if location != "" {
		query += " WHERE location = ?"
		args = append(args, location)
	}
	query += " ORDER BY location, date"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obs []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// LoadObservationsRange returns one location's rows with date in
// [from, to], ascending.
func (s *Store) LoadObservationsRange(location string, from, to time.Time) ([]models.Observation, error) {
	rows, err := s.db.Query(
		"SELECT "+observationColumns+` FROM observations
		WHERE location = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		location, formatDate(from), formatDate(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obs []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// LatestObservationDate returns the newest measured day for a location.
// Future covariate rows carry no temperature and do not count.
func (s *Store) LatestObservationDate(location string) (time.Time, bool, error) {
	var date sql.NullString
	err := s.db.QueryRow(
		"SELECT MAX(date) FROM observations WHERE location = ? AND temp_mean IS NOT NULL", location,
	).Scan(&date)
	if err != nil {
		return time.Time{}, false, err
	}
	if !date.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseDate(date.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *Store) CountObservations(location string) (int, error) {
	query := "SELECT COUNT(*) FROM observations"
	var args []any
	if location != "" {
		query += " WHERE location = ?"
		args = append(args, location)
	}
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
