package store

import (
	"fmt"
	"time"

	"github.com/avelar/meteocast/internal/models"
)

// SaveForecasts upserts hybrid output rows. A forecast row is keyed by
// (location, date, mode) so re-running a forecast supersedes the previous run.
func (s *Store) SaveForecasts(rows []models.ForecastRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO forecasts (location, date, mode, seasonal, residual,
			wind_dir, final, temp_min, covariates_real)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(location, date, mode) DO UPDATE SET
			seasonal = excluded.seasonal,
			residual = excluded.residual,
			wind_dir = excluded.wind_dir,
			final = excluded.final,
			temp_min = excluded.temp_min,
			covariates_real = excluded.covariates_real,
			created_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.Location, formatDate(r.Date), r.Mode, r.Seasonal,
			r.Residual, r.WindDir, r.Final, r.TempMin, r.CovariatesReal); err != nil {
			return fmt.Errorf("upsert forecast %s/%s/%s: %w", r.Location, formatDate(r.Date), r.Mode, err)
		}
	}

	return tx.Commit()
}

// LoadForecasts returns stored rows for a location and mode dated on or
// after from, ascending. limit <= 0 means no limit.
func (s *Store) LoadForecasts(location, mode string, from time.Time, limit int) ([]models.ForecastRow, error) {
	query := `
		SELECT id, location, date, mode, seasonal, residual, wind_dir, final,
			temp_min, covariates_real, created_at
		FROM forecasts
		WHERE location = ? AND mode = ? AND date >= ?
		ORDER BY date`
	args := []any{location, mode, formatDate(from)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ForecastRow
	for rows.Next() {
		var r models.ForecastRow
		var date string
		if err := rows.Scan(&r.ID, &r.Location, &date, &r.Mode, &r.Seasonal,
			&r.Residual, &r.WindDir, &r.Final, &r.TempMin, &r.CovariatesReal,
			&r.CreatedAt); err != nil {
			return nil, err
		}
		r.Date, err = parseDate(date)
		if err != nil {
			return nil, fmt.Errorf("forecast %d has bad date %q: %w", r.ID, date, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
