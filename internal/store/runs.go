package store

import (
	"database/sql"
	"time"

	"github.com/avelar/meteocast/internal/models"
)

// StartTrainingRun records the start of a training pass and returns its id.
func (s *Store) StartTrainingRun(mode string) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO training_runs (mode, started_at) VALUES (?, ?)
	`, mode, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CompleteTrainingRun fills in the outcome of a run started earlier.
// runErr may be nil for a successful run.
func (s *Store) CompleteTrainingRun(id int64, trained, skipped, rowCount int, runErr error) error {
	var errMsg sql.NullString
	if runErr != nil {
		errMsg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE training_runs SET
			completed_at = ?,
			locations_trained = ?,
			locations_skipped = ?,
			row_count = ?,
			error = ?
		WHERE id = ?
	`, time.Now().UTC(), trained, skipped, rowCount, errMsg, id)
	return err
}

func (s *Store) RecentTrainingRuns(limit int) ([]models.TrainingRun, error) {
	rows, err := s.db.Query(`
		SELECT id, mode, started_at, completed_at, locations_trained,
			locations_skipped, row_count, error
		FROM training_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.TrainingRun
	for rows.Next() {
		var r models.TrainingRun
		if err := rows.Scan(&r.ID, &r.Mode, &r.StartedAt, &r.CompletedAt,
			&r.LocationsTrained, &r.LocationsSkipped, &r.RowCount, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
