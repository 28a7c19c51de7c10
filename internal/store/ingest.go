package store

import (
	"database/sql"
	"time"

	"github.com/avelar/meteocast/internal/models"
)

// StartIngestRun records the start of a download and returns its id.
func (s *Store) StartIngestRun(location, endpoint string) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO ingest_runs (location, endpoint, started_at) VALUES (?, ?, ?)
	`, location, endpoint, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CompleteIngestRun fills in the outcome of an ingest run started
// earlier. runErr may be nil for a successful run.
func (s *Store) CompleteIngestRun(id int64, fetched, stored int, runErr error) error {
	var errMsg sql.NullString
	if runErr != nil {
		errMsg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			completed_at = ?,
			rows_fetched = ?,
			rows_stored = ?,
			error = ?
		WHERE id = ?
	`, time.Now().UTC(), fetched, stored, errMsg, id)
	return err
}

func (s *Store) RecentIngestRuns(limit int) ([]models.IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, location, endpoint, started_at, completed_at,
			rows_fetched, rows_stored, error
		FROM ingest_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.IngestRun
	for rows.Next() {
		var r models.IngestRun
		if err := rows.Scan(&r.ID, &r.Location, &r.Endpoint, &r.StartedAt,
			&r.CompletedAt, &r.RowsFetched, &r.RowsStored, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
