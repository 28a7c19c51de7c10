package store

import (
	"fmt"
	"time"

	"github.com/avelar/meteocast/internal/models"
)

// FilterUnsent drops alerts that were already dispatched for the same
// kind, location and date, so repeated forecast runs do not re-notify.
func (s *Store) FilterUnsent(alerts []models.Alert) ([]models.Alert, error) {
	out := make([]models.Alert, 0, len(alerts))
	for _, a := range alerts {
		var n int
		err := s.db.QueryRow(`
			SELECT COUNT(*) FROM sent_alerts WHERE kind = ? AND location = ? AND date = ?
		`, a.Kind, a.Location, formatDate(a.Date)).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("check sent alert: %w", err)
		}
		if n == 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

// MarkAlertsSent records dispatched alerts for future de-duplication.
func (s *Store) MarkAlertsSent(alerts []models.Alert, sentAt time.Time) error {
	if len(alerts) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO sent_alerts (kind, location, date, value, message, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range alerts {
		if _, err := stmt.Exec(a.Kind, a.Location, formatDate(a.Date), a.Value, a.Message, sentAt.UTC()); err != nil {
			return fmt.Errorf("record alert %s/%s: %w", a.Kind, a.Location, err)
		}
	}
	return tx.Commit()
}

// RecentSentAlerts lists the latest dispatched alerts, newest first.
func (s *Store) RecentSentAlerts(limit int) ([]models.Alert, error) {
	rows, err := s.db.Query(`
		SELECT kind, location, date, value, message
		FROM sent_alerts
		ORDER BY sent_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var date string
		if err := rows.Scan(&a.Kind, &a.Location, &date, &a.Value, &a.Message); err != nil {
			return nil, err
		}
		if a.Date, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("parse alert date: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
