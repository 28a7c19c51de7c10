// Package alerts evaluates forecast rows against threshold rules and
// dispatches triggered alerts to the configured channels.
package alerts

import (
	"fmt"
	"sort"

	"github.com/avelar/meteocast/internal/models"
)

// Alert kinds produced by Evaluate.
const (
	KindSuddenDrop = "sudden_drop"
	KindFrostRisk  = "frost_risk"
)

// minOffset estimates a daily minimum when no ingested minimum exists.
const minOffset = 3.0

const dateLayout = "2006-01-02"

// Rules holds the alert trigger thresholds, in °C.
type Rules struct {
	DropThreshold  float64 // day-over-day cooling that triggers sudden_drop
	FrostThreshold float64 // daily minimum below this triggers frost_risk
}

func DefaultRules() Rules {
	return Rules{DropThreshold: 2, FrostThreshold: 3}
}

// Evaluate scans forecast rows in date order and returns the triggered
// alerts, sudden drops first. lastObserved anchors the first day's drop
// comparison; pass ok=false when no observation precedes the window.
func (r Rules) Evaluate(rows []models.ForecastRow, lastObserved float64, ok bool) []models.Alert {
	sorted := make([]models.ForecastRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	var alerts []models.Alert
	for i, row := range sorted {
		prev, havePrev := lastObserved, ok
		if i > 0 {
			prev, havePrev = sorted[i-1].Final, true
		}
		if havePrev && row.Final <= prev-r.DropThreshold {
			alerts = append(alerts, models.Alert{
				Kind:     KindSuddenDrop,
				Location: row.Location,
				Date:     row.Date,
				Value:    row.Final,
				Message: fmt.Sprintf("sudden temperature drop on %s: %.1f°C",
					row.Date.Format(dateLayout), row.Final),
			})
		}
	}
	for _, row := range sorted {
		dayMin := row.Final - minOffset
		if row.TempMin.Valid {
			dayMin = row.TempMin.Float64
		}
		if dayMin < r.FrostThreshold {
			alerts = append(alerts, models.Alert{
				Kind:     KindFrostRisk,
				Location: row.Location,
				Date:     row.Date,
				Value:    dayMin,
				Message: fmt.Sprintf("frost risk on %s: minimum %.1f°C",
					row.Date.Format(dateLayout), dayMin),
			})
		}
	}
	return alerts
}
