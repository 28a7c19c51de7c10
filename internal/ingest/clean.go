package ingest

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/avelar/meteocast/internal/models"
)

const dateLayout = "2006-01-02"

// Timestamp layouts accepted from upstream feeds, tried in order.
var dateLayouts = []string{dateLayout, "2006-01-02T15:04", time.RFC3339}

func parseAnyDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOnly(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Physical pressure bounds in hPa. Readings outside are dropped and
// refilled from their neighbours rather than saturated.
const (
	minPressure = 850
	maxPressure = 1100
)

// Clean prepares raw feed rows for storage: rows without a date or
// location are dropped, the rest are sorted by (location, date) and
// de-duplicated keeping the first row, physical bounds are enforced and
// per-column gaps are filled within each location.
func Clean(obs []models.Observation) []models.Observation {
	rows := make([]models.Observation, 0, len(obs))
	for _, o := range obs {
		if o.Date.IsZero() || o.Location == "" {
			continue
		}
		o.Date = dateOnly(o.Date)
		rows = append(rows, o)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Location != rows[j].Location {
			return rows[i].Location < rows[j].Location
		}
		return rows[i].Date.Before(rows[j].Date)
	})

	deduped := rows[:0]
	for _, o := range rows {
		if n := len(deduped); n > 0 && o.Location == deduped[n-1].Location && o.Date.Equal(deduped[n-1].Date) {
			continue
		}
		deduped = append(deduped, o)
	}
	rows = deduped

	for i := range rows {
		clampBounds(&rows[i])
	}

	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].Location == rows[start].Location {
			end++
		}
		fillSegment(rows[start:end])
		start = end
	}
	return rows
}

func clampBounds(o *models.Observation) {
	if o.Humidity.Valid {
		o.Humidity.Float64 = math.Min(100, math.Max(0, o.Humidity.Float64))
	}
	if o.WindSpeed.Valid && o.WindSpeed.Float64 < 0 {
		o.WindSpeed.Float64 = 0
	}
	if o.Precip.Valid && o.Precip.Float64 < 0 {
		o.Precip.Float64 = 0
	}
	if o.Pressure.Valid && (o.Pressure.Float64 < minPressure || o.Pressure.Float64 > maxPressure) {
		o.Pressure = sql.NullFloat64{}
	}
}

// numericColumns exposes every fillable observation column.
var numericColumns = []func(*models.Observation) *sql.NullFloat64{
	func(o *models.Observation) *sql.NullFloat64 { return &o.TempMean },
	func(o *models.Observation) *sql.NullFloat64 { return &o.TempMax },
	func(o *models.Observation) *sql.NullFloat64 { return &o.TempMin },
	func(o *models.Observation) *sql.NullFloat64 { return &o.ApparentTemp },
	func(o *models.Observation) *sql.NullFloat64 { return &o.Radiation },
	func(o *models.Observation) *sql.NullFloat64 { return &o.Precip },
	func(o *models.Observation) *sql.NullFloat64 { return &o.SunshineDur },
	func(o *models.Observation) *sql.NullFloat64 { return &o.DaylightDur },
	func(o *models.Observation) *sql.NullFloat64 { return &o.WindDir },
	func(o *models.Observation) *sql.NullFloat64 { return &o.Humidity },
	func(o *models.Observation) *sql.NullFloat64 { return &o.Pressure },
	func(o *models.Observation) *sql.NullFloat64 { return &o.WindSpeed },
	func(o *models.Observation) *sql.NullFloat64 { return &o.CloudCover },
}

// fillSegment interpolates interior gaps in every numeric column and
// extends the nearest value over the edges. Columns with no data at
// all stay null.
func fillSegment(rows []models.Observation) {
	vals := make([]float64, len(rows))
	for _, col := range numericColumns {
		for i := range rows {
			if f := col(&rows[i]); f.Valid {
				vals[i] = f.Float64
			} else {
				vals[i] = math.NaN()
			}
		}
		fillGaps(vals)
		for i := range rows {
			if !math.IsNaN(vals[i]) {
				*col(&rows[i]) = sql.NullFloat64{Float64: vals[i], Valid: true}
			}
		}
	}
}

func fillGaps(vals []float64) {
	first := -1
	for i, v := range vals {
		if !math.IsNaN(v) {
			first = i
			break
		}
	}
	if first == -1 {
		return
	}
	last := first
	for i := len(vals) - 1; i > first; i-- {
		if !math.IsNaN(vals[i]) {
			last = i
			break
		}
	}

	for i := 0; i < first; i++ {
		vals[i] = vals[first]
	}
	for i := last + 1; i < len(vals); i++ {
		vals[i] = vals[last]
	}

	for i := first + 1; i < last; {
		if !math.IsNaN(vals[i]) {
			i++
			continue
		}
		j := i
		for math.IsNaN(vals[j]) {
			j++
		}
		lo, hi := vals[i-1], vals[j]
		span := float64(j - i + 1)
		for k := i; k < j; k++ {
			vals[k] = lo + (hi-lo)*float64(k-i+1)/span
		}
		i = j
	}
}
