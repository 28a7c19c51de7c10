package seasonal

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// PrepareSeries turns raw per-location observations into the clean daily
// series the baseline model trains on. Duplicate dates are averaged, the
// calendar is reindexed to exactly one value per day between the first and
// last known date, and gaps are linearly interpolated.
func PrepareSeries(dates []time.Time, values []float64) ([]time.Time, []float64, error) {
	if len(dates) != len(values) {
		return nil, nil, fmt.Errorf("seasonal: %d dates for %d values", len(dates), len(values))
	}

	type acc struct {
		sum float64
		n   int
	}
	byDay := make(map[time.Time]*acc)
	for i, d := range dates {
		if d.IsZero() || math.IsNaN(values[i]) {
			continue
		}
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		a := byDay[day]
		if a == nil {
			a = &acc{}
			byDay[day] = a
		}
		a.sum += values[i]
		a.n++
	}
	if len(byDay) == 0 {
		return nil, nil, errors.New("seasonal: no usable observations in series")
	}

	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	first, last := days[0], days[len(days)-1]
	n := int(last.Sub(first).Hours()/24) + 1
	outDates := make([]time.Time, n)
	outVals := make([]float64, n)
	for i := range outVals {
		outDates[i] = first.AddDate(0, 0, i)
		outVals[i] = math.NaN()
	}
	for _, d := range days {
		a := byDay[d]
		outVals[int(d.Sub(first).Hours()/24)] = a.sum / float64(a.n)
	}

	interpolateGaps(outVals)
	return outDates, outVals, nil
}

// interpolateGaps fills NaN runs in place: interior runs linearly between
// their neighbours, edge runs with the nearest known value.
func interpolateGaps(vals []float64) {
	i := 0
	for i < len(vals) {
		if !math.IsNaN(vals[i]) {
			i++
			continue
		}
		start := i
		for i < len(vals) && math.IsNaN(vals[i]) {
			i++
		}
		switch {
		case start == 0 && i == len(vals):
			return
		case start == 0:
			for j := start; j < i; j++ {
				vals[j] = vals[i]
			}
		case i == len(vals):
			for j := start; j < i; j++ {
				vals[j] = vals[start-1]
			}
		default:
			lo, hi := vals[start-1], vals[i]
			span := float64(i - start + 1)
			for j := start; j < i; j++ {
				vals[j] = lo + (hi-lo)*float64(j-start+1)/span
			}
		}
	}
}
