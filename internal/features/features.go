// Package features builds the engineered feature matrix consumed by the
// residual corrector. Inputs are per-location, chronologically ordered
// location-days; NaN marks a missing value on the way in and never appears
// in an assembled matrix.
package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Point is one location-day in the modelling series. Residual is
// observed - seasonal fit, NaN when unknown (always at inference time).
type Point struct {
	Location  string
	Date      time.Time
	Temp      float64
	Residual  float64
	WindDir   float64
	Humidity  float64
	Pressure  float64
	WindSpeed float64
}

type Mode int

const (
	Train Mode = iota
	Inference
)

type Config struct {
	ResidualLags   []int
	RollingWindows []int
}

func DefaultConfig() Config {
	return Config{
		ResidualLags:   []int{1, 2},
		RollingWindows: []int{7},
	}
}

// Names returns the column list this config produces, in output order. The
// order is deterministic and identical in both build modes; the corrector
// persists it and later enforces it against incoming matrices.
func (c Config) Names() []string {
	names := []string{"day_of_year", "month", "day_of_week", "sin_doy", "cos_doy"}
	for _, lag := range c.ResidualLags {
		names = append(names, fmt.Sprintf("residual_lag_%d", lag))
	}
	for _, w := range c.RollingWindows {
		names = append(names,
			fmt.Sprintf("residual_roll_mean_%d", w),
			fmt.Sprintf("residual_roll_std_%d", w))
	}
	names = append(names,
		"wind_dir", "wind_dir_diff",
		"humidity", "humidity_diff",
		"pressure", "pressure_diff",
		"wind_speed", "wind_speed_diff",
		"wind_north", "wind_east",
		"pressure_diff_3d",
		"temp_accel",
	)
	return names
}

func (c Config) lagRollNames() []string {
	var names []string
	for _, lag := range c.ResidualLags {
		names = append(names, fmt.Sprintf("residual_lag_%d", lag))
	}
	for _, w := range c.RollingWindows {
		names = append(names,
			fmt.Sprintf("residual_roll_mean_%d", w),
			fmt.Sprintf("residual_roll_std_%d", w))
	}
	return names
}

// Matrix is a feature matrix: a fixed column order plus one tagged
// fixed-width vector per surviving input point.
type Matrix struct {
	Names []string
	Rows  []Row
}

type Row struct {
	Location string
	Date     time.Time
	Values   []float64
}

func (m *Matrix) Index(name string) (int, bool) {
	for i, n := range m.Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Column returns a copy of one named column.
func (m *Matrix) Column(name string) ([]float64, bool) {
	idx, ok := m.Index(name)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(m.Rows))
	for i, r := range m.Rows {
		out[i] = r.Values[idx]
	}
	return out, true
}

// BuildTraining assembles the matrix and the aligned residual targets.
// Rows whose lag or rolling features are undefined (series heads) and rows
// without a residual are dropped; a zero-row result is not an error here,
// the caller decides whether to retry or fail.
func BuildTraining(points []Point, cfg Config) (*Matrix, []float64, error) {
	return build(points, cfg, Train)
}

// BuildInference assembles the matrix without dropping any row: undefined
// lag and rolling values are forward-filled, back-filled and finally zeroed
// within each location. Rows come out 1:1 with the input points, in order.
func BuildInference(points []Point, cfg Config) (*Matrix, error) {
	m, _, err := build(points, cfg, Inference)
	return m, err
}

func build(points []Point, cfg Config, mode Mode) (*Matrix, []float64, error) {
	if len(points) == 0 {
		return nil, nil, errors.New("features: no input points")
	}

	names := cfg.Names()
	n := len(points)
	col := make(map[string][]float64, len(names))
	for _, name := range names {
		col[name] = make([]float64, n)
	}

	for i, p := range points {
		if p.Location == "" {
			return nil, nil, fmt.Errorf("features: point %d has no location", i)
		}
		if p.Date.IsZero() {
			return nil, nil, fmt.Errorf("features: point %d (%s) has no date", i, p.Location)
		}
		yday := float64(p.Date.YearDay())
		col["day_of_year"][i] = yday
		col["month"][i] = float64(p.Date.Month())
		col["day_of_week"][i] = float64((int(p.Date.Weekday()) + 6) % 7)
		angle := 2 * math.Pi * yday / 365.25
		col["sin_doy"][i] = math.Sin(angle)
		col["cos_doy"][i] = math.Cos(angle)
	}

	if mode == Train {
		any := false
		for _, p := range points {
			if !math.IsNaN(p.Residual) {
				any = true
				break
			}
		}
		if !any {
			return nil, nil, errors.New("features: training build requires residuals on the input points")
		}
	}

	// Everything lagged, rolled or differenced is computed inside one
	// location's series; values never cross a location boundary.
	for _, group := range groupByLocation(points) {
		residual := gather(points, group, func(p Point) float64 { return p.Residual })
		temp := gather(points, group, func(p Point) float64 { return p.Temp })
		windDir := gather(points, group, func(p Point) float64 { return p.WindDir })
		pressure := gather(points, group, func(p Point) float64 { return p.Pressure })

		for _, lag := range cfg.ResidualLags {
			name := fmt.Sprintf("residual_lag_%d", lag)
			for k, idx := range group {
				if k-lag < 0 {
					col[name][idx] = math.NaN()
				} else {
					col[name][idx] = residual[k-lag]
				}
			}
		}

		for _, w := range cfg.RollingWindows {
			meanName := fmt.Sprintf("residual_roll_mean_%d", w)
			stdName := fmt.Sprintf("residual_roll_std_%d", w)
			for k, idx := range group {
				mean, sd := trailingStats(residual, k, w)
				col[meanName][idx] = mean
				col[stdName][idx] = sd
			}
		}

		covariates := []struct {
			name string
			vals []float64
		}{
			{"wind_dir", windDir},
			{"humidity", gather(points, group, func(p Point) float64 { return p.Humidity })},
			{"pressure", pressure},
			{"wind_speed", gather(points, group, func(p Point) float64 { return p.WindSpeed })},
		}
		for _, c := range covariates {
			diffName := c.name + "_diff"
			for k, idx := range group {
				col[diffName][idx] = diffOrZero(c.vals, k, 1)
			}
			filled := forwardBackZeroFill(c.vals)
			for k, idx := range group {
				col[c.name][idx] = filled[k]
			}
		}

		for k, idx := range group {
			col["pressure_diff_3d"][idx] = diffOrZero(pressure, k, 3)
			col["temp_accel"][idx] = accelOrZero(temp, k)
		}

		// Wind vector components come from the raw direction so that an
		// entirely missing direction yields 0, not cos(0) = 1.
		north := make([]float64, len(group))
		east := make([]float64, len(group))
		for k := range group {
			if math.IsNaN(windDir[k]) {
				north[k], east[k] = math.NaN(), math.NaN()
			} else {
				rad := windDir[k] * math.Pi / 180
				north[k] = math.Cos(rad)
				east[k] = math.Sin(rad)
			}
		}
		north = forwardBackZeroFill(north)
		east = forwardBackZeroFill(east)
		for k, idx := range group {
			col["wind_north"][idx] = north[k]
			col["wind_east"][idx] = east[k]
		}

		if mode == Inference {
			for _, name := range cfg.lagRollNames() {
				vals := make([]float64, len(group))
				for k, idx := range group {
					vals[k] = col[name][idx]
				}
				vals = forwardBackZeroFill(vals)
				for k, idx := range group {
					col[name][idx] = vals[k]
				}
			}
		}
	}

	lagRoll := cfg.lagRollNames()
	matrix := &Matrix{Names: names}
	var targets []float64
	for i, p := range points {
		if mode == Train {
			if math.IsNaN(p.Residual) {
				continue
			}
			undefined := false
			for _, name := range lagRoll {
				if math.IsNaN(col[name][i]) {
					undefined = true
					break
				}
			}
			if undefined {
				continue
			}
		}
		values := make([]float64, len(names))
		for j, name := range names {
			v := col[name][i]
			if math.IsNaN(v) {
				v = 0
			}
			values[j] = v
		}
		matrix.Rows = append(matrix.Rows, Row{Location: p.Location, Date: p.Date, Values: values})
		if mode == Train {
			targets = append(targets, p.Residual)
		}
	}

	return matrix, targets, nil
}

// groupByLocation returns row-index groups in first-seen location order.
func groupByLocation(points []Point) [][]int {
	var order []string
	byLoc := make(map[string][]int)
	for i, p := range points {
		if _, seen := byLoc[p.Location]; !seen {
			order = append(order, p.Location)
		}
		byLoc[p.Location] = append(byLoc[p.Location], i)
	}
	groups := make([][]int, 0, len(order))
	for _, loc := range order {
		groups = append(groups, byLoc[loc])
	}
	return groups
}

func gather(points []Point, group []int, f func(Point) float64) []float64 {
	out := make([]float64, len(group))
	for k, idx := range group {
		out[k] = f(points[idx])
	}
	return out
}

// trailingStats computes mean and sample std over the w values strictly
// before position k. Undefined (short or gappy window) is NaN.
func trailingStats(vals []float64, k, w int) (float64, float64) {
	if w < 1 || k < w {
		return math.NaN(), math.NaN()
	}
	window := vals[k-w : k]
	for _, v := range window {
		if math.IsNaN(v) {
			return math.NaN(), math.NaN()
		}
	}
	return stat.Mean(window, nil), stat.StdDev(window, nil)
}

// diffOrZero is vals[k] - vals[k-lag], 0 when out of range or not finite.
func diffOrZero(vals []float64, k, lag int) float64 {
	if k-lag < 0 {
		return 0
	}
	d := vals[k] - vals[k-lag]
	if math.IsNaN(d) {
		return 0
	}
	return d
}

// accelOrZero is yesterday's temperature delta: vals[k-1] - vals[k-2].
// The shift keeps the row's own day out of its feature vector.
func accelOrZero(vals []float64, k int) float64 {
	if k < 2 {
		return 0
	}
	d := vals[k-1] - vals[k-2]
	if math.IsNaN(d) {
		return 0
	}
	return d
}

// forwardBackZeroFill returns a copy with NaN gaps forward-filled, leading
// NaNs back-filled, and anything still NaN set to zero.
func forwardBackZeroFill(vals []float64) []float64 {
	out := make([]float64, len(vals))
	copy(out, vals)

	last := math.NaN()
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = last
		} else {
			last = v
		}
	}
	next := math.NaN()
	for i := len(out) - 1; i >= 0; i-- {
		if math.IsNaN(out[i]) {
			out[i] = next
		} else {
			next = out[i]
		}
	}
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = 0
		}
	}
	return out
}
