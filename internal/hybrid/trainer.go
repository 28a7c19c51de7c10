// Package hybrid orchestrates the two-stage forecasting pipeline: one
// seasonal baseline per location, one gradient-boosted corrector across all
// of them trained on the baselines' residuals, and a recursive day-by-day
// forecaster that blends the two with a heuristic wind correction.
package hybrid

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/avelar/meteocast/internal/features"
	"github.com/avelar/meteocast/internal/gbrt"
	"github.com/avelar/meteocast/internal/metrics"
	"github.com/avelar/meteocast/internal/models"
	"github.com/avelar/meteocast/internal/seasonal"
	"github.com/avelar/meteocast/internal/store"
)

type TrainerConfig struct {
	Seasonal  seasonal.Options
	Corrector gbrt.Options
	Features  features.Config
	// MinHistoryDays is the usable-row floor below which a location is
	// skipped; two full annual cycles by default.
	MinHistoryDays int
	MonthlyDays    int
	MonthlyPolicy  features.MonthlyPolicy
	MonthlySeed    int64
	// Now is the injectable clock; nil means time.Now. Rows dated today
	// or later are ingested forecasts, not measurements, and are never
	// trained on.
	Now func() time.Time
}

func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Seasonal:       seasonal.DefaultOptions(),
		Corrector:      gbrt.DefaultOptions(),
		Features:       features.DefaultConfig(),
		MinHistoryDays: 730,
		MonthlyDays:    25,
		MonthlyPolicy:  features.MonthlyLast,
	}
}

type TrainReport struct {
	Mode             Mode
	LocationsTrained []string
	LocationsSkipped []string
	Rows             int
	Duration         time.Duration
}

type Trainer struct {
	store     *store.Store
	artifacts *store.ArtifactStore
	cfg       TrainerConfig
}

func NewTrainer(st *store.Store, artifacts *store.ArtifactStore, cfg TrainerConfig) *Trainer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Trainer{store: st, artifacts: artifacts, cfg: cfg}
}

// Train runs the full pipeline for one mode and records the run in the
// training_runs table. Per-location failures are skipped with a log line;
// the run fails only when no location survives or a later stage breaks.
func (t *Trainer) Train(mode Mode) (*TrainReport, error) {
	if !mode.valid() {
		return nil, fmt.Errorf("hybrid: unknown mode %q", mode)
	}
	runID, err := t.store.StartTrainingRun(string(mode))
	if err != nil {
		return nil, fmt.Errorf("record training run: %w", err)
	}

	report, trainErr := t.train(mode)
	if err := t.store.CompleteTrainingRun(runID,
		len(report.LocationsTrained), len(report.LocationsSkipped), report.Rows, trainErr); err != nil {
		log.Printf("trainer: completing run %d: %v", runID, err)
	}
	return report, trainErr
}

func (t *Trainer) train(mode Mode) (*TrainReport, error) {
	start := t.cfg.Now()
	report := &TrainReport{Mode: mode}

	obs, err := t.store.LoadObservations("")
	if err != nil {
		return report, fmt.Errorf("load observations: %w", err)
	}
	groups, order := groupUsable(obs, dateOnly(t.cfg.Now()))
	if len(order) == 0 {
		return report, ErrNoObservations
	}

	var points []features.Point
	for _, location := range order {
		pts, err := t.fitLocation(location, mode, groups[location])
		if err != nil {
			var skip *SkipError
			var align *AlignmentError
			if errors.As(err, &skip) || errors.As(err, &align) {
				log.Printf("trainer: %v", err)
				report.LocationsSkipped = append(report.LocationsSkipped, location)
				continue
			}
			return report, err
		}
		report.LocationsTrained = append(report.LocationsTrained, location)
		points = append(points, pts...)
	}
	if len(report.LocationsTrained) == 0 {
		return report, ErrNoTrainableLocations
	}

	if mode == ModeMonthly {
		points, err = features.ResampleMonthly(points, t.cfg.MonthlyDays, t.cfg.MonthlyPolicy, t.cfg.MonthlySeed)
		if err != nil {
			return report, err
		}
		log.Printf("trainer: monthly resample kept %d rows", len(points))
	}

	matrix, targets, err := t.buildTrainingMatrix(points)
	if err != nil {
		return report, err
	}
	report.Rows = len(matrix.Rows)

	x := make([][]float64, len(matrix.Rows))
	for i, r := range matrix.Rows {
		x[i] = r.Values
	}
	model, err := gbrt.Fit(x, targets, t.cfg.Corrector)
	if err != nil {
		return report, fmt.Errorf("fit corrector: %w", err)
	}
	if err := saveCorrector(t.artifacts, mode, &Corrector{Model: model, Features: matrix.Names}); err != nil {
		return report, err
	}

	report.Duration = t.cfg.Now().Sub(start)
	metrics.TrainingDuration.WithLabelValues(string(mode)).Observe(report.Duration.Seconds())
	log.Printf("trainer: %s run complete: %d locations trained, %d skipped, %d corrector rows, %s",
		mode, len(report.LocationsTrained), len(report.LocationsSkipped), report.Rows,
		report.Duration.Round(time.Millisecond))
	return report, nil
}

// fitLocation fits and persists one location's seasonal model, then joins
// the in-sample fit back onto the observed rows by date to produce the
// location's residual points. Positional alignment is never used; a row
// whose date the prepared series does not cover is excluded.
func (t *Trainer) fitLocation(location string, mode Mode, rows []models.Observation) ([]features.Point, error) {
	if len(rows) < t.cfg.MinHistoryDays {
		return nil, &SkipError{Location: location,
			Reason: fmt.Sprintf("%d usable days, need %d", len(rows), t.cfg.MinHistoryDays)}
	}

	dates := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	for i, o := range rows {
		dates[i] = o.Date
		values[i] = o.TempMean.Float64
	}
	prepDates, prepVals, err := seasonal.PrepareSeries(dates, values)
	if err != nil {
		return nil, &SkipError{Location: location, Reason: err.Error()}
	}
	model, err := seasonal.Fit(prepDates, prepVals, t.cfg.Seasonal)
	if err != nil {
		return nil, &SkipError{Location: location, Reason: err.Error()}
	}
	if err := saveSeasonal(t.artifacts, location, mode, model); err != nil {
		return nil, fmt.Errorf("persist seasonal model for %s: %w", location, err)
	}

	fitted := model.Fitted()
	byDate := make(map[time.Time]float64, len(fitted))
	for i, d := range prepDates {
		byDate[d] = fitted[i]
	}

	var points []features.Point
	for _, o := range rows {
		f, ok := byDate[o.Date]
		if !ok {
			continue
		}
		points = append(points, obsPoint(o, o.TempMean.Float64-f))
	}
	if len(points) == 0 {
		return nil, &AlignmentError{Location: location, Detail: "no fitted dates matched the observed series"}
	}
	log.Printf("trainer: %s: seasonal fit over %d days, %d residual rows", location, len(prepVals), len(points))
	return points, nil
}

// buildTrainingMatrix pools every location's residual points into one
// training matrix. When the strict training build drops every row it
// retries once with inference-mode fills, keeping only rows that still
// carry a residual target.
func (t *Trainer) buildTrainingMatrix(points []features.Point) (*features.Matrix, []float64, error) {
	matrix, targets, err := features.BuildTraining(points, t.cfg.Features)
	if err != nil {
		return nil, nil, fmt.Errorf("build training features: %w", err)
	}
	if len(matrix.Rows) > 0 {
		return matrix, targets, nil
	}

	log.Printf("trainer: training feature build dropped every row, retrying with inference fills")
	loose, err := features.BuildInference(points, t.cfg.Features)
	if err != nil {
		return nil, nil, fmt.Errorf("build recovery features: %w", err)
	}
	salvaged := &features.Matrix{Names: loose.Names}
	var salvagedTargets []float64
	for i, row := range loose.Rows {
		if math.IsNaN(points[i].Residual) {
			continue
		}
		salvaged.Rows = append(salvaged.Rows, row)
		salvagedTargets = append(salvagedTargets, points[i].Residual)
	}
	if len(salvaged.Rows) == 0 {
		return nil, nil, ErrEmptyFeatureMatrix
	}
	return salvaged, salvagedTargets, nil
}

// groupUsable keeps rows with a target temperature and a valid date before
// today, grouped per location in store order (location, then date).
func groupUsable(obs []models.Observation, today time.Time) (map[string][]models.Observation, []string) {
	groups := make(map[string][]models.Observation)
	var order []string
	for _, o := range obs {
		if !o.TempMean.Valid || o.Date.IsZero() || !o.Date.Before(today) {
			continue
		}
		if _, seen := groups[o.Location]; !seen {
			order = append(order, o.Location)
		}
		groups[o.Location] = append(groups[o.Location], o)
	}
	return groups, order
}

func obsPoint(o models.Observation, residual float64) features.Point {
	return features.Point{
		Location:  o.Location,
		Date:      o.Date,
		Temp:      nullToNaN(o.TempMean),
		Residual:  residual,
		WindDir:   nullToNaN(o.WindDir),
		Humidity:  nullToNaN(o.Humidity),
		Pressure:  nullToNaN(o.Pressure),
		WindSpeed: nullToNaN(o.WindSpeed),
	}
}

func nullToNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// dateOnly takes the clock's calendar date and pins it to UTC midnight,
// the representation stored observation dates use.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
