package hybrid

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/avelar/meteocast/internal/features"
	"github.com/avelar/meteocast/internal/metrics"
	"github.com/avelar/meteocast/internal/models"
	"github.com/avelar/meteocast/internal/seasonal"
	"github.com/avelar/meteocast/internal/store"
)

const dateLayout = "2006-01-02"

type ForecasterConfig struct {
	Features    features.Config
	Corrections Corrections
	// Jitter adds uniform noise within ±Jitter °C to each final
	// temperature, for deployments that dislike visibly repeating
	// multi-day values. Zero disables it; JitterSeed fixes the sequence.
	Jitter     float64
	JitterSeed int64
	// Now is the injectable clock; nil means time.Now.
	Now func() time.Time
}

func DefaultForecasterConfig() ForecasterConfig {
	return ForecasterConfig{
		Features:    features.DefaultConfig(),
		Corrections: DefaultCorrections(),
	}
}

type Forecaster struct {
	store     *store.Store
	artifacts *store.ArtifactStore
	cfg       ForecasterConfig
}

func NewForecaster(st *store.Store, artifacts *store.ArtifactStore, cfg ForecasterConfig) *Forecaster {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Forecaster{store: st, artifacts: artifacts, cfg: cfg}
}

// Forecast produces the hybrid prediction for the next horizon days,
// walking one day at a time: each step's blended temperature is appended
// to the working history so the next step's lag features can see it.
func (f *Forecaster) Forecast(location string, horizon int, mode Mode) ([]models.ForecastRow, error) {
	if horizon < 1 {
		return nil, fmt.Errorf("hybrid: horizon %d, want >= 1", horizon)
	}
	if !mode.valid() {
		return nil, fmt.Errorf("hybrid: unknown mode %q", mode)
	}

	seasonalModel, err := loadSeasonal(f.artifacts, location, mode)
	if err != nil {
		return nil, err
	}
	corrector, err := loadCorrector(f.artifacts, mode)
	if err != nil {
		return nil, err
	}

	obs, err := f.store.LoadObservations(location)
	if err != nil {
		return nil, fmt.Errorf("load observations for %s: %w", location, err)
	}
	today := dateOnly(f.cfg.Now())
	history, future := splitAtToday(obs, today)
	if len(history) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoObservations, location)
	}

	baseline, err := seasonalSlice(seasonalModel, location, today, horizon)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if f.cfg.Jitter > 0 {
		rng = rand.New(rand.NewSource(f.cfg.JitterSeed))
	}
	correction := f.cfg.Corrections.For(location)

	working := make([]features.Point, len(history), len(history)+horizon)
	copy(working, history)

	rows := make([]models.ForecastRow, 0, horizon)
	for i := 1; i <= horizon; i++ {
		target := today.AddDate(0, 0, i)
		seasonalEst := baseline[i-1].Value

		point, covReal := stepPoint(location, target, seasonalEst, future, working)
		working = append(working, point)

		matrix, err := features.BuildInference(working, f.cfg.Features)
		if err != nil {
			return nil, fmt.Errorf("build features for %s: %w", target.Format(dateLayout), err)
		}
		raw, err := corrector.PredictAt(matrix, len(matrix.Rows)-1)
		if err != nil {
			return nil, err
		}

		corrected := correction.Apply(raw, point.WindDir, point.WindSpeed, covReal)
		final := seasonalEst + corrected
		if rng != nil {
			final += (rng.Float64()*2 - 1) * f.cfg.Jitter
		}

		row := models.ForecastRow{
			Location:       location,
			Date:           target,
			Mode:           string(mode),
			Seasonal:       round(seasonalEst, 2),
			Residual:       round(corrected, 2),
			Final:          round(final, 2),
			CovariatesReal: covReal,
		}
		if !math.IsNaN(point.WindDir) {
			row.WindDir = sql.NullFloat64{Float64: round(point.WindDir, 0), Valid: true}
		}
		if covReal {
			if fr, ok := future[target]; ok && fr.TempMin.Valid {
				row.TempMin = fr.TempMin
			}
		}
		rows = append(rows, row)

		// Autoregressive feedback: the step's blended output replaces its
		// seasonal seed in the working history.
		working[len(working)-1].Temp = final

		log.Printf("forecaster: %s %s: seasonal %.2f, residual %.2f, final %.2f (real covariates=%v)",
			location, target.Format(dateLayout), seasonalEst, corrected, final, covReal)
	}
	metrics.ForecastsProduced.WithLabelValues(location, string(mode)).Add(float64(len(rows)))
	return rows, nil
}

// splitAtToday separates measured history (strictly before today) from
// future covariate rows keyed by date. History keeps rows with missing
// values; the builder fills them at inference time.
func splitAtToday(obs []models.Observation, today time.Time) ([]features.Point, map[time.Time]models.Observation) {
	var history []features.Point
	future := make(map[time.Time]models.Observation)
	for _, o := range obs {
		if o.Date.IsZero() {
			continue
		}
		if o.Date.Before(today) {
			history = append(history, obsPoint(o, math.NaN()))
		} else {
			future[o.Date] = o
		}
	}
	return history, future
}

// seasonalSlice forecasts from the model's own series end and carves out
// the [today+1, today+horizon] window, verifying every date. The model
// knows nothing about "today", so alignment is checked, never assumed: an
// off-by-one here would silently shift every prediction.
func seasonalSlice(m *seasonal.Model, location string, today time.Time, horizon int) ([]seasonal.Prediction, error) {
	end := m.TrainEnd()
	if !end.Before(today) {
		return nil, &AlignmentError{Location: location,
			Detail: fmt.Sprintf("training series ends %s, today is %s",
				end.Format(dateLayout), today.Format(dateLayout))}
	}
	gap := daysBetween(end, today)
	preds, err := m.Forecast(gap + horizon)
	if err != nil {
		return nil, fmt.Errorf("seasonal forecast for %s: %w", location, err)
	}
	slice := preds[gap:]
	for i, p := range slice {
		if want := today.AddDate(0, 0, i+1); !p.Date.Equal(want) {
			return nil, &AlignmentError{Location: location,
				Detail: fmt.Sprintf("forecast step %d is %s, want %s",
					i+1, p.Date.Format(dateLayout), want.Format(dateLayout))}
		}
	}
	return slice, nil
}

// stepPoint assembles the synthetic location-day for one target date. A
// future row ingested for that exact date supplies real covariates; with
// none, the last accumulated row repeats (persistence fallback, degraded
// but better than aborting a multi-day forecast over one missing feed day).
func stepPoint(location string, target time.Time, seasonalEst float64,
	future map[time.Time]models.Observation, working []features.Point) (features.Point, bool) {
	if o, ok := future[target]; ok {
		p := obsPoint(o, math.NaN())
		p.Date = target
		p.Temp = seasonalEst
		return p, true
	}
	last := working[len(working)-1]
	log.Printf("forecaster: %s: no covariates for %s, using persistence", location, target.Format(dateLayout))
	return features.Point{
		Location:  location,
		Date:      target,
		Temp:      seasonalEst,
		Residual:  math.NaN(),
		WindDir:   last.WindDir,
		Humidity:  last.Humidity,
		Pressure:  last.Pressure,
		WindSpeed: last.WindSpeed,
	}, false
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func round(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
