package hybrid

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/avelar/meteocast/internal/store"
)

func testForecasterConfig() ForecasterConfig {
	cfg := DefaultForecasterConfig()
	cfg.Now = testNow
	return cfg
}

// trainSine seeds three years of sine-wave history plus covariate-only
// rows for the forecast window, then trains the normal-mode models.
func trainSine(t *testing.T, skipFuture ...time.Time) (*store.Store, *store.ArtifactStore) {
	t.Helper()
	st, arts := setupHybrid(t)
	end := seedSineHistory(t, st, "Santander", historyStart, 1096)
	seedFutureCovariates(t, st, "Santander", end, 8, skipFuture...)
	if _, err := NewTrainer(st, arts, testTrainerConfig()).Train(ModeNormal); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return st, arts
}

func TestForecast_TracksAnnualCycle(t *testing.T) {
	st, arts := trainSine(t)

	rows, err := NewForecaster(st, arts, testForecasterConfig()).Forecast("Santander", 7, ModeNormal)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(rows) != 7 {
		t.Fatalf("rows = %d, want 7", len(rows))
	}

	today := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, row := range rows {
		want := today.AddDate(0, 0, i+1)
		if !row.Date.Equal(want) {
			t.Errorf("rows[%d].Date = %s, want %s", i, row.Date.Format(dateLayout), want.Format(dateLayout))
		}
		if row.Location != "Santander" || row.Mode != "normal" {
			t.Errorf("rows[%d] = %s/%s, want Santander/normal", i, row.Location, row.Mode)
		}
		if diff := math.Abs(row.Final - trueSine(want)); diff > 0.5 {
			t.Errorf("rows[%d].Final = %.2f, want %.2f within 0.5", i, row.Final, trueSine(want))
		}
		if !row.CovariatesReal {
			t.Errorf("rows[%d].CovariatesReal = false with ingested covariates present", i)
		}
		if !row.WindDir.Valid || row.WindDir.Float64 != 200 {
			t.Errorf("rows[%d].WindDir = %+v, want 200", i, row.WindDir)
		}
		if !row.TempMin.Valid {
			t.Errorf("rows[%d].TempMin missing, want value from ingested covariates", i)
		}
		if math.Abs(row.Residual) > 6 {
			t.Errorf("rows[%d].Residual = %.2f, beyond clamp", i, row.Residual)
		}
	}
}

func TestForecast_Deterministic(t *testing.T) {
	st, arts := trainSine(t)

	cfg := testForecasterConfig()
	a, err := NewForecaster(st, arts, cfg).Forecast("Santander", 7, ModeNormal)
	if err != nil {
		t.Fatalf("first Forecast: %v", err)
	}
	b, err := NewForecaster(st, arts, cfg).Forecast("Santander", 7, ModeNormal)
	if err != nil {
		t.Fatalf("second Forecast: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("repeated forecasts differ under a fixed clock")
	}

	cfg.Jitter = 0.3
	cfg.JitterSeed = 42
	j1, err := NewForecaster(st, arts, cfg).Forecast("Santander", 7, ModeNormal)
	if err != nil {
		t.Fatalf("jittered Forecast: %v", err)
	}
	j2, err := NewForecaster(st, arts, cfg).Forecast("Santander", 7, ModeNormal)
	if err != nil {
		t.Fatalf("jittered Forecast: %v", err)
	}
	if !reflect.DeepEqual(j1, j2) {
		t.Error("seeded jitter is not reproducible")
	}
}

func TestForecast_PersistenceFallback(t *testing.T) {
	missing := time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)
	st, arts := trainSine(t, missing)

	rows, err := NewForecaster(st, arts, testForecasterConfig()).Forecast("Santander", 7, ModeNormal)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	for i, row := range rows {
		wantReal := !row.Date.Equal(missing)
		if row.CovariatesReal != wantReal {
			t.Errorf("rows[%d] (%s) CovariatesReal = %v, want %v",
				i, row.Date.Format(dateLayout), row.CovariatesReal, wantReal)
		}
		// Persistence carries the previous day's covariates forward.
		if !row.WindDir.Valid {
			t.Errorf("rows[%d].WindDir missing, want persisted direction", i)
		}
	}
}

func TestForecast_MissingArtifacts(t *testing.T) {
	st, arts := setupHybrid(t)
	seedSineHistory(t, st, "Santander", historyStart, 1096)

	_, err := NewForecaster(st, arts, testForecasterConfig()).Forecast("Santander", 7, ModeNormal)
	if !errors.Is(err, store.ErrArtifactNotFound) {
		t.Fatalf("Forecast without training = %v, want ErrArtifactNotFound", err)
	}
}

func TestForecast_StaleClockFailsAlignment(t *testing.T) {
	st, arts := trainSine(t)

	cfg := testForecasterConfig()
	cfg.Now = func() time.Time {
		return time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	_, err := NewForecaster(st, arts, cfg).Forecast("Santander", 7, ModeNormal)
	var align *AlignmentError
	if !errors.As(err, &align) {
		t.Fatalf("Forecast with clock inside training range = %v, want AlignmentError", err)
	}
}

func TestForecast_InputValidation(t *testing.T) {
	st, arts := setupHybrid(t)
	f := NewForecaster(st, arts, testForecasterConfig())

	if _, err := f.Forecast("Santander", 0, ModeNormal); err == nil {
		t.Error("horizon 0 accepted, want error")
	}
	if _, err := f.Forecast("Santander", 7, Mode("hourly")); err == nil {
		t.Error("unknown mode accepted, want error")
	}
}
