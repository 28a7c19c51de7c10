package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/avelar/meteocast/internal/models"
)

var santander = models.Location{Name: "Santander", Latitude: 43.4623, Longitude: -3.8099}

// newTestMeteo points both endpoints at srv and removes the rate limit
// so tests run at full speed.
func newTestMeteo(srv *httptest.Server, now time.Time) *OpenMeteo {
	m := NewOpenMeteo()
	m.archive = srv.URL
	m.forecast = srv.URL
	m.limiter = rate.NewLimiter(rate.Inf, 1)
	m.now = func() time.Time { return now }
	return m
}

const archivePayload = `{
	"daily": {
		"time": ["2023-03-01", "2023-03-02", "2023-03-03"],
		"temperature_2m_mean": [10.5, null, 12.0],
		"temperature_2m_max": [14.0, 15.0, 16.0],
		"temperature_2m_min": [7.0, 8.0, 9.0],
		"apparent_temperature_mean": [9.0, 10.0, 11.0],
		"shortwave_radiation_sum": [12.3, 11.1, 10.2],
		"precipitation_sum": [0.0, 1.2, 0.4],
		"sunshine_duration": [30000, 28000, 26000],
		"daylight_duration": [40000, 40100, 40200],
		"wind_direction_10m_dominant": [200, 180, null]
	},
	"hourly": {
		"time": ["2023-03-01T00:00", "2023-03-01T01:00", "2023-03-02T00:00"],
		"relative_humidity_2m": [60, 70, 80],
		"surface_pressure": [1010, 1014, null],
		"wind_speed_10m": [10, 14, 12],
		"cloud_cover": [50, null, 25]
	}
}`

func TestFetchRange_Archive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("start_date"); got != "2023-03-01" {
			t.Errorf("start_date = %q, want 2023-03-01", got)
		}
		if got := q.Get("end_date"); got != "2023-03-03" {
			t.Errorf("end_date = %q, want 2023-03-03", got)
		}
		if got := q.Get("latitude"); got != "43.4623" {
			t.Errorf("latitude = %q, want 43.4623", got)
		}
		if got := q.Get("longitude"); got != "-3.8099" {
			t.Errorf("longitude = %q, want -3.8099", got)
		}
		if got := q.Get("timezone"); got != "auto" {
			t.Errorf("timezone = %q, want auto", got)
		}
		if got := q.Get("past_days"); got != "" {
			t.Errorf("past_days = %q, want unset", got)
		}
		if got := q.Get("daily"); !strings.Contains(got, "temperature_2m_mean") {
			t.Errorf("daily = %q, missing temperature_2m_mean", got)
		}
		if got := q.Get("hourly"); !strings.Contains(got, "surface_pressure") {
			t.Errorf("hourly = %q, missing surface_pressure", got)
		}
		w.Write([]byte(archivePayload))
	}))
	defer srv.Close()

	meteo := newTestMeteo(srv, time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC))
	start := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 3, 0, 0, 0, 0, time.UTC)

	rows, raw, err := meteo.FetchRange(context.Background(), santander, start, end)
	if err != nil {
		t.Fatalf("FetchRange() error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	if string(raw) != archivePayload {
		t.Error("raw body does not match the served payload")
	}

	first := rows[0]
	if first.Location != "Santander" {
		t.Errorf("Location = %q, want Santander", first.Location)
	}
	if !first.Date.Equal(start) {
		t.Errorf("Date = %v, want %v", first.Date, start)
	}
	if !first.TempMean.Valid || first.TempMean.Float64 != 10.5 {
		t.Errorf("TempMean = %+v, want 10.5", first.TempMean)
	}
	if !first.WindDir.Valid || first.WindDir.Float64 != 200 {
		t.Errorf("WindDir = %+v, want 200", first.WindDir)
	}

	// Hourly means: day one has two samples, day two one.
	if !first.Humidity.Valid || math.Abs(first.Humidity.Float64-65) > 1e-9 {
		t.Errorf("Humidity = %+v, want 65", first.Humidity)
	}
	if !first.Pressure.Valid || math.Abs(first.Pressure.Float64-1012) > 1e-9 {
		t.Errorf("Pressure = %+v, want 1012", first.Pressure)
	}
	if !first.WindSpeed.Valid || math.Abs(first.WindSpeed.Float64-12) > 1e-9 {
		t.Errorf("WindSpeed = %+v, want 12", first.WindSpeed)
	}
	if !first.CloudCover.Valid || math.Abs(first.CloudCover.Float64-50) > 1e-9 {
		t.Errorf("CloudCover = %+v, want 50", first.CloudCover)
	}

	second := rows[1]
	if second.TempMean.Valid {
		t.Errorf("TempMean[1] = %+v, want null", second.TempMean)
	}
	if !second.Humidity.Valid || second.Humidity.Float64 != 80 {
		t.Errorf("Humidity[1] = %+v, want 80", second.Humidity)
	}
	if second.Pressure.Valid {
		t.Errorf("Pressure[1] = %+v, want null", second.Pressure)
	}

	third := rows[2]
	if third.WindDir.Valid {
		t.Errorf("WindDir[2] = %+v, want null", third.WindDir)
	}
	if third.Humidity.Valid {
		t.Errorf("Humidity[2] = %+v, want null", third.Humidity)
	}
}

func TestFetchRange_ForecastKeepsFutureTail(t *testing.T) {
	now := time.Date(2023, 6, 15, 9, 0, 0, 0, time.UTC)
	today := dateOnly(now)

	var times []string
	var temps []*float64
	for i := 0; i < 9; i++ {
		d := time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		times = append(times, d.Format(dateLayout))
		if d.Before(today) {
			v := 20.0
			temps = append(temps, &v)
		} else {
			temps = append(temps, nil)
		}
	}
	payload, err := json.Marshal(meteoResponse{Daily: meteoDaily{Time: times, TempMean: temps}})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("past_days"); got != "31" {
			t.Errorf("past_days = %q, want 31", got)
		}
		if got := q.Get("start_date"); got != "" {
			t.Errorf("start_date = %q, want unset", got)
		}
		w.Write(payload)
	}))
	defer srv.Close()

	meteo := newTestMeteo(srv, now)
	start := time.Date(2023, 6, 12, 0, 0, 0, 0, time.UTC)

	rows, _, err := meteo.FetchRange(context.Background(), santander, start, today)
	if err != nil {
		t.Fatalf("FetchRange() error: %v", err)
	}
	if len(rows) != 7 {
		t.Fatalf("len(rows) = %d, want 7", len(rows))
	}
	if !rows[0].Date.Equal(start) {
		t.Errorf("rows[0].Date = %v, want %v", rows[0].Date, start)
	}
	if want := time.Date(2023, 6, 18, 0, 0, 0, 0, time.UTC); !rows[6].Date.Equal(want) {
		t.Errorf("rows[6].Date = %v, want %v", rows[6].Date, want)
	}
	for _, r := range rows {
		if wantValid := r.Date.Before(today); r.TempMean.Valid != wantValid {
			t.Errorf("%s TempMean.Valid = %v, want %v", r.Date.Format(dateLayout), r.TempMean.Valid, wantValid)
		}
	}
}

func TestFetchRange_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": true, "reason": "Parameter 'start_date' is out of allowed range"}`))
	}))
	defer srv.Close()

	meteo := newTestMeteo(srv, time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	_, _, err := meteo.FetchRange(context.Background(), santander, day(0), day(1))
	if err == nil || !strings.Contains(err.Error(), "out of allowed range") {
		t.Errorf("FetchRange() error = %v, want API reason", err)
	}
}

func TestFetchRange_NoDailyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"daily": {"time": []}}`))
	}))
	defer srv.Close()

	meteo := newTestMeteo(srv, time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	_, _, err := meteo.FetchRange(context.Background(), santander, day(0), day(1))
	if err == nil || !strings.Contains(err.Error(), "no daily data") {
		t.Errorf("FetchRange() error = %v, want no daily data", err)
	}
}

func TestFetchRange_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"daily": {"time": ["2023-03-01"], "temperature_2m_mean": [10.0]}}`))
	}))
	defer srv.Close()

	meteo := newTestMeteo(srv, time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	rows, _, err := meteo.FetchRange(context.Background(), santander, day(-10), day(10))
	if err != nil {
		t.Fatalf("FetchRange() error: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("len(rows) = %d, want 1", len(rows))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestFetchRange_ClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no data for point", http.StatusNotFound)
	}))
	defer srv.Close()

	meteo := newTestMeteo(srv, time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	_, _, err := meteo.FetchRange(context.Background(), santander, day(0), day(1))
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("FetchRange() error = %v, want status 404", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestFetchRange_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no data for point", http.StatusNotFound)
	}))
	defer srv.Close()

	meteo := newTestMeteo(srv, time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 6; i++ {
		if _, _, err := meteo.FetchRange(context.Background(), santander, day(0), day(1)); err == nil {
			t.Fatalf("FetchRange() call %d succeeded, want failure", i)
		}
	}

	_, _, err := meteo.FetchRange(context.Background(), santander, day(0), day(1))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("FetchRange() error = %v, want open breaker", err)
	}
	if got := calls.Load(); got != 6 {
		t.Errorf("calls = %d, want 6 (open breaker skips the request)", got)
	}
}
