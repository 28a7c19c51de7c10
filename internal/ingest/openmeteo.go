package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/avelar/meteocast/internal/httputil"
	"github.com/avelar/meteocast/internal/metrics"
	"github.com/avelar/meteocast/internal/models"
)

const (
	archiveBaseURL  = "https://archive-api.open-meteo.com/v1/archive"
	forecastBaseURL = "https://api.open-meteo.com/v1/forecast"

	// past_days window requested from the forecast endpoint, patching
	// the recent history on every refresh.
	forecastPastDays = 31

	dailyVariables = "temperature_2m_mean,temperature_2m_max,temperature_2m_min," +
		"apparent_temperature_mean,shortwave_radiation_sum,precipitation_sum," +
		"sunshine_duration,daylight_duration,wind_direction_10m_dominant"
	hourlyVariables = "relative_humidity_2m,surface_pressure,wind_speed_10m,cloud_cover"
)

// fetchMaxElapsed bounds retrying of one request. Variable so tests can
// shorten it.
var fetchMaxElapsed = 2 * time.Minute

// OpenMeteo downloads daily weather series, switching between the
// archive and forecast APIs based on the requested range. Requests are
// rate limited and retried with backoff; a circuit breaker fails fast
// while the API keeps erroring.
type OpenMeteo struct {
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	archive  string
	forecast string
	now      func() time.Time
}

func NewOpenMeteo() *OpenMeteo {
	return &OpenMeteo{
		client:  httputil.NewClient(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "open-meteo",
			Timeout: time.Minute,
		}),
		archive:  archiveBaseURL,
		forecast: forecastBaseURL,
		now:      time.Now,
	}
}

// FetchRange returns daily rows for [start, end] plus the raw response
// body for archiving. A range reaching today is served by the forecast
// API, which also returns roughly two weeks of future covariates; those
// rows are kept in the result.
func (o *OpenMeteo) FetchRange(ctx context.Context, loc models.Location, start, end time.Time) ([]models.Observation, []byte, error) {
	today := dateOnly(o.now())
	wantFuture := !end.Before(today)

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', 4, 64))
	q.Set("daily", dailyVariables)
	q.Set("hourly", hourlyVariables)
	q.Set("timezone", "auto")

	endpoint, kind := o.archive, "archive"
	if wantFuture {
		endpoint, kind = o.forecast, "forecast"
		q.Set("past_days", strconv.Itoa(forecastPastDays))
	} else {
		q.Set("start_date", start.Format(dateLayout))
		q.Set("end_date", end.Format(dateLayout))
	}

	body, err := o.fetch(ctx, loc.Name, kind, endpoint+"?"+q.Encode())
	if err != nil {
		return nil, nil, err
	}

	var payload meteoResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("open-meteo: unmarshal: %w", err)
	}
	if payload.Error {
		return nil, nil, fmt.Errorf("open-meteo: %s", payload.Reason)
	}

	rows, err := payload.observations(loc.Name)
	if err != nil {
		return nil, nil, err
	}

	var out []models.Observation
	for _, r := range rows {
		if r.Date.Before(start) {
			continue
		}
		if !wantFuture && r.Date.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, body, nil
}

// fetch runs one rate-limited GET with retries inside the breaker.
// Rate-limit and server statuses are retried, anything else fails
// immediately.
func (o *OpenMeteo) fetch(ctx context.Context, location, kind, fetchURL string) ([]byte, error) {
	var body []byte
	operation := func() error {
		if err := o.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		resp, err := o.client.Do(req)
		if err != nil {
			metrics.MeteoAPICallsTotal.WithLabelValues(location, kind, "error").Inc()
			return fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()
		metrics.MeteoAPICallsTotal.WithLabelValues(location, kind, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("open-meteo: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("open-meteo: status %d: %s", resp.StatusCode, string(b)))
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	_, err := o.breaker.Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = fetchMaxElapsed
		return nil, backoff.Retry(operation, backoff.WithContext(bo, ctx))
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

type meteoResponse struct {
	Error  bool        `json:"error"`
	Reason string      `json:"reason"`
	Daily  meteoDaily  `json:"daily"`
	Hourly meteoHourly `json:"hourly"`
}

type meteoDaily struct {
	Time         []string   `json:"time"`
	TempMean     []*float64 `json:"temperature_2m_mean"`
	TempMax      []*float64 `json:"temperature_2m_max"`
	TempMin      []*float64 `json:"temperature_2m_min"`
	ApparentTemp []*float64 `json:"apparent_temperature_mean"`
	Radiation    []*float64 `json:"shortwave_radiation_sum"`
	Precip       []*float64 `json:"precipitation_sum"`
	Sunshine     []*float64 `json:"sunshine_duration"`
	Daylight     []*float64 `json:"daylight_duration"`
	WindDir      []*float64 `json:"wind_direction_10m_dominant"`
}

type meteoHourly struct {
	Time       []string   `json:"time"`
	Humidity   []*float64 `json:"relative_humidity_2m"`
	Pressure   []*float64 `json:"surface_pressure"`
	WindSpeed  []*float64 `json:"wind_speed_10m"`
	CloudCover []*float64 `json:"cloud_cover"`
}

// observations joins the daily block with per-day means of the hourly
// block.
func (r meteoResponse) observations(location string) ([]models.Observation, error) {
	if len(r.Daily.Time) == 0 {
		return nil, fmt.Errorf("open-meteo: response has no daily data")
	}

	type dayMeans struct {
		humidity, pressure, windSpeed, cloudCover acc
	}
	hourly := make(map[string]*dayMeans, len(r.Daily.Time))
	for i, ts := range r.Hourly.Time {
		if len(ts) < len(dateLayout) {
			continue
		}
		day := ts[:len(dateLayout)]
		m := hourly[day]
		if m == nil {
			m = &dayMeans{}
			hourly[day] = m
		}
		m.humidity.add(at(r.Hourly.Humidity, i))
		m.pressure.add(at(r.Hourly.Pressure, i))
		m.windSpeed.add(at(r.Hourly.WindSpeed, i))
		m.cloudCover.add(at(r.Hourly.CloudCover, i))
	}

	rows := make([]models.Observation, 0, len(r.Daily.Time))
	for i, ts := range r.Daily.Time {
		d, err := parseAnyDate(ts)
		if err != nil {
			return nil, fmt.Errorf("open-meteo: bad daily time %q: %w", ts, err)
		}
		o := models.Observation{
			Location:     location,
			Date:         d,
			TempMean:     nullAt(r.Daily.TempMean, i),
			TempMax:      nullAt(r.Daily.TempMax, i),
			TempMin:      nullAt(r.Daily.TempMin, i),
			ApparentTemp: nullAt(r.Daily.ApparentTemp, i),
			Radiation:    nullAt(r.Daily.Radiation, i),
			Precip:       nullAt(r.Daily.Precip, i),
			SunshineDur:  nullAt(r.Daily.Sunshine, i),
			DaylightDur:  nullAt(r.Daily.Daylight, i),
			WindDir:      nullAt(r.Daily.WindDir, i),
		}
		if m := hourly[d.Format(dateLayout)]; m != nil {
			o.Humidity = m.humidity.mean()
			o.Pressure = m.pressure.mean()
			o.WindSpeed = m.windSpeed.mean()
			o.CloudCover = m.cloudCover.mean()
		}
		rows = append(rows, o)
	}
	return rows, nil
}

type acc struct {
	sum float64
	n   int
}

func (a *acc) add(v *float64) {
	if v == nil {
		return
	}
	a.sum += *v
	a.n++
}

func (a acc) mean() sql.NullFloat64 {
	if a.n == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: a.sum / float64(a.n), Valid: true}
}

func at(vals []*float64, i int) *float64 {
	if i >= len(vals) {
		return nil
	}
	return vals[i]
}

func nullAt(vals []*float64, i int) sql.NullFloat64 {
	if i >= len(vals) || vals[i] == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *vals[i], Valid: true}
}
