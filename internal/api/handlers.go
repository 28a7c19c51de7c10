package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/avelar/meteocast/internal/chart"
)

const dateLayout = "2006-01-02"

// staleAfter is how old the newest measured day may be before a
// location counts as stale. The feeds revise late, so a couple of
// missing days is normal.
const staleAfter = 3 * 24 * time.Hour

type forecastQuery struct {
	location string
	mode     string
	days     int
}

// parseForecastQuery resolves location, mode and days with defaults.
// A written response means the request was rejected.
func (s *Server) parseForecastQuery(w http.ResponseWriter, r *http.Request) (forecastQuery, bool) {
	q := forecastQuery{
		location: r.URL.Query().Get("location"),
		mode:     r.URL.Query().Get("mode"),
		days:     7,
	}
	if q.location == "" {
		def, err := s.store.DefaultLocation()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return q, false
		}
		if def == nil {
			http.Error(w, "no default location configured", http.StatusNotFound)
			return q, false
		}
		q.location = def.Name
	}
	if q.mode == "" {
		q.mode = "normal"
	}
	if q.mode != "normal" && q.mode != "monthly" {
		http.Error(w, "mode must be normal or monthly", http.StatusBadRequest)
		return q, false
	}
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return q, false
		}
		q.days = n
	}
	return q, true
}

type forecastDay struct {
	Date           string   `json:"date"`
	Seasonal       float64  `json:"seasonal"`
	Residual       float64  `json:"residual"`
	Final          float64  `json:"final"`
	TempMin        *float64 `json:"temp_min,omitempty"`
	WindDir        *float64 `json:"wind_dir,omitempty"`
	CovariatesReal bool     `json:"covariates_real"`
}

type forecastResponse struct {
	Location string        `json:"location"`
	Mode     string        `json:"mode"`
	Days     []forecastDay `json:"days"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	q, ok := s.parseForecastQuery(w, r)
	if !ok {
		return
	}
	rows, err := s.store.LoadForecasts(q.location, q.mode, dateOnly(s.now()), q.days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := forecastResponse{Location: q.location, Mode: q.mode, Days: make([]forecastDay, 0, len(rows))}
	for _, row := range rows {
		resp.Days = append(resp.Days, forecastDay{
			Date:           row.Date.Format(dateLayout),
			Seasonal:       row.Seasonal,
			Residual:       row.Residual,
			Final:          row.Final,
			TempMin:        nullPtr(row.TempMin),
			WindDir:        nullPtr(row.WindDir),
			CovariatesReal: row.CovariatesReal,
		})
	}
	writeJSON(w, resp)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	q, ok := s.parseForecastQuery(w, r)
	if !ok {
		return
	}
	rows, err := s.store.LoadForecasts(q.location, q.mode, dateOnly(s.now()), q.days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "no forecast stored for "+q.location, http.StatusNotFound)
		return
	}

	png, err := chart.Render(q.location, rows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

type observationDay struct {
	Date         string   `json:"date"`
	TempMean     *float64 `json:"temp_mean,omitempty"`
	TempMax      *float64 `json:"temp_max,omitempty"`
	TempMin      *float64 `json:"temp_min,omitempty"`
	ApparentTemp *float64 `json:"apparent_temp,omitempty"`
	Radiation    *float64 `json:"radiation,omitempty"`
	Precip       *float64 `json:"precip,omitempty"`
	WindDir      *float64 `json:"wind_dir,omitempty"`
	WindSpeed    *float64 `json:"wind_speed,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	Pressure     *float64 `json:"pressure,omitempty"`
	CloudCover   *float64 `json:"cloud_cover,omitempty"`
}

type observationsResponse struct {
	Location string           `json:"location"`
	Days     []observationDay `json:"days"`
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		def, err := s.store.DefaultLocation()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if def == nil {
			http.Error(w, "no default location configured", http.StatusNotFound)
			return
		}
		location = def.Name
	}
	days := 31
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}

	to := dateOnly(s.now())
	obs, err := s.store.LoadObservationsRange(location, to.AddDate(0, 0, -days), to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := observationsResponse{Location: location, Days: make([]observationDay, 0, len(obs))}
	for _, o := range obs {
		resp.Days = append(resp.Days, observationDay{
			Date:         o.Date.Format(dateLayout),
			TempMean:     nullPtr(o.TempMean),
			TempMax:      nullPtr(o.TempMax),
			TempMin:      nullPtr(o.TempMin),
			ApparentTemp: nullPtr(o.ApparentTemp),
			Radiation:    nullPtr(o.Radiation),
			Precip:       nullPtr(o.Precip),
			WindDir:      nullPtr(o.WindDir),
			WindSpeed:    nullPtr(o.WindSpeed),
			Humidity:     nullPtr(o.Humidity),
			Pressure:     nullPtr(o.Pressure),
			CloudCover:   nullPtr(o.CloudCover),
		})
	}
	writeJSON(w, resp)
}

type locationInfo struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	IsDefault bool    `json:"is_default"`
	Active    bool    `json:"active"`
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.store.GetLocations(false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]locationInfo, 0, len(locations))
	for _, l := range locations {
		out = append(out, locationInfo{
			Name:      l.Name,
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
			IsDefault: l.IsDefault,
			Active:    l.Active,
		})
	}
	writeJSON(w, out)
}

type trainingRunInfo struct {
	ID               int64  `json:"id"`
	Mode             string `json:"mode"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
	LocationsTrained int    `json:"locations_trained"`
	LocationsSkipped int    `json:"locations_skipped"`
	RowCount         int    `json:"row_count"`
	Error            string `json:"error,omitempty"`
}

type ingestRunInfo struct {
	ID          int64  `json:"id"`
	Location    string `json:"location"`
	Endpoint    string `json:"endpoint"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	RowsFetched int    `json:"rows_fetched"`
	RowsStored  int    `json:"rows_stored"`
	Error       string `json:"error,omitempty"`
}

type payloadStats struct {
	Count         int            `json:"count"`
	SizeBytes     int64          `json:"size_bytes"`
	Oldest        string         `json:"oldest,omitempty"`
	Newest        string         `json:"newest,omitempty"`
	CountBySource map[string]int `json:"count_by_source"`
}

type runsResponse struct {
	Training []trainingRunInfo `json:"training"`
	Ingest   []ingestRunInfo   `json:"ingest"`
	Payloads payloadStats      `json:"payloads"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	training, err := s.store.RecentTrainingRuns(20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ingest, err := s.store.RecentIngestRuns(20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stats, err := s.store.GetRawPayloadStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := runsResponse{
		Training: make([]trainingRunInfo, 0, len(training)),
		Ingest:   make([]ingestRunInfo, 0, len(ingest)),
		Payloads: payloadStats{
			Count:         stats.TotalCount,
			SizeBytes:     stats.TotalSizeBytes,
			CountBySource: stats.CountBySource,
		},
	}
	if stats.TotalCount > 0 {
		resp.Payloads.Oldest = stats.OldestFetchedAt.Format(time.RFC3339)
		resp.Payloads.Newest = stats.NewestFetchedAt.Format(time.RFC3339)
	}
	for _, run := range training {
		resp.Training = append(resp.Training, trainingRunInfo{
			ID:               run.ID,
			Mode:             run.Mode,
			StartedAt:        run.StartedAt.Format(time.RFC3339),
			CompletedAt:      nullTime(run.CompletedAt),
			LocationsTrained: run.LocationsTrained,
			LocationsSkipped: run.LocationsSkipped,
			RowCount:         run.RowCount,
			Error:            run.Error.String,
		})
	}
	for _, run := range ingest {
		resp.Ingest = append(resp.Ingest, ingestRunInfo{
			ID:          run.ID,
			Location:    run.Location,
			Endpoint:    run.Endpoint,
			StartedAt:   run.StartedAt.Format(time.RFC3339),
			CompletedAt: nullTime(run.CompletedAt),
			RowsFetched: run.RowsFetched,
			RowsStored:  run.RowsStored,
			Error:       run.Error.String,
		})
	}
	writeJSON(w, resp)
}

type alertInfo struct {
	Kind     string  `json:"kind"`
	Location string  `json:"location"`
	Date     string  `json:"date"`
	Value    float64 `json:"value"`
	Message  string  `json:"message"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.RecentSentAlerts(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]alertInfo, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertInfo{
			Kind:     a.Kind,
			Location: a.Location,
			Date:     a.Date.Format(dateLayout),
			Value:    a.Value,
			Message:  a.Message,
		})
	}
	writeJSON(w, out)
}

type locationHealth struct {
	Name      string `json:"name"`
	LatestDay string `json:"latest_day,omitempty"`
	Stale     bool   `json:"stale"`
}

type healthStatus struct {
	Status    string           `json:"status"`
	Locations []locationHealth `json:"locations"`
	Errors    []string         `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	locations, err := s.store.GetLocations(true)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := healthStatus{
		Status:    "ok",
		Locations: make([]locationHealth, 0, len(locations)),
	}
	now := s.now()
	for _, loc := range locations {
		lh := locationHealth{Name: loc.Name}
		latest, found, err := s.store.LatestObservationDate(loc.Name)
		switch {
		case err != nil:
			health.Errors = append(health.Errors, loc.Name+": "+err.Error())
			lh.Stale = true
		case !found:
			lh.Stale = true
		default:
			lh.LatestDay = latest.Format(dateLayout)
			lh.Stale = now.Sub(latest) > staleAfter
		}
		if lh.Stale {
			health.Status = "degraded"
		}
		health.Locations = append(health.Locations, lh)
	}
	if len(health.Errors) > 0 {
		health.Status = "degraded"
	}
	writeJSON(w, health)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func nullPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) string {
	if !v.Valid {
		return ""
	}
	return v.Time.Format(time.RFC3339)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
