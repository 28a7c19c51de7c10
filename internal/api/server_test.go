package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/avelar/meteocast/internal/api"
	"github.com/avelar/meteocast/internal/models"
	"github.com/avelar/meteocast/internal/store"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func seedLocation(t *testing.T, s *store.Store, name string, isDefault bool) {
	t.Helper()
	err := s.UpsertLocation(models.Location{
		Name:      name,
		Latitude:  43.4623,
		Longitude: -3.8099,
		IsDefault: isDefault,
		Active:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// The server reads the real clock, so fixtures are dated relative to it.
func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func seedObservation(t *testing.T, s *store.Store, location string, date time.Time, temp float64) {
	t.Helper()
	_, err := s.UpsertObservations([]models.Observation{{
		Location: location,
		Date:     date,
		TempMean: sql.NullFloat64{Float64: temp, Valid: true},
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)
	seedObservation(t, s, "Santander", today().AddDate(0, 0, -1), 14.5)
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("expected ok status, got %s", body)
	}
}

func TestHealthEndpoint_FlagsStaleLocations(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)
	seedObservation(t, s, "Santander", today().AddDate(0, 0, -10), 14.5)
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var health struct {
		Status    string `json:"status"`
		Locations []struct {
			Name  string `json:"name"`
			Stale bool   `json:"stale"`
		} `json:"locations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if len(health.Locations) != 1 || !health.Locations[0].Stale {
		t.Errorf("expected Santander flagged stale, got %+v", health.Locations)
	}
}

func TestForecastEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)

	err := s.SaveForecasts([]models.ForecastRow{
		{
			Location:       "Santander",
			Date:           today(),
			Mode:           "normal",
			Seasonal:       15.0,
			Residual:       1.2,
			Final:          16.2,
			TempMin:        sql.NullFloat64{Float64: 9.4, Valid: true},
			CovariatesReal: true,
		},
		{
			Location: "Santander",
			Date:     today().AddDate(0, 0, 1),
			Mode:     "normal",
			Seasonal: 15.1,
			Residual: 0.4,
			Final:    15.5,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/api/forecast", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp struct {
		Location string `json:"location"`
		Mode     string `json:"mode"`
		Days     []struct {
			Date           string   `json:"date"`
			Seasonal       float64  `json:"seasonal"`
			Final          float64  `json:"final"`
			TempMin        *float64 `json:"temp_min"`
			CovariatesReal bool     `json:"covariates_real"`
		} `json:"days"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if resp.Location != "Santander" {
		t.Errorf("location = %q, want Santander", resp.Location)
	}
	if resp.Mode != "normal" {
		t.Errorf("mode = %q, want normal", resp.Mode)
	}
	if len(resp.Days) != 2 {
		t.Fatalf("got %d days, want 2", len(resp.Days))
	}
	if resp.Days[0].Final != 16.2 {
		t.Errorf("days[0].final = %v, want 16.2", resp.Days[0].Final)
	}
	if resp.Days[0].TempMin == nil || *resp.Days[0].TempMin != 9.4 {
		t.Errorf("days[0].temp_min = %v, want 9.4", resp.Days[0].TempMin)
	}
	if !resp.Days[0].CovariatesReal {
		t.Error("days[0].covariates_real = false, want true")
	}
	if resp.Days[1].TempMin != nil {
		t.Errorf("days[1].temp_min = %v, want null", *resp.Days[1].TempMin)
	}
	if resp.Days[1].CovariatesReal {
		t.Error("days[1].covariates_real = true, want false")
	}
}

func TestForecastEndpoint_NoDefaultLocation(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/api/forecast", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestForecastEndpoint_RejectsBadParams(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)
	srv := api.NewServer(s, ":8080")

	tests := []struct {
		name string
		url  string
	}{
		{"unknown mode", "/api/forecast?mode=hourly"},
		{"non-numeric days", "/api/forecast?days=soon"},
		{"zero days", "/api/forecast?days=0"},
		{"negative days", "/api/forecast?days=-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.url, nil)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != 400 {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestObservationsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)
	seedObservation(t, s, "Santander", today().AddDate(0, 0, -40), 10.0)
	seedObservation(t, s, "Santander", today().AddDate(0, 0, -2), 12.0)
	seedObservation(t, s, "Santander", today().AddDate(0, 0, -1), 13.0)
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/api/observations", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Location string `json:"location"`
		Days     []struct {
			Date     string   `json:"date"`
			TempMean *float64 `json:"temp_mean"`
		} `json:"days"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if resp.Location != "Santander" {
		t.Errorf("location = %q, want Santander", resp.Location)
	}
	if len(resp.Days) != 2 {
		t.Fatalf("got %d days inside the default window, want 2", len(resp.Days))
	}
	if resp.Days[0].TempMean == nil || *resp.Days[0].TempMean != 12.0 {
		t.Errorf("days[0].temp_mean = %v, want 12", resp.Days[0].TempMean)
	}
}

func TestLocationsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)
	err := s.UpsertLocation(models.Location{Name: "Bilbao", Latitude: 43.263, Longitude: -2.935})
	if err != nil {
		t.Fatal(err)
	}
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/api/locations", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var locations []struct {
		Name      string `json:"name"`
		IsDefault bool   `json:"is_default"`
		Active    bool   `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &locations); err != nil {
		t.Fatal(err)
	}
	if len(locations) != 2 {
		t.Fatalf("got %d locations, want 2 including inactive", len(locations))
	}
}

func TestChartEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)

	rows := make([]models.ForecastRow, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, models.ForecastRow{
			Location: "Santander",
			Date:     today().AddDate(0, 0, i),
			Mode:     "normal",
			Seasonal: 15.0 + float64(i)*0.2,
			Final:    16.0 - float64(i)*0.3,
		})
	}
	if err := s.SaveForecasts(rows); err != nil {
		t.Fatal(err)
	}
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/forecast.png", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("response body is not a PNG")
	}
}

func TestChartEndpoint_NoStoredForecast(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seedLocation(t, s, "Santander", true)
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/forecast.png", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRunsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)

	trainID, err := s.StartTrainingRun("normal")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTrainingRun(trainID, 2, 1, 8000, nil); err != nil {
		t.Fatal(err)
	}
	ingestID, err := s.StartIngestRun("Santander", "archive")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteIngestRun(ingestID, 31, 31, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreRawPayload(ingestID, "openmeteo", "archive", "Santander", []byte(`{"daily":{}}`)); err != nil {
		t.Fatal(err)
	}
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/api/runs", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Training []struct {
			Mode             string `json:"mode"`
			LocationsTrained int    `json:"locations_trained"`
			CompletedAt      string `json:"completed_at"`
		} `json:"training"`
		Ingest []struct {
			Location   string `json:"location"`
			Endpoint   string `json:"endpoint"`
			RowsStored int    `json:"rows_stored"`
		} `json:"ingest"`
		Payloads struct {
			Count         int            `json:"count"`
			CountBySource map[string]int `json:"count_by_source"`
		} `json:"payloads"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if len(resp.Training) != 1 || resp.Training[0].Mode != "normal" {
		t.Errorf("training runs = %+v, want one normal run", resp.Training)
	}
	if resp.Training[0].CompletedAt == "" {
		t.Error("expected completed_at on finished training run")
	}
	if len(resp.Ingest) != 1 || resp.Ingest[0].Endpoint != "archive" || resp.Ingest[0].RowsStored != 31 {
		t.Errorf("ingest runs = %+v, want one archive run with 31 rows", resp.Ingest)
	}
	if resp.Payloads.Count != 1 || resp.Payloads.CountBySource["openmeteo"] != 1 {
		t.Errorf("payload stats = %+v, want one openmeteo payload", resp.Payloads)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)

	alerts := []models.Alert{{
		Kind:     "frost_risk",
		Location: "Santander",
		Date:     today().AddDate(0, 0, 1),
		Value:    -1.5,
		Message:  "Frost risk in Santander",
	}}
	if err := s.MarkAlertsSent(alerts, time.Now()); err != nil {
		t.Fatal(err)
	}
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/api/alerts", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var out []struct {
		Kind     string  `json:"kind"`
		Location string  `json:"location"`
		Value    float64 `json:"value"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Kind != "frost_risk" || out[0].Value != -1.5 {
		t.Errorf("alerts = %+v, want one frost_risk at -1.5", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, ":8080")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics in scrape output")
	}
}
