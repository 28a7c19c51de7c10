package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avelar/meteocast/internal/models"
	"github.com/avelar/meteocast/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	st := store.New(db)
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// meteoDays serializes a daily block of n days from start. Temperatures
// are null from nullFrom on, wind direction is always present.
func meteoDays(t *testing.T, start time.Time, n int, nullFrom time.Time) []byte {
	t.Helper()
	var times []string
	var temps, winds []*float64
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i)
		times = append(times, d.Format(dateLayout))
		w := 200.0
		winds = append(winds, &w)
		if !nullFrom.IsZero() && !d.Before(nullFrom) {
			temps = append(temps, nil)
		} else {
			v := 15.0
			temps = append(temps, &v)
		}
	}
	payload, err := json.Marshal(meteoResponse{Daily: meteoDaily{Time: times, TempMean: temps, WindDir: winds}})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestServiceBackfill_ReplacesHistory(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	histStart := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	var days atomic.Int32
	days.Store(3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("start_date"); got != "2023-06-01" {
			t.Errorf("start_date = %q, want 2023-06-01", got)
		}
		if got := q.Get("end_date"); got != "2023-06-14" {
			t.Errorf("end_date = %q, want 2023-06-14", got)
		}
		w.Write(meteoDays(t, histStart, int(days.Load()), time.Time{}))
	}))
	defer srv.Close()

	st := setupStore(t)
	svc := NewService(st, newTestMeteo(srv, now), histStart)
	svc.now = func() time.Time { return now }

	n, err := svc.Backfill(context.Background(), santander)
	if err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Backfill() = %d, want 3", n)
	}
	if count, _ := st.CountObservations("Santander"); count != 3 {
		t.Errorf("CountObservations = %d, want 3", count)
	}

	runs, err := st.RecentIngestRuns(1)
	if err != nil {
		t.Fatalf("RecentIngestRuns() error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Location != "Santander" || run.Endpoint != "archive" {
		t.Errorf("run = %s/%s, want Santander/archive", run.Location, run.Endpoint)
	}
	if !run.CompletedAt.Valid {
		t.Error("run not marked completed")
	}
	if run.RowsFetched != 3 || run.RowsStored != 3 {
		t.Errorf("run rows = %d/%d, want 3/3", run.RowsFetched, run.RowsStored)
	}
	if run.Error.Valid {
		t.Errorf("run.Error = %q, want null", run.Error.String)
	}

	// A second backfill replaces, never accumulates.
	days.Store(2)
	if _, err := svc.Backfill(context.Background(), santander); err != nil {
		t.Fatalf("second Backfill() error: %v", err)
	}
	if count, _ := st.CountObservations("Santander"); count != 2 {
		t.Errorf("CountObservations after replace = %d, want 2", count)
	}

	// Both responses differed, so both land in the payload archive.
	stats, err := st.GetRawPayloadStats()
	if err != nil {
		t.Fatalf("GetRawPayloadStats() error: %v", err)
	}
	if stats.TotalCount != 2 {
		t.Errorf("archived payloads = %d, want 2", stats.TotalCount)
	}
	if stats.CountBySource["openmeteo"] != 2 {
		t.Errorf("openmeteo payloads = %d, want 2", stats.CountBySource["openmeteo"])
	}
}

func TestServiceRefresh_KeepsNullTailTemps(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	today := dateOnly(now)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("past_days"); got != "31" {
			t.Errorf("past_days = %q, want 31", got)
		}
		// Two measured days, then today plus two future covariate days.
		w.Write(meteoDays(t, today.AddDate(0, 0, -2), 5, today))
	}))
	defer srv.Close()

	st := setupStore(t)
	svc := NewService(st, newTestMeteo(srv, now), today.AddDate(0, 0, -365))
	svc.now = func() time.Time { return now }

	stored, err := svc.Refresh(context.Background(), santander)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if stored != 5 {
		t.Errorf("Refresh() = %d, want 5", stored)
	}

	rows, err := st.LoadObservations("Santander")
	if err != nil {
		t.Fatalf("LoadObservations() error: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("len(rows) = %d, want 5", len(rows))
	}
	for _, r := range rows {
		wantTemp := r.Date.Before(today)
		if r.TempMean.Valid != wantTemp {
			t.Errorf("%s TempMean.Valid = %v, want %v", r.Date.Format(dateLayout), r.TempMean.Valid, wantTemp)
		}
		if !r.WindDir.Valid || r.WindDir.Float64 != 200 {
			t.Errorf("%s WindDir = %+v, want 200", r.Date.Format(dateLayout), r.WindDir)
		}
	}

	// Refreshing again upserts in place.
	if _, err := svc.Refresh(context.Background(), santander); err != nil {
		t.Fatalf("second Refresh() error: %v", err)
	}
	if count, _ := st.CountObservations("Santander"); count != 5 {
		t.Errorf("CountObservations after second refresh = %d, want 5", count)
	}

	runs, err := st.RecentIngestRuns(1)
	if err != nil {
		t.Fatalf("RecentIngestRuns() error: %v", err)
	}
	if runs[0].Endpoint != "forecast" {
		t.Errorf("run.Endpoint = %q, want forecast", runs[0].Endpoint)
	}
}

func TestServiceRefreshAll_ContinuesPastFailures(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	today := dateOnly(now)
	bilbao := models.Location{Name: "Bilbao", Latitude: 43.263, Longitude: -2.935, Active: true}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latitude") == "43.2630" {
			http.Error(w, "no data for point", http.StatusNotFound)
			return
		}
		w.Write(meteoDays(t, today.AddDate(0, 0, -2), 2, time.Time{}))
	}))
	defer srv.Close()

	st := setupStore(t)
	active := santander
	active.Active = true
	for _, loc := range []models.Location{bilbao, active} {
		if err := st.UpsertLocation(loc); err != nil {
			t.Fatalf("UpsertLocation(%s): %v", loc.Name, err)
		}
	}

	svc := NewService(st, newTestMeteo(srv, now), today.AddDate(0, 0, -365))
	svc.now = func() time.Time { return now }

	if err := svc.RefreshAll(context.Background()); err == nil {
		t.Error("RefreshAll() = nil, want Bilbao failure")
	}

	if count, _ := st.CountObservations("Santander"); count != 2 {
		t.Errorf("Santander rows = %d, want 2", count)
	}
	if count, _ := st.CountObservations("Bilbao"); count != 0 {
		t.Errorf("Bilbao rows = %d, want 0", count)
	}

	runs, err := st.RecentIngestRuns(2)
	if err != nil {
		t.Fatalf("RecentIngestRuns() error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	failed := 0
	for _, run := range runs {
		if run.Error.Valid {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed runs = %d, want 1", failed)
	}
}
