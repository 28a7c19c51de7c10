// Package ingest pulls observation history from the Open-Meteo APIs
// and the NOAA GSOD archive, cleans it and lands it in the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avelar/meteocast/internal/metrics"
	"github.com/avelar/meteocast/internal/models"
	"github.com/avelar/meteocast/internal/store"
)

// refreshWindowDays is how far back a routine refresh re-reads. Open-Meteo
// revises recent days as late observations arrive, so the refresh window
// overlaps history already stored.
const refreshWindowDays = 31

type Service struct {
	store *store.Store
	meteo *OpenMeteo
	start time.Time
	now   func() time.Time
}

// NewService wires the downloader to the store. start bounds how far
// back Backfill reaches.
func NewService(st *store.Store, meteo *OpenMeteo, start time.Time) *Service {
	return &Service{store: st, meteo: meteo, start: start, now: time.Now}
}

// Backfill replaces the location's stored history with the full archive
// from the service start date up to yesterday.
func (s *Service) Backfill(ctx context.Context, loc models.Location) (int, error) {
	runID := s.startRun(loc.Name, "archive")

	yesterday := dateOnly(s.now().UTC()).AddDate(0, 0, -1)
	obs, raw, err := s.meteo.FetchRange(ctx, loc, s.start, yesterday)
	if err != nil {
		s.completeRun(runID, 0, 0, err)
		return 0, fmt.Errorf("backfill %s: %w", loc.Name, err)
	}
	s.archivePayload(runID, "openmeteo", "archive", loc.Name, raw)

	cleaned := Clean(obs)
	if err := s.store.ReplaceObservations(loc.Name, cleaned); err != nil {
		s.completeRun(runID, len(obs), 0, err)
		return 0, fmt.Errorf("backfill %s: %w", loc.Name, err)
	}

	s.completeRun(runID, len(obs), len(cleaned), nil)
	metrics.ObservationsIngested.WithLabelValues(loc.Name).Add(float64(len(cleaned)))
	log.Printf("ingest: %s: replaced history with %d rows", loc.Name, len(cleaned))
	return len(cleaned), nil
}

// Refresh re-reads the last month plus the forecast tail and upserts it.
// Only measured history is gap-filled; tail rows keep null temperatures
// so future covariates are never mistaken for observations.
func (s *Service) Refresh(ctx context.Context, loc models.Location) (int, error) {
	runID := s.startRun(loc.Name, "forecast")

	today := dateOnly(s.now().UTC())
	obs, raw, err := s.meteo.FetchRange(ctx, loc, today.AddDate(0, 0, -refreshWindowDays), today)
	if err != nil {
		s.completeRun(runID, 0, 0, err)
		return 0, fmt.Errorf("refresh %s: %w", loc.Name, err)
	}
	s.archivePayload(runID, "openmeteo", "forecast", loc.Name, raw)

	var past, tail []models.Observation
	for _, o := range obs {
		if o.Date.Before(today) {
			past = append(past, o)
		} else {
			tail = append(tail, o)
		}
	}
	cleaned := Clean(past)
	for i := range tail {
		tail[i].Date = dateOnly(tail[i].Date)
		clampBounds(&tail[i])
	}
	cleaned = append(cleaned, tail...)

	stored, err := s.store.UpsertObservations(cleaned)
	if err != nil {
		s.completeRun(runID, len(obs), 0, err)
		return 0, fmt.Errorf("refresh %s: %w", loc.Name, err)
	}

	s.completeRun(runID, len(obs), stored, nil)
	metrics.ObservationsIngested.WithLabelValues(loc.Name).Add(float64(stored))
	log.Printf("ingest: %s: refreshed %d rows", loc.Name, stored)
	return stored, nil
}

// RefreshAll refreshes every active location, continuing past
// per-location failures.
func (s *Service) RefreshAll(ctx context.Context) error {
	locations, err := s.store.GetLocations(true)
	if err != nil {
		return fmt.Errorf("refresh all: %w", err)
	}

	var errs []error
	for _, loc := range locations {
		if _, err := s.Refresh(ctx, loc); err != nil {
			log.Printf("ingest: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BackfillGSOD loads station-year files for history beyond the archive
// API's reach. Upserts, so reanalysis rows already stored win on replace.
func (s *Service) BackfillGSOD(loc models.Location, station string, fromYear, toYear int) (int, error) {
	if station == "" {
		station = defaultGSODStation
	}
	gsod := NewGSOD(station)
	total := 0
	for year := fromYear; year <= toYear; year++ {
		runID := s.startRun(loc.Name, "gsod")

		obs, raw, err := gsod.FetchYear(loc.Name, year)
		if err != nil {
			s.completeRun(runID, 0, 0, err)
			return total, fmt.Errorf("gsod %s %d: %w", loc.Name, year, err)
		}
		s.archivePayload(runID, "gsod", fmt.Sprintf("%s-%d", station, year), loc.Name, raw)

		cleaned := Clean(obs)
		stored, err := s.store.UpsertObservations(cleaned)
		if err != nil {
			s.completeRun(runID, len(obs), 0, err)
			return total, fmt.Errorf("gsod %s %d: %w", loc.Name, year, err)
		}

		s.completeRun(runID, len(obs), stored, nil)
		metrics.ObservationsIngested.WithLabelValues(loc.Name).Add(float64(stored))
		log.Printf("ingest: %s: gsod %d loaded %d rows", loc.Name, year, stored)
		total += stored
	}
	return total, nil
}

// archivePayload keeps the raw response; a failure to archive never
// fails the ingest itself.
func (s *Service) archivePayload(runID int64, source, endpoint, location string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	if _, err := s.store.StoreRawPayload(runID, source, endpoint, location, raw); err != nil {
		log.Printf("ingest: %s: archive %s payload: %v", location, source, err)
	}
}

func (s *Service) startRun(location, endpoint string) int64 {
	id, err := s.store.StartIngestRun(location, endpoint)
	if err != nil {
		log.Printf("ingest: record run start: %v", err)
		return 0
	}
	return id
}

func (s *Service) completeRun(id int64, fetched, stored int, runErr error) {
	if id == 0 {
		return
	}
	if err := s.store.CompleteIngestRun(id, fetched, stored, runErr); err != nil {
		log.Printf("ingest: record run completion: %v", err)
	}
}
