// Package api serves the stored forecasts and observations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avelar/meteocast/internal/store"
)

type Server struct {
	store *store.Store
	addr  string
	now   func() time.Time
}

// NewServer serves the given store on addr ("host:port" or ":port").
func NewServer(store *store.Store, addr string) *Server {
	return &Server{
		store: store,
		addr:  addr,
		now:   time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/forecast", s.handleForecast)
	mux.HandleFunc("/api/observations", s.handleObservations)
	mux.HandleFunc("/api/locations", s.handleLocations)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/forecast.png", s.handleChart)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
