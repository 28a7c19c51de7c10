package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MeteoAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteocast_meteo_api_calls_total",
			Help: "Total Open-Meteo API calls",
		},
		[]string{"location", "endpoint", "status"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteocast_observations_ingested_total",
			Help: "Total observation rows successfully stored",
		},
		[]string{"location"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meteocast_training_duration_seconds",
			Help:    "Wall time of one training run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"mode"},
	)

	ForecastsProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteocast_forecasts_produced_total",
			Help: "Total forecast rows produced",
		},
		[]string{"location", "mode"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meteocast_alerts_sent_total",
			Help: "Total alerts dispatched to any channel",
		},
		[]string{"kind"},
	)
)
