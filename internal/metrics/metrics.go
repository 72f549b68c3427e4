// Package metrics holds the Prometheus collectors shared by the forecast
// pipeline, the result cache and the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PredictionsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airquality_predictions_generated_total",
		Help: "Total number of successful pollutant predictions.",
	}, []string{"pollutant"})

	PredictionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airquality_predictions_failed_total",
		Help: "Total number of pollutant predictions that failed.",
	}, []string{"pollutant"})

	ForecastHoursDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airquality_forecast_hours_dropped_total",
		Help: "Forecast hours dropped because at least one pollutant prediction failed.",
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airquality_cache_requests_total",
		Help: "Result cache lookups by outcome (hit, miss).",
	}, []string{"result"})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airquality_cache_errors_total",
		Help: "Result cache backend failures that were degraded to miss or no-op.",
	}, []string{"op"})

	LocationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airquality_pipeline_location_outcomes_total",
		Help: "Collection pipeline outcomes per location and error kind.",
	}, []string{"location", "kind"})

	RecordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airquality_pipeline_records_persisted_total",
		Help: "Forecast records written by the collection pipeline.",
	})

	RecordsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airquality_retention_records_deleted_total",
		Help: "Forecast records deleted by retention cleanup.",
	})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airquality_scheduler_job_duration_seconds",
		Help:    "Duration of scheduled job runs.",
		Buckets: []float64{0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0},
	}, []string{"job"})

	ObservationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airquality_ground_messages_received_total",
		Help: "Ground-station messages received over MQTT.",
	})
)
