package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recobox_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RecommendationsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recobox_recommendations_total",
			Help: "Recommendation responses by provenance",
		},
		[]string{"source", "cached"},
	)

	RecommendationItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recobox_recommendation_items",
			Help:    "Number of items returned per recommendation",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	WeatherLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recobox_weather_lookups_total",
			Help: "Weather lookups by outcome (cache, api, fallback reason)",
		},
		[]string{"outcome"},
	)

	IngestRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recobox_ingest_rows_total",
			Help: "Transaction rows processed by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recobox_ingest_duration_seconds",
			Help:    "Duration of transaction file ingestion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	StoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recobox_ingest_store_failures_total",
			Help: "Per-store ingestion units that failed to persist",
		},
	)

	MergeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recobox_merge_retries_total",
			Help: "Additive merges retried after a write conflict",
		},
		[]string{"table"},
	)

	CategoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recobox_category_lookups_total",
			Help: "Category record lookups by source",
		},
		[]string{"source"},
	)

	ClassifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recobox_classifier_calls_total",
			Help: "Product classifier calls by classifier and result",
		},
		[]string{"classifier", "result"},
	)
)

func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func ObserveRecommendation(source string, cached bool, items int) {
	RecommendationsServed.WithLabelValues(source, strconv.FormatBool(cached)).Inc()
	RecommendationItems.Observe(float64(items))
}
