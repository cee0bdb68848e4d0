package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RemoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coolweather_remote_calls_total",
			Help: "Total remote provider calls",
		},
		[]string{"kind", "status"},
	)

	RemoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coolweather_remote_latency_seconds",
			Help:    "Remote provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RegionResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coolweather_region_resolutions_total",
			Help: "Region resolutions by level and origin (local, remote, error)",
		},
		[]string{"level", "origin"},
	)

	RegionRowsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coolweather_region_rows_persisted_total",
			Help: "Region rows written to the store",
		},
		[]string{"level"},
	)

	WeatherCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coolweather_weather_cache_lookups_total",
			Help: "Weather snapshot cache lookups by result (hit, miss, corrupt)",
		},
		[]string{"result"},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coolweather_parse_failures_total",
			Help: "Payloads rejected by a parser",
		},
		[]string{"parser"},
	)
)
