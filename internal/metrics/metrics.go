package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collectorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleetstats", Subsystem: "collector", Name: "runs_total", Help: "Aggregation runs by outcome"},
		[]string{"outcome"},
	)
	collectorDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{Namespace: "fleetstats", Subsystem: "collector", Name: "run_seconds", Help: "Aggregation run duration"},
	)
	recordsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleetstats", Subsystem: "rollup", Name: "records_skipped_total", Help: "Usage records dropped during aggregation"},
		[]string{"reason"},
	)
	rollupRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleetstats", Subsystem: "rollup", Name: "rows_upserted_total", Help: "Rollup rows written"},
		[]string{"table"},
	)
	dbLatency = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{Namespace: "fleetstats", Subsystem: "db", Name: "latency_seconds", Help: "DB operation latency"},
		[]string{"op"},
	)
	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleetstats", Subsystem: "cache", Name: "ops_total", Help: "Cache lookups by result"},
		[]string{"result"},
	)
	geocodeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleetstats", Subsystem: "geo", Name: "lookups_total", Help: "Geocoder lookups by source"},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(collectorRuns, collectorDuration, recordsSkipped, rollupRows, dbLatency, cacheOps, geocodeCalls)
}

func IncRun(outcome string)                { collectorRuns.WithLabelValues(outcome).Inc() }
func ObserveRun(d time.Duration)           { collectorDuration.Observe(d.Seconds()) }
func IncSkipped(reason string)             { recordsSkipped.WithLabelValues(reason).Inc() }
func AddRollupRows(table string, n int)    { rollupRows.WithLabelValues(table).Add(float64(n)) }
func ObserveDB(op string, d time.Duration) { dbLatency.WithLabelValues(op).Observe(d.Seconds()) }
func IncCache(result string)               { cacheOps.WithLabelValues(result).Inc() }
func IncGeocode(source string)             { geocodeCalls.WithLabelValues(source).Inc() }

func Handler() http.Handler { return promhttp.Handler() }
