// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sheetkit"

var (
	// Labels: method, route, status
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served",
	}, []string{"method", "route", "status"})

	// Labels: method, route
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	})

	// Labels: kind (value, formula, clear)
	cellWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cells",
		Name:      "writes_total",
		Help:      "Cell writes by kind",
	}, []string{"kind"})

	// Labels: result (ok, error)
	formulaEvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "formula",
		Name:      "evaluations_total",
		Help:      "Ad hoc formula evaluations",
	}, []string{"result"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collab",
		Name:      "events_dropped_total",
		Help:      "Change events dropped for slow subscribers",
	})

	// Labels: source (api, watch), status (processed, failed)
	imports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "xlsx",
		Name:      "imports_total",
		Help:      "Workbook imports",
	}, []string{"source", "status"})
)

// ObserveRequest records one served request.
func ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RateLimited counts a throttled request.
func RateLimited() { rateLimited.Inc() }

// CellWritten counts a cell write of the given kind.
func CellWritten(kind string) { cellWrites.WithLabelValues(kind).Inc() }

// FormulaEvaluated counts an evaluation and its outcome.
func FormulaEvaluated(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	formulaEvals.WithLabelValues(result).Inc()
}

// EventDropped counts a collaboration event a subscriber missed.
func EventDropped() { eventsDropped.Inc() }

// Imported counts a workbook import from source.
func Imported(source string, err error) {
	status := "processed"
	if err != nil {
		status = "failed"
	}
	imports.WithLabelValues(source, status).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }
