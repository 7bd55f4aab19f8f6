// Package metrics exposes Prometheus counters for the ward workflows. All
// Record methods are safe on a nil *Collector so services can run without
// metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipd"

type Collector struct {
	registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	admissions        *prometheus.CounterVec
	bedReservations   *prometheus.CounterVec
	ledgerEntries     *prometheus.CounterVec
	discharges        *prometheus.CounterVec
	dischargeSteps    *prometheus.CounterVec
	dischargeStepTime *prometheus.HistogramVec
}

// NewCollector registers every metric on a fresh registry that also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	m := &Collector{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission attempts by outcome",
		}, []string{"outcome"}),
		bedReservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bed_reservations_total",
			Help:      "Bed reservation attempts by outcome",
		}, []string{"room_category", "outcome"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended by category; replays of an idempotency key are counted separately",
		}, []string{"category", "outcome"}),
		discharges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discharges_total",
			Help:      "Discharge requests by outcome",
		}, []string{"outcome"}),
		dischargeSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discharge_step_attempts_total",
			Help:      "Discharge saga step attempts by step and result",
		}, []string{"step", "result"}),
		dischargeStepTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discharge_step_duration_seconds",
			Help:      "Duration of discharge saga steps",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"step"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.admissions,
		m.bedReservations,
		m.ledgerEntries,
		m.discharges,
		m.dischargeSteps,
		m.dischargeStepTime,
	)
	return m
}

func (m *Collector) Registry() *prometheus.Registry { return m.registry }

func (m *Collector) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *Collector) RecordBedReservation(roomCategory, outcome string) {
	if m == nil {
		return
	}
	m.bedReservations.WithLabelValues(roomCategory, outcome).Inc()
}

func (m *Collector) RecordLedgerEntry(category, outcome string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(category, outcome).Inc()
}

func (m *Collector) RecordDischarge(outcome string) {
	if m == nil {
		return
	}
	m.discharges.WithLabelValues(outcome).Inc()
}

func (m *Collector) RecordDischargeStep(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dischargeSteps.WithLabelValues(step, result).Inc()
	m.dischargeStepTime.WithLabelValues(step).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Collector) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency labelled by route template.
func (m *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
