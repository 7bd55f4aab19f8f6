package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var m *Collector
	m.RecordAdmission("admitted")
	m.RecordBedReservation("ICU", "reserved")
	m.RecordLedgerEntry("MEDICINE", "appended")
	m.RecordDischarge("completed")
	m.RecordDischargeStep("discharge_bill", "ok", time.Millisecond)
}

func TestCollector_Counts(t *testing.T) {
	m := NewCollector()
	m.RecordDischarge("completed")
	m.RecordDischarge("completed")
	m.RecordDischarge("partial")

	if got := testutil.ToFloat64(m.discharges.WithLabelValues("completed")); got != 2 {
		t.Errorf("expected 2 completed discharges, got %v", got)
	}
	if got := testutil.ToFloat64(m.discharges.WithLabelValues("partial")); got != 1 {
		t.Errorf("expected 1 partial discharge, got %v", got)
	}
}

func TestCollector_HandlerExposesMetrics(t *testing.T) {
	m := NewCollector()
	m.RecordBedReservation("ICU", "unavailable")

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/metrics", m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `ipd_bed_reservations_total{outcome="unavailable",room_category="ICU"} 1`) {
		t.Errorf("expected bed reservation counter in output, got:\n%s", rec.Body.String())
	}
}
