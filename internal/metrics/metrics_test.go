package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/v1/workbooks", "200"))
	ObserveRequest("GET", "/api/v1/workbooks", 200, 3*time.Millisecond)
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/v1/workbooks", "200")); got != before+1 {
		t.Errorf("requests = %v, want %v", got, before+1)
	}

	ObserveRequest("GET", "", 404, time.Millisecond)
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404")); got < 1 {
		t.Errorf("unmatched = %v", got)
	}

	FormulaEvaluated(errors.New("bad"))
	if got := testutil.ToFloat64(formulaEvals.WithLabelValues("error")); got < 1 {
		t.Errorf("formula errors = %v", got)
	}

	Imported("watch", nil)
	if got := testutil.ToFloat64(imports.WithLabelValues("watch", "processed")); got < 1 {
		t.Errorf("imports = %v", got)
	}
}

func TestHandler(t *testing.T) {
	EventDropped()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "sheetkit_collab_events_dropped_total") {
		t.Error("dropped counter not exported")
	}
}
