package incident

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event, _ *model.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestIncidentLifecycle(t *testing.T) {
	n := &recordingNotifier{}
	svc := New(storetest.Open(t), n, nil, nil)
	ctx := context.Background()

	inc, err := svc.ReportIncident(ctx, "Leaked sheet", "shared publicly", model.SeverityMedium, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if inc.Status != model.StatusOpen {
		t.Errorf("status = %s", inc.Status)
	}

	if _, err := svc.EscalateIncident(ctx, inc.ID, model.SeverityLow, "oops", "u1"); !errors.Is(err, ErrNotHigher) {
		t.Errorf("lower escalation err = %v", err)
	}
	inc, err = svc.EscalateIncident(ctx, inc.ID, model.SeverityCritical, "customer data", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.EscalationHistory) != 1 {
		t.Fatalf("history = %v", inc.EscalationHistory)
	}
	esc := inc.EscalationHistory[0]
	if esc.From != model.SeverityMedium || esc.To != model.SeverityCritical {
		t.Errorf("escalation recorded %s -> %s", esc.From, esc.To)
	}

	if _, err := svc.UpdateIncidentStatus(ctx, inc.ID, model.StatusResolved, "u1"); err != nil {
		t.Fatal(err)
	}
	active, _ := svc.GetActiveIncidents(ctx)
	if len(active) != 0 {
		t.Errorf("resolved incident still active")
	}

	if _, err := svc.UpdateIncidentStatus(ctx, "missing", model.StatusClosed, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown incident err = %v", err)
	}
	if _, err := svc.UpdateIncidentStatus(ctx, inc.ID, "Paused", "u1"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad status err = %v", err)
	}

	want := []Event{EventReported, EventEscalated, EventStatus}
	if len(n.events) != len(want) {
		t.Fatalf("events = %v", n.events)
	}
	for i := range want {
		if n.events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, n.events[i], want[i])
		}
	}
}

func TestActiveOrdering(t *testing.T) {
	svc := New(storetest.Open(t), &recordingNotifier{}, nil, nil)
	ctx := context.Background()
	low, _ := svc.ReportIncident(ctx, "low", "", model.SeverityLow, "u")
	high, _ := svc.ReportIncident(ctx, "high", "", model.SeverityHigh, "u")
	closed, _ := svc.ReportIncident(ctx, "closed", "", model.SeverityCritical, "u")
	svc.UpdateIncidentStatus(ctx, closed.ID, model.StatusClosed, "u")

	active, err := svc.GetActiveIncidents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != high.ID || active[1].ID != low.ID {
		t.Errorf("active = %+v", active)
	}
}

func TestReportValidation(t *testing.T) {
	svc := New(storetest.Open(t), &recordingNotifier{}, nil, nil)
	if _, err := svc.ReportIncident(context.Background(), "", "", model.SeverityLow, "u"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("empty title err = %v", err)
	}
	if _, err := svc.ReportIncident(context.Background(), "x", "", model.Severity(9), "u"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad severity err = %v", err)
	}
}
