package dlp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/klytics/sheetkit/internal/classify"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

func newService(t *testing.T, policy *config.Policy) *Service {
	t.Helper()
	c, err := classify.NewClassifier(policy)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := New(storetest.Open(t), c, policy, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestAddCustomDLPPolicy(t *testing.T) {
	svc := newService(t, nil)
	if err := svc.AddCustomDLPPolicy(nil); !errors.Is(err, ErrNilPolicy) {
		t.Errorf("nil policy err = %v", err)
	}
	if err := svc.AddCustomDLPPolicy(&Policy{Name: "x", Classifications: []string{"SSN"}, Action: "shred"}); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad action err = %v", err)
	}
	if err := svc.AddCustomDLPPolicy(&Policy{Name: "x", Classifications: []string{"Nope"}, Action: ActionWarn}); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("unknown classification err = %v", err)
	}
	if err := svc.AddCustomDLPPolicy(&Policy{Name: "Mail audit", Classifications: []string{"Email"}, Action: ActionAudit}); err != nil {
		t.Fatal(err)
	}
	if n := len(svc.Policies()); n != 4 {
		t.Errorf("policies = %d, want 4", n)
	}
}

func TestCheckValue(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	if err := svc.CheckValue(ctx, "u", "r", "078-05-1120"); !errors.Is(err, ErrBlocked) {
		t.Errorf("SSN err = %v, want ErrBlocked", err)
	}
	if err := svc.CheckValue(ctx, "u", "r", "bob@example.com"); err != nil {
		t.Errorf("single email should pass, got %v", err)
	}
	if err := svc.CheckValue(ctx, "u", "r", "hello"); err != nil {
		t.Errorf("plain value err = %v", err)
	}
}

func TestApplyDLPPoliciesPerCell(t *testing.T) {
	p := &config.Policy{}
	p.DLP.DisableDefaults = true
	p.DLP.Policies = []config.DLPPolicySpec{
		{Name: "Cards", Classifications: []string{"CreditCard"}, Action: "block"},
		{Name: "Mail", Classifications: []string{"Email"}, Action: "warn", MinMatches: 3},
	}
	svc := newService(t, p)
	ctx := context.Background()
	st := svc.store
	owner := storetest.User(t, st, "owner")
	wb, ws := storetest.Workbook(t, st, owner, "Leads")

	cells := map[string]string{"A1": "4111111111111111", "B1": "123-45-6789"}
	for i := 1; i <= 2; i++ {
		cells[fmt.Sprintf("C%d", i)] = fmt.Sprintf("user%d@example.com", i)
	}
	storetest.Cells(t, st, ws, cells)

	rep, err := svc.ApplyDLPPolicies(ctx, wb.ID)
	if err != nil {
		t.Fatal(err)
	}
	// SSN has no policy once defaults are disabled, and two emails stay
	// under the threshold of three.
	if rep.Total != 1 || !rep.Blocked {
		t.Fatalf("report = %+v", rep)
	}
	v := rep.Violations["Sheet1"][0]
	if v.Cell != "A1" || v.Policy != "Cards" {
		t.Errorf("violation = %+v", v)
	}

	storetest.Cells(t, st, ws, map[string]string{"C3": "user3@example.com"})
	rep, _ = svc.ApplyDLPPolicies(ctx, wb.ID)
	if rep.Total != 4 {
		t.Errorf("total with emails over threshold = %d, want 4", rep.Total)
	}
}
