package sheets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/classify"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/dlp"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

type fixture struct {
	svc    *Service
	store  *store.Store
	hub    *collab.Hub
	collab *collab.Service
	owner  *model.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := storetest.Open(t)
	kvs, err := kv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvs.Close() })

	az := authz.New(st, kvs, nil, time.Minute, nil)
	hub := collab.NewHub(256, nil)
	co := collab.New(st, az, hub, nil, nil, nil)
	c, err := classify.NewClassifier(nil)
	if err != nil {
		t.Fatal(err)
	}
	guard, err := dlp.New(st, c, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := New(st, az, Options{
		Formulas: formula.New(st, nil),
		Guard:    guard,
		Sessions: co,
		Events:   hub,
	})
	return &fixture{svc: svc, store: st, hub: hub, collab: co, owner: storetest.User(t, st, "owner")}
}

func TestWorkbookLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	wb, err := f.svc.CreateWorkbook(ctx, f.owner.ID, "Budget")
	if err != nil {
		t.Fatal(err)
	}
	sheets, err := f.svc.ListWorksheets(ctx, f.owner.ID, wb.ID)
	if err != nil || len(sheets) != 1 || sheets[0].Name != DefaultSheetName {
		t.Fatalf("worksheets = %+v, %v", sheets, err)
	}

	shared := true
	if err := f.svc.UpdateWorkbook(ctx, f.owner.ID, wb.ID, "Budget 2025", &shared); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.GetWorkbook(ctx, f.owner.ID, wb.ID)
	if got.Name != "Budget 2025" || !got.IsShared {
		t.Errorf("workbook = %+v", got)
	}

	if _, err := f.svc.CreateWorkbook(ctx, f.owner.ID, ""); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("empty name err = %v", err)
	}

	list, total, err := f.svc.ListWorkbooks(ctx, f.owner.ID, 1, 10)
	if err != nil || total != 1 || len(list) != 1 {
		t.Errorf("list = %v total %d err %v", list, total, err)
	}

	stranger := storetest.User(t, f.store, "stranger")
	if _, err := f.svc.GetWorkbook(ctx, stranger.ID, wb.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("stranger read err = %v", err)
	}
	if err := f.svc.DeleteWorkbook(ctx, f.owner.ID, wb.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetWorkbook(ctx, f.owner.ID, wb.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted workbook err = %v", err)
	}
}

func TestWorksheets(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, _ := f.svc.CreateWorkbook(ctx, f.owner.ID, "Plan")
	sheets, _ := f.svc.ListWorksheets(ctx, f.owner.ID, wb.ID)
	first := sheets[0]

	if err := f.svc.DeleteWorksheet(ctx, f.owner.ID, wb.ID, first.ID); !errors.Is(err, ErrLastWorksheet) {
		t.Fatalf("deleting last worksheet err = %v", err)
	}

	second, err := f.svc.CreateWorksheet(ctx, f.owner.ID, wb.ID, "Data")
	if err != nil {
		t.Fatal(err)
	}
	if second.Position != 1 {
		t.Errorf("position = %d, want 1", second.Position)
	}
	if _, err := f.svc.CreateWorksheet(ctx, f.owner.ID, wb.ID, "Data"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate name err = %v", err)
	}
	if _, err := f.svc.CreateWorksheet(ctx, f.owner.ID, wb.ID, "bad/name"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("invalid name err = %v", err)
	}
	if _, err := f.svc.CreateWorksheet(ctx, f.owner.ID, wb.ID, "data"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("name differing only in case err = %v", err)
	}
	if _, err := f.svc.RenameWorksheet(ctx, f.owner.ID, wb.ID, second.ID, first.Name); !errors.Is(err, store.ErrConflict) {
		t.Errorf("rename onto an existing name err = %v", err)
	}
	if _, err := f.svc.RenameWorksheet(ctx, f.owner.ID, wb.ID, second.ID, "SHEET1"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("rename onto an existing name in another case err = %v", err)
	}
	if _, err := f.svc.RenameWorksheet(ctx, f.owner.ID, wb.ID, second.ID, "Inputs"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteWorksheet(ctx, f.owner.ID, wb.ID, first.ID); err != nil {
		t.Fatal(err)
	}
	sheets, _ = f.svc.ListWorksheets(ctx, f.owner.ID, wb.ID)
	if len(sheets) != 1 || sheets[0].Name != "Inputs" {
		t.Errorf("worksheets = %+v", sheets)
	}
}

func newSheet(t *testing.T, f *fixture) (*model.Workbook, *model.Worksheet) {
	t.Helper()
	ctx := context.Background()
	wb, err := f.svc.CreateWorkbook(ctx, f.owner.ID, "Cells")
	if err != nil {
		t.Fatal(err)
	}
	sheets, err := f.svc.ListWorksheets(ctx, f.owner.ID, wb.ID)
	if err != nil {
		t.Fatal(err)
	}
	return wb, &sheets[0]
}

func TestUpdateCellAndFormulas(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, ws := newSheet(t, f)
	sub := f.hub.Subscribe(wb.ID, "watcher")
	defer sub.Close()

	empty, err := f.svc.GetCell(ctx, f.owner.ID, wb.ID, ws.ID, "c9")
	if err != nil || empty.Reference != "C9" || empty.Version != 0 || !empty.IsEmpty() {
		t.Fatalf("unset cell = %+v, %v", empty, err)
	}

	for ref, v := range map[string]string{"A1": "2", "A2": "3"} {
		if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: ref, Value: v}); err != nil {
			t.Fatal(err)
		}
	}
	sum, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "a3", Formula: "SUM(A1:A2)"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reference != "A3" || sum.Formula != "=SUM(A1:A2)" || sum.Value != "5" {
		t.Errorf("A3 = %+v", sum)
	}

	// Changing an input recalculates dependent formulas.
	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "A1", Value: "10"}); err != nil {
		t.Fatal(err)
	}
	a3, _ := f.svc.GetCell(ctx, f.owner.ID, wb.ID, ws.ID, "A3")
	if a3.Value != "13" {
		t.Errorf("A3 after recalculation = %q, want 13", a3.Value)
	}

	if len(sub.C) == 0 {
		t.Error("no events broadcast")
	}

	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "B1", Value: "=B1+1"}); !errors.Is(err, formula.ErrCircular) {
		t.Errorf("self reference err = %v", err)
	}
	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "C1", Value: "=D1+1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "D1", Value: "=C1+1"}); !errors.Is(err, formula.ErrCircular) {
		t.Errorf("indirect cycle err = %v", err)
	}
	if d1, _ := f.svc.GetCell(ctx, f.owner.ID, wb.ID, ws.ID, "D1"); !d1.IsEmpty() {
		t.Errorf("D1 stored despite the cycle: %+v", d1)
	}
	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "ZZZZ1", Value: "x"}); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad reference err = %v", err)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, ws := newSheet(t, f)

	zero := int64(0)
	c, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "A1", Value: "first", ExpectedVersion: &zero})
	if err != nil {
		t.Fatal(err)
	}
	if c.Version != 1 {
		t.Fatalf("version = %d", c.Version)
	}
	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "A1", Value: "stale", ExpectedVersion: &zero}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale write err = %v", err)
	}
	one := int64(1)
	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "A1", Value: "second", ExpectedVersion: &one}); err != nil {
		t.Errorf("current write: %v", err)
	}
}

func TestGetRange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, ws := newSheet(t, f)
	storetest.Cells(t, f.store, ws, map[string]string{"A1": "1", "B2": "2", "D9": "9"})

	cells, err := f.svc.GetRange(ctx, f.owner.ID, wb.ID, ws.ID, "C3", "A1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 2 || cells[0].Reference != "A1" || cells[1].Reference != "B2" {
		t.Errorf("cells = %+v", cells)
	}
	if _, err := f.svc.GetRange(ctx, f.owner.ID, wb.ID, ws.ID, "A1", "Z1000"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("oversized range err = %v", err)
	}
	if _, err := f.svc.GetRange(ctx, f.owner.ID, wb.ID, ws.ID, "A1", "nope"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad corner err = %v", err)
	}
}

func TestValidationRulesAndDLP(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, ws := newSheet(t, f)

	rules := []model.ValidationRule{
		{Range: "A1:A10", Type: model.RuleNumber, Parameters: []string{"0", "100"}, ErrorMessage: "percent"},
		{Range: "B1", Type: model.RuleList, Parameters: []string{"yes", "no"}},
		{Range: "C1", Type: model.RuleDate},
		{Range: "D1", Type: model.RuleLength, Parameters: []string{"3"}},
	}
	for _, r := range rules {
		if _, err := f.svc.SetRule(ctx, f.owner.ID, wb.ID, ws.ID, r); err != nil {
			t.Fatalf("set %s rule: %v", r.Type, err)
		}
	}
	if _, err := f.svc.SetRule(ctx, f.owner.ID, wb.ID, ws.ID, model.ValidationRule{Range: "E1", Type: model.RuleNumber, Parameters: []string{"9", "1"}}); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("inverted bounds err = %v", err)
	}

	tests := []struct {
		ref, value string
		ok         bool
	}{
		{"A5", "42", true},
		{"A5", "101", false},
		{"A5", "abc", false},
		{"B1", "yes", true},
		{"B1", "maybe", false},
		{"C1", "2024-02-29", true},
		{"C1", "29/02/2024", false},
		{"D1", "abc", true},
		{"D1", "abcd", false},
		{"Z1", "anything", true},
	}
	for _, tt := range tests {
		_, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: tt.ref, Value: tt.value})
		if tt.ok && err != nil {
			t.Errorf("%s=%q: %v", tt.ref, tt.value, err)
		}
		if !tt.ok && !errors.Is(err, ErrRuleViolation) {
			t.Errorf("%s=%q err = %v, want ErrRuleViolation", tt.ref, tt.value, err)
		}
	}

	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "F1", Value: "123-45-6789"}); !errors.Is(err, dlp.ErrBlocked) {
		t.Errorf("SSN write err = %v, want dlp.ErrBlocked", err)
	}

	list, _ := f.svc.ListRules(ctx, f.owner.ID, wb.ID, ws.ID)
	if len(list) != 4 {
		t.Fatalf("rules = %d, want 4", len(list))
	}
	if err := f.svc.DeleteRule(ctx, f.owner.ID, wb.ID, ws.ID, list[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "A5", Value: "abc"}); err != nil {
		t.Errorf("after deleting the rule: %v", err)
	}
}

func TestUndoRedo(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, ws := newSheet(t, f)
	set := func(v string) {
		t.Helper()
		if _, err := f.svc.UpdateCell(ctx, f.owner.ID, wb.ID, ws.ID, CellInput{Reference: "A1", Value: v}); err != nil {
			t.Fatal(err)
		}
	}
	value := func() string {
		c, _ := f.svc.GetCell(ctx, f.owner.ID, wb.ID, ws.ID, "A1")
		return c.Value
	}

	set("one")
	set("two")
	sess, err := f.collab.StartSession(ctx, f.owner.ID, wb.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Undo(ctx, f.owner.ID, sess.ID); err != nil {
		t.Fatal(err)
	}
	if value() != "one" {
		t.Errorf("after undo = %q, want one", value())
	}
	if _, err := f.svc.Undo(ctx, f.owner.ID, sess.ID); err != nil {
		t.Fatal(err)
	}
	if value() != "" {
		t.Errorf("after second undo = %q, want empty", value())
	}
	if _, err := f.svc.Undo(ctx, f.owner.ID, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("undo past start err = %v", err)
	}

	if _, err := f.svc.Redo(ctx, f.owner.ID, sess.ID); err != nil {
		t.Fatal(err)
	}
	if value() != "one" {
		t.Errorf("after redo = %q, want one", value())
	}

	// A new edit discards the redo tail.
	set("three")
	if _, err := f.svc.Redo(ctx, f.owner.ID, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("redo after new edit err = %v", err)
	}
	edits, err := f.svc.History(ctx, f.owner.ID, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(edits) != 2 || edits[1].OldValue != "one" || edits[1].NewValue != "three" {
		t.Errorf("history = %+v", edits)
	}

	other := storetest.User(t, f.store, "other")
	if _, err := f.svc.Undo(ctx, other.ID, sess.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("foreign undo err = %v", err)
	}
}

func TestFormats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, ws := newSheet(t, f)
	sub := f.hub.Subscribe(wb.ID, "watcher")
	defer sub.Close()

	bold := model.CellFormat{Bold: true, FillColor: "#D9E1F2"}
	n, err := f.svc.SetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "a1:b2", bold)
	if err != nil || n != 4 {
		t.Fatalf("SetFormat = %d, %v", n, err)
	}
	got, err := f.svc.GetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "B2")
	if err != nil || *got != bold {
		t.Errorf("B2 format = %+v, %v", got, err)
	}
	if plain, _ := f.svc.GetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "C3"); !plain.IsZero() {
		t.Errorf("C3 format = %+v", plain)
	}

	// Reapplying the same format is a no-op.
	if n, _ := f.svc.SetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "A1:B2", bold); n != 0 {
		t.Errorf("reapply changed %d cells", n)
	}
	if _, err := f.svc.SetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "A1", model.CellFormat{TextColor: "blue"}); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad color err = %v", err)
	}
	if _, err := f.svc.SetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "A1:ZZ9999", bold); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("oversize range err = %v", err)
	}

	if n, err := f.svc.ClearFormat(ctx, f.owner.ID, wb.ID, ws.ID, "B1:B2"); err != nil || n != 2 {
		t.Fatalf("ClearFormat = %d, %v", n, err)
	}
	left, _ := f.svc.ListFormats(ctx, f.owner.ID, wb.ID, ws.ID, "A1:C3")
	if len(left) != 2 || left["A1"] != bold || left["A2"] != bold {
		t.Errorf("formats = %+v", left)
	}

	// Format changes are edits of the session and undo cell by cell.
	sess, err := f.collab.StartSession(ctx, f.owner.ID, wb.ID)
	if err != nil {
		t.Fatal(err)
	}
	edits, _ := f.svc.History(ctx, f.owner.ID, sess.ID)
	if len(edits) != 6 {
		t.Fatalf("history has %d edits, want 6", len(edits))
	}
	last := edits[5]
	if last.Type != model.EditFormatChange || last.CellReference != "B2" || last.NewValue != "" {
		t.Errorf("last edit = %+v", last)
	}
	if _, err := f.svc.Undo(ctx, f.owner.ID, sess.ID); err != nil {
		t.Fatal(err)
	}
	if b2, _ := f.svc.GetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "B2"); *b2 != bold {
		t.Errorf("B2 after undo = %+v", b2)
	}
	if _, err := f.svc.Redo(ctx, f.owner.ID, sess.ID); err != nil {
		t.Fatal(err)
	}
	if b2, _ := f.svc.GetFormat(ctx, f.owner.ID, wb.ID, ws.ID, "B2"); !b2.IsZero() {
		t.Errorf("B2 after redo = %+v", b2)
	}

	var seen int
	for len(sub.C) > 0 {
		if ev := <-sub.C; ev.Type == collab.EventFormatChanged {
			seen++
		}
	}
	if seen != 4 {
		t.Errorf("saw %d format events, want 4", seen)
	}

	viewer := storetest.User(t, f.store, "viewer")
	if err := f.svc.authz.UpdateUserPermissionsForWorkbook(ctx, viewer.ID, wb.ID, model.PermReadOnly); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetFormat(ctx, viewer.ID, wb.ID, ws.ID, "A1", bold); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("viewer SetFormat err = %v", err)
	}
	if _, err := f.svc.GetFormat(ctx, viewer.ID, wb.ID, ws.ID, "A1"); err != nil {
		t.Errorf("viewer GetFormat err = %v", err)
	}
}

func TestCharts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wb, ws := newSheet(t, f)

	ch, err := f.svc.CreateChart(ctx, f.owner.ID, wb.ID, ws.ID, model.Chart{Title: "Sales", Type: model.ChartBar, DataRange: "B5:a1", Anchor: "e2"})
	if err != nil {
		t.Fatal(err)
	}
	if ch.DataRange != "A1:B5" || ch.Anchor != "E2" {
		t.Errorf("chart = %+v", ch)
	}
	if _, err := f.svc.CreateChart(ctx, f.owner.ID, wb.ID, ws.ID, model.Chart{Type: "donut", DataRange: "A1:B2", Anchor: "C1"}); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad type err = %v", err)
	}

	upd, err := f.svc.UpdateChart(ctx, f.owner.ID, wb.ID, ws.ID, ch.ID, model.Chart{Title: "Sales by month", Type: model.ChartLine, DataRange: "A1:C5", Anchor: "E2"})
	if err != nil {
		t.Fatal(err)
	}
	if upd.Type != model.ChartLine || upd.Title != "Sales by month" {
		t.Errorf("updated = %+v", upd)
	}
	list, _ := f.svc.ListCharts(ctx, f.owner.ID, wb.ID, ws.ID)
	if len(list) != 1 {
		t.Errorf("charts = %d", len(list))
	}
	if err := f.svc.DeleteChart(ctx, f.owner.ID, wb.ID, ws.ID, ch.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetChart(ctx, f.owner.ID, wb.ID, ws.ID, ch.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted chart err = %v", err)
	}
}
