package xlsxio

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

func setup(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := storetest.Open(t)
	kvs, err := kv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvs.Close() })
	az := authz.New(st, kvs, nil, time.Minute, nil)
	return New(st, az, formula.New(st, nil), nil, nil, nil), st
}

func TestExportImport(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	wb, ws := storetest.Workbook(t, st, owner, "Sales")
	storetest.Cells(t, st, ws, map[string]string{
		"A1": "Jan", "B1": "10",
		"A2": "Feb", "B2": "32",
		"A3": "=SUM(B1:B2)", "B3": "total",
	})
	if err := st.Charts.Add(ctx, &model.Chart{ID: "c1", WorksheetID: ws.ID, Title: "Monthly", Type: model.ChartCol,
		DataRange: "A1:B2", Anchor: "D2", CreatedAt: time.Now(), UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := svc.Export(ctx, owner.ID, wb.ID, &buf); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.GetSheetList(); len(got) != 1 || got[0] != "Sheet1" {
		t.Errorf("sheets = %v", got)
	}
	if fx, _ := f.GetCellFormula("Sheet1", "A3"); fx != "SUM(B1:B2)" {
		t.Errorf("A3 formula = %q", fx)
	}
	f.Close()

	imported, err := svc.Import(ctx, bytes.NewReader(buf.Bytes()), owner.ID, "Sales copy")
	if err != nil {
		t.Fatal(err)
	}
	sheets, _ := st.Worksheets.ListByWorkbook(ctx, imported.ID)
	if len(sheets) != 1 {
		t.Fatalf("imported sheets = %d", len(sheets))
	}
	a3, err := st.Cells.Get(ctx, sheets[0].ID, "A3")
	if err != nil {
		t.Fatal(err)
	}
	if a3.Formula != "=SUM(B1:B2)" || a3.Value != "42" {
		t.Errorf("A3 = %+v", a3)
	}
	b1, _ := st.Cells.Get(ctx, sheets[0].ID, "B1")
	if b1.Value != "10" {
		t.Errorf("B1 = %q", b1.Value)
	}
}

func TestExportImportFormats(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	wb, ws := storetest.Workbook(t, st, owner, "Styled")
	storetest.Cells(t, st, ws, map[string]string{"A1": "Region", "B1": "Total", "A2": "North", "B2": "0.25"})
	header := model.CellFormat{Bold: true, FillColor: "#FFEE00", HAlign: "center"}
	pct := model.CellFormat{Italic: true, NumberFormat: `0.0" pts"`}
	for ref, cf := range map[string]model.CellFormat{"A1": header, "B1": header, "B2": pct} {
		if err := st.Formats.Put(ctx, ws.ID, ref, cf); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := svc.Export(ctx, owner.ID, wb.ID, &buf); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	a1, _ := f.GetCellStyle("Sheet1", "A1")
	b1, _ := f.GetCellStyle("Sheet1", "B1")
	a2, _ := f.GetCellStyle("Sheet1", "A2")
	if a1 == 0 || a1 != b1 || a2 != 0 {
		t.Errorf("style ids A1=%d B1=%d A2=%d", a1, b1, a2)
	}
	f.Close()

	imported, err := svc.Import(ctx, bytes.NewReader(buf.Bytes()), owner.ID, "Styled copy")
	if err != nil {
		t.Fatal(err)
	}
	sheets, _ := st.Worksheets.ListByWorkbook(ctx, imported.ID)
	got, err := st.Formats.ListByWorksheet(ctx, sheets[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if g := got["A1"]; !g.Bold || g.FillColor != "#FFEE00" || g.HAlign != "center" {
		t.Errorf("A1 format = %+v", g)
	}
	if g := got["B2"]; !g.Italic || g.Bold || g.NumberFormat != pct.NumberFormat {
		t.Errorf("B2 format = %+v", g)
	}
	if _, ok := got["A2"]; ok {
		t.Errorf("A2 gained a format: %+v", got["A2"])
	}
}

func TestHexColor(t *testing.T) {
	for in, want := range map[string]string{"#ffee00": "#FFEE00", "FFEE00": "#FFEE00", "FFFFEE00": "#FFEE00", "": "", "red": ""} {
		if got := hexColor(in); got != want {
			t.Errorf("hexColor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	svc, st := setup(t)
	owner := storetest.User(t, st, "owner")
	_, err := svc.Import(context.Background(), strings.NewReader("not a zip"), owner.ID, "x")
	if !errors.Is(err, model.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestExportCSV(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	wb, ws := storetest.Workbook(t, st, owner, "Contacts")
	storetest.Cells(t, st, ws, map[string]string{"A1": "name", "B1": "note", "A2": "Ann", "B2": `says "hi", twice`, "C3": "x"})

	var buf bytes.Buffer
	if err := svc.ExportCSV(ctx, owner.ID, wb.ID, ws.ID, &buf); err != nil {
		t.Fatal(err)
	}
	want := "name,note,\nAnn,\"says \"\"hi\"\", twice\",\n,,x\n"
	if buf.String() != want {
		t.Errorf("csv =\n%q\nwant\n%q", buf.String(), want)
	}

	stranger := storetest.User(t, st, "stranger")
	if err := svc.ExportCSV(ctx, stranger.ID, wb.ID, ws.ID, &buf); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("stranger export err = %v", err)
	}
}
