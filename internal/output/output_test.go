package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Stdout
	Stdout = &buf
	t.Cleanup(func() { Stdout = prev })
	return &buf
}

func TestPrintJSON(t *testing.T) {
	buf := capture(t)
	if err := PrintJSON("user list", map[string]int{"count": 2}); err != nil {
		t.Fatal(err)
	}
	var res JSONResult
	if err := json.Unmarshal(buf.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK || res.Command != "user list" || res.Error != "" {
		t.Errorf("unexpected envelope: %+v", res)
	}
}

func TestPrintJSONError(t *testing.T) {
	buf := capture(t)
	if err := PrintJSONError("workbook export", errors.New("boom"), ExitSystemError); err != nil {
		t.Fatal(err)
	}
	var res JSONResult
	if err := json.Unmarshal(buf.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.OK || res.Error != "boom" || res.Code != ExitSystemError {
		t.Errorf("unexpected envelope: %+v", res)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{Userf("missing --as"), ExitUserError},
		{fmt.Errorf("name: %w", model.ErrInvalid), ExitUserError},
		{fmt.Errorf("workbook: %w", store.ErrNotFound), ExitUserError},
		{authz.ErrForbidden, ExitUserError},
		{errors.New("disk full"), ExitSystemError},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestTable(t *testing.T) {
	color.NoColor = true
	tbl := NewTable("ID", "NAME")
	tbl.Row("1", "Budget")
	tbl.Row(22, "Forecast")
	if tbl.Len() != 2 {
		t.Fatalf("Len = %d", tbl.Len())
	}
	lines := strings.Split(strings.TrimRight(tbl.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if lines[0] != "ID  NAME" || lines[2] != "22  Forecast" {
		t.Errorf("unexpected layout: %q", lines)
	}
}

func TestShowWritesWhenNotTerminal(t *testing.T) {
	buf := capture(t)
	if err := Show("a\nb\n"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "a\nb\n" {
		t.Errorf("got %q", buf.String())
	}
}
