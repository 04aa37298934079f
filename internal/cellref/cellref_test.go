package cellref

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"A1", "A1", false},
		{"b2", "B2", false},
		{"$C$10", "C10", false},
		{"XFD1048576", "XFD1048576", false},
		{"", "", true},
		{"1A", "", true},
		{"AA", "", true},
		{"A0", "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Normalize(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if err != nil && !errors.Is(err, ErrInvalidRef) {
			t.Errorf("Normalize(%q) error should wrap ErrInvalidRef", tt.in)
		}
	}
}

func TestNewRangeSwapsCorners(t *testing.T) {
	r, err := NewRange("C3", "A1")
	if err != nil {
		t.Fatal(err)
	}
	if r.String() != "A1:C3" {
		t.Errorf("range = %s, want A1:C3", r)
	}
	if r.Size() != 9 {
		t.Errorf("size = %d, want 9", r.Size())
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("Sheet1!B2:C3")
	if err != nil {
		t.Fatal(err)
	}
	cells := r.Cells()
	want := []string{"B2", "C2", "B3", "C3"}
	if len(cells) != len(want) {
		t.Fatalf("cells = %v", cells)
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Errorf("cells[%d] = %s, want %s", i, cells[i], want[i])
		}
	}

	single, err := ParseRange("D4")
	if err != nil {
		t.Fatal(err)
	}
	if single.Size() != 1 {
		t.Errorf("single cell range size = %d", single.Size())
	}

	if ValidRange("A1:") {
		t.Error("A1: should be invalid")
	}
}

func TestContains(t *testing.T) {
	r, _ := ParseRange("B2:D4")
	if !r.Contains("C3") {
		t.Error("C3 should be inside B2:D4")
	}
	if r.Contains("A1") || r.Contains("E4") {
		t.Error("A1 and E4 should be outside B2:D4")
	}
	if r.Contains("bogus") {
		t.Error("invalid ref should not be contained")
	}
}

func TestCheckSize(t *testing.T) {
	r, _ := ParseRange("A1:A10000")
	if err := r.CheckSize(); err != nil {
		t.Errorf("10000 cells should be allowed: %v", err)
	}
	r, _ = ParseRange("A1:B10000")
	if err := r.CheckSize(); !errors.Is(err, ErrRangeTooLarge) {
		t.Errorf("err = %v, want ErrRangeTooLarge", err)
	}
}

func TestLess(t *testing.T) {
	if !Less("B1", "A2") {
		t.Error("B1 should sort before A2")
	}
	if !Less("A1", "B1") {
		t.Error("A1 should sort before B1")
	}
	if Less("bogus", "A1") {
		t.Error("invalid refs sort last")
	}
}
