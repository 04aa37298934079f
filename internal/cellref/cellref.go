// Package cellref parses and normalizes A1-style cell references and ranges.
package cellref

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// MaxRangeCells caps how many cells a single range request may span.
const MaxRangeCells = 10000

// ErrInvalidRef is returned for references that are not valid A1 cells.
var ErrInvalidRef = errors.New("invalid cell reference")

// ErrRangeTooLarge is returned when a range spans more than MaxRangeCells.
var ErrRangeTooLarge = errors.New("cell range too large")

// Parse returns the 1-based column and row of ref.
func Parse(ref string) (col, row int, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	col, row, err = excelize.CellNameToCoordinates(ref)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return col, row, nil
}

// Valid reports whether ref is a valid A1 reference.
func Valid(ref string) bool {
	_, _, err := Parse(ref)
	return err == nil
}

// Normalize returns ref upper-cased with absolute markers removed ("$b$2" -> "B2").
func Normalize(ref string) (string, error) {
	col, row, err := Parse(ref)
	if err != nil {
		return "", err
	}
	return excelize.CoordinatesToCellName(col, row)
}

// Name builds a reference from coordinates.
func Name(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

// Range is a rectangular block of cells with normalized corners.
type Range struct {
	StartCol, StartRow int
	EndCol, EndRow     int
}

// NewRange builds a range from two corner references in any order.
func NewRange(start, end string) (Range, error) {
	c1, r1, err := Parse(start)
	if err != nil {
		return Range{}, err
	}
	c2, r2, err := Parse(end)
	if err != nil {
		return Range{}, err
	}
	if c1 > c2 {
		c1, c2 = c2, c1
	}
	if r1 > r2 {
		r1, r2 = r2, r1
	}
	return Range{StartCol: c1, StartRow: r1, EndCol: c2, EndRow: r2}, nil
}

// ParseRange parses "A1:C3". A single reference is a one-cell range.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "!"); i >= 0 {
		s = s[i+1:]
	}
	start, end, ok := strings.Cut(s, ":")
	if !ok {
		end = start
	}
	return NewRange(start, end)
}

// ValidRange reports whether s parses as a range.
func ValidRange(s string) bool {
	_, err := ParseRange(s)
	return err == nil
}

// Size returns the number of cells in the range.
func (r Range) Size() int {
	return (r.EndCol - r.StartCol + 1) * (r.EndRow - r.StartRow + 1)
}

// CheckSize returns ErrRangeTooLarge when the range exceeds MaxRangeCells.
func (r Range) CheckSize() error {
	if r.Size() > MaxRangeCells {
		return fmt.Errorf("%w: %d cells (max %d)", ErrRangeTooLarge, r.Size(), MaxRangeCells)
	}
	return nil
}

// Contains reports whether ref falls inside the range.
func (r Range) Contains(ref string) bool {
	col, row, err := Parse(ref)
	if err != nil {
		return false
	}
	return col >= r.StartCol && col <= r.EndCol && row >= r.StartRow && row <= r.EndRow
}

// Start returns the top-left reference.
func (r Range) Start() string { return Name(r.StartCol, r.StartRow) }

// End returns the bottom-right reference.
func (r Range) End() string { return Name(r.EndCol, r.EndRow) }

// String returns the range as "A1:C3".
func (r Range) String() string {
	return r.Start() + ":" + r.End()
}

// Cells lists every reference in the range in row-major order.
func (r Range) Cells() []string {
	refs := make([]string, 0, r.Size())
	for row := r.StartRow; row <= r.EndRow; row++ {
		for col := r.StartCol; col <= r.EndCol; col++ {
			refs = append(refs, Name(col, row))
		}
	}
	return refs
}

// Less orders two references row-major. Invalid references sort last.
func Less(a, b string) bool {
	ca, ra, errA := Parse(a)
	cb, rb, errB := Parse(b)
	if errA != nil || errB != nil {
		return errB != nil && errA == nil
	}
	if ra != rb {
		return ra < rb
	}
	return ca < cb
}
