package classify

import (
	"fmt"
	"testing"

	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/model"
)

func benchCells(n int) []model.Cell {
	cells := make([]model.Cell, n)
	for i := range cells {
		v := fmt.Sprintf("row %d quarterly total", i)
		switch i % 10 {
		case 3:
			v = "123-45-6789"
		case 7:
			v = fmt.Sprintf("user%d@acme.example", i)
		}
		cells[i] = model.Cell{Reference: cellref.Name(1, i+1), Value: v}
	}
	return cells
}

func BenchmarkClassifyCells(b *testing.B) {
	c, err := NewClassifier(nil)
	if err != nil {
		b.Fatal(err)
	}
	cells := benchCells(1000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := c.ClassifyCells(cells)
		if len(res[SSN]) != 100 {
			b.Fatalf("ssn matches = %d", len(res[SSN]))
		}
	}
}
