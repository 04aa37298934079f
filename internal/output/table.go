// Package output formats CLI results as tables, JSON envelopes and pages.
package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

// Table collects rows and renders them aligned, with a bold header.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable starts a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// Row appends one row. Values are formatted with %v.
func (t *Table) Row(cells ...any) {
	row := make([]string, len(cells))
	for i, c := range cells {
		row[i] = fmt.Sprint(c)
	}
	t.rows = append(t.rows, row)
}

// Len is the number of rows added.
func (t *Table) Len() int { return len(t.rows) }

// Render writes the table to w.
func (t *Table) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	bold := color.New(color.Bold).SprintFunc()
	head := make([]string, len(t.headers))
	for i, h := range t.headers {
		head[i] = bold(h)
	}
	fmt.Fprintln(tw, strings.Join(head, "\t"))
	for _, r := range t.rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

// String renders the table into a string.
func (t *Table) String() string {
	var sb strings.Builder
	_ = t.Render(&sb)
	return sb.String()
}

// Status prints a colored one-line outcome: green for ok, yellow for warn,
// red for anything else.
func Status(w io.Writer, level, format string, args ...any) {
	c := color.New(color.FgRed)
	switch level {
	case "ok":
		c = color.New(color.FgGreen)
	case "warn":
		c = color.New(color.FgYellow)
	}
	c.Fprintf(w, format+"\n", args...)
}
