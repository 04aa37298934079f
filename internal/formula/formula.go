// Package formula evaluates worksheet formulas with the excelize
// calculation engine and checks their syntax with efp.
package formula

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// ScratchCell is where ad-hoc formulas are evaluated.
const ScratchCell = "XFD1048576"

var (
	// ErrEvaluation wraps calculation failures such as #DIV/0!.
	ErrEvaluation = errors.New("formula evaluation failed")
	// ErrCircular is returned when a formula reads the cell it is written to,
	// directly or through other formulas.
	ErrCircular = fmt.Errorf("%w: circular reference", model.ErrInvalid)
)

// Service evaluates formulas against stored workbooks.
type Service struct {
	store *store.Store
	log   *zap.Logger
}

// New builds the service.
func New(st *store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, log: log}
}

// Normalize trims formula and ensures a leading "=".
func Normalize(formula string) string {
	formula = strings.TrimSpace(formula)
	if formula != "" && !strings.HasPrefix(formula, "=") {
		formula = "=" + formula
	}
	return formula
}

func checkSyntax(formula string) error {
	if r := Validate(formula); !r.Valid {
		return fmt.Errorf("%w: %s", model.ErrInvalid, strings.Join(r.Errors, "; "))
	}
	return nil
}

// Evaluate computes formula in the context of a worksheet and returns the
// result as text. A failed calculation returns the Excel error code along
// with an error wrapping ErrEvaluation.
func (s *Service) Evaluate(ctx context.Context, workbookID, worksheetID, formula string) (string, error) {
	return s.EvaluateAt(ctx, workbookID, worksheetID, ScratchCell, formula)
}

// EvaluateAt computes formula as if it were stored at ref, ignoring the
// current contents of ref.
func (s *Service) EvaluateAt(ctx context.Context, workbookID, worksheetID, ref, formula string) (string, error) {
	formula = Normalize(formula)
	if err := checkSyntax(formula); err != nil {
		return "", err
	}

	wb, err := s.materialize(ctx, workbookID, worksheetID, ref)
	if err != nil {
		return "", err
	}
	defer wb.file.Close()

	if ReadsCell(formula, wb.target, ref) {
		return "", fmt.Errorf("%w: %s reads itself", ErrCircular, ref)
	}
	if via, ok := wb.cycle(ref, formula); ok {
		return "", fmt.Errorf("%w: %s reads itself through %s", ErrCircular, ref, via)
	}
	if err := wb.file.SetCellFormula(wb.target, ref, strings.TrimPrefix(formula, "=")); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	return calc(wb.file, wb.target, ref)
}

// EvaluateDetached computes a formula that reads no stored cells, such as
// =ROUND(PI(), 2).
func EvaluateDetached(formula string) (string, error) {
	formula = Normalize(formula)
	if err := checkSyntax(formula); err != nil {
		return "", err
	}
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"
	if ReadsCell(formula, sheet, ScratchCell) {
		return "", fmt.Errorf("%w: %s reads itself", ErrCircular, ScratchCell)
	}
	if err := f.SetCellFormula(sheet, ScratchCell, strings.TrimPrefix(formula, "=")); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	return calc(f, sheet, ScratchCell)
}

// Recalculate recomputes every formula cell of a worksheet and stores the
// results that changed. It returns the changed values keyed by reference.
func (s *Service) Recalculate(ctx context.Context, workbookID, worksheetID string) (map[string]string, error) {
	wb, err := s.materialize(ctx, workbookID, worksheetID, "")
	if err != nil {
		return nil, err
	}
	defer wb.file.Close()

	changed := map[string]string{}
	for _, c := range wb.formulas {
		v, err := calc(wb.file, wb.target, c.Reference)
		if err != nil && !errors.Is(err, ErrEvaluation) {
			return nil, err
		}
		if v == c.Value {
			continue
		}
		if err := s.store.Cells.SetComputed(ctx, worksheetID, c.Reference, v); err != nil {
			return nil, err
		}
		changed[c.Reference] = v
	}
	if len(changed) > 0 {
		s.log.Debug("recalculated worksheet", zap.String("worksheet", worksheetID), zap.Int("changed", len(changed)))
	}
	return changed, nil
}

func calc(f *excelize.File, sheet, ref string) (string, error) {
	v, err := f.CalcCellValue(sheet, ref, excelize.Options{RawCellValue: true})
	if err != nil {
		// excelize reports the Excel error code as the error text.
		switch {
		case strings.HasPrefix(v, "#"):
		case strings.HasPrefix(err.Error(), "#"):
			v = err.Error()
		default:
			v = "#VALUE!"
		}
		return v, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	return v, nil
}

type materialized struct {
	file     *excelize.File
	target   string
	formulas []model.Cell
	all      []sheetFormula
}

// sheetFormula is a formula cell of any materialized worksheet.
type sheetFormula struct {
	sheet, ref, formula string
}

// cycle reports whether formula, written to ref on the target sheet, would
// read ref back through the formulas it references. It returns the first
// formula cell on the path.
func (m *materialized) cycle(ref, formula string) (string, bool) {
	type pending struct{ sheet, formula, via string }
	queue := []pending{{sheet: m.target, formula: formula}}
	seen := map[int]bool{}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, r := range References(p.formula) {
			sheet := r.Sheet
			if sheet == "" {
				sheet = p.sheet
			}
			if p.via != "" && strings.EqualFold(sheet, m.target) && r.Range.Contains(ref) {
				return p.via, true
			}
			for i, fc := range m.all {
				if seen[i] || !strings.EqualFold(fc.sheet, sheet) || !r.Range.Contains(fc.ref) {
					continue
				}
				seen[i] = true
				via := p.via
				if via == "" {
					via = fc.sheet + "!" + fc.ref
				}
				queue = append(queue, pending{sheet: fc.sheet, formula: fc.formula, via: via})
			}
		}
	}
	return "", false
}

// materialize copies every worksheet of a workbook into an in-memory xlsx
// file, leaving out skipRef on the target worksheet.
func (s *Service) materialize(ctx context.Context, workbookID, worksheetID, skipRef string) (*materialized, error) {
	sheets, err := s.store.Worksheets.ListByWorkbook(ctx, workbookID)
	if err != nil {
		return nil, err
	}

	m := &materialized{file: excelize.NewFile()}
	ok := false
	for i, ws := range sheets {
		if i == 0 {
			if ws.Name != "Sheet1" {
				err = m.file.SetSheetName("Sheet1", ws.Name)
			}
		} else {
			_, err = m.file.NewSheet(ws.Name)
		}
		if err != nil {
			m.file.Close()
			return nil, fmt.Errorf("materialize sheet %q: %w", ws.Name, err)
		}

		cells, err := s.store.Cells.ListByWorksheet(ctx, ws.ID)
		if err != nil {
			m.file.Close()
			return nil, err
		}
		isTarget := ws.ID == worksheetID
		if isTarget {
			ok = true
			m.target = ws.Name
		}
		for _, c := range cells {
			if isTarget && c.Reference == skipRef {
				continue
			}
			if err := load(m.file, ws.Name, c); err != nil {
				s.log.Warn("skipping unloadable cell", zap.String("sheet", ws.Name),
					zap.String("cell", c.Reference), zap.Error(err))
				continue
			}
			if c.Formula == "" {
				continue
			}
			m.all = append(m.all, sheetFormula{sheet: ws.Name, ref: c.Reference, formula: c.Formula})
			if isTarget {
				m.formulas = append(m.formulas, c)
			}
		}
	}
	if !ok {
		m.file.Close()
		return nil, fmt.Errorf("worksheet %s in workbook %s: %w", worksheetID, workbookID, store.ErrNotFound)
	}
	return m, nil
}

func load(f *excelize.File, sheet string, c model.Cell) error {
	if c.Formula != "" {
		return f.SetCellFormula(sheet, c.Reference, strings.TrimPrefix(c.Formula, "="))
	}
	return f.SetCellValue(sheet, c.Reference, Literal(c.Value))
}

// Literal converts stored text to the typed value excelize should see:
// numbers and booleans are unquoted, everything else stays text.
func Literal(v string) any {
	if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		return n
	}
	switch strings.ToUpper(v) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return v
}
