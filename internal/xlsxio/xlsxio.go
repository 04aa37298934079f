// Package xlsxio imports and exports workbooks as .xlsx and CSV files.
package xlsxio

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// MaxImportCells caps how many cells a single import may create.
const MaxImportCells = 1_000_000

// ValueChecker vets imported literal values.
type ValueChecker interface {
	CheckValue(ctx context.Context, userID, resourceID, value string) error
}

// Service moves workbooks in and out of the store.
type Service struct {
	store    *store.Store
	authz    *authz.Service
	formulas *formula.Service
	guard    ValueChecker
	audit    audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// New builds the service. formulas and guard may be nil.
func New(st *store.Store, az *authz.Service, formulas *formula.Service, guard ValueChecker, rec audit.Recorder, log *zap.Logger) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, authz: az, formulas: formulas, guard: guard, audit: rec, log: log, now: time.Now}
}

type importedSheet struct {
	ws      *model.Worksheet
	cells   []*model.Cell
	formats map[string]model.CellFormat
}

// Import reads an .xlsx document and stores it as a new workbook owned by
// ownerID, one worksheet per sheet, keeping values and formulas.
func (s *Service) Import(ctx context.Context, r io.Reader, ownerID, name string) (*model.Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read Excel data: %v", model.ErrInvalid, err)
	}
	defer f.Close()

	now := s.now().UTC()
	wb := &model.Workbook{ID: uuid.NewString(), Name: strings.TrimSpace(name), OwnerID: ownerID, CreatedAt: now, LastModifiedAt: now}
	if err := model.Validate(wb); err != nil {
		return nil, err
	}

	var (
		sheets []importedSheet
		total  int
	)
	for pos, sheetName := range f.GetSheetList() {
		ws := &model.Worksheet{ID: uuid.NewString(), WorkbookID: wb.ID, Name: sheetName, Position: pos, CreatedAt: now}
		cells, err := s.readSheet(ctx, f, ownerID, ws, now)
		if err != nil {
			return nil, err
		}
		formats, err := s.readFormats(f, ws.Name, cells)
		if err != nil {
			return nil, err
		}
		if total += len(cells); total > MaxImportCells {
			return nil, fmt.Errorf("%w: workbook has more than %d cells", model.ErrInvalid, MaxImportCells)
		}
		sheets = append(sheets, importedSheet{ws: ws, cells: cells, formats: formats})
	}
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", model.ErrInvalid)
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Workbooks.Add(ctx, wb); err != nil {
			return err
		}
		for _, sh := range sheets {
			if err := tx.Worksheets.Add(ctx, sh.ws); err != nil {
				return err
			}
			for _, c := range sh.cells {
				if err := tx.Cells.Put(ctx, c, -1); err != nil {
					return err
				}
			}
			for ref, cf := range sh.formats {
				if err := tx.Formats.Put(ctx, sh.ws.ID, ref, cf); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.formulas != nil {
		for _, sh := range sheets {
			if _, err := s.formulas.Recalculate(ctx, wb.ID, sh.ws.ID); err != nil {
				s.log.Warn("recalculation after import failed", zap.String("sheet", sh.ws.Name), zap.Error(err))
			}
		}
	}
	s.audit.LogAuditEvent(ctx, ownerID, "workbook.import", wb.ID, fmt.Sprintf("name=%s sheets=%d cells=%d", wb.Name, len(sheets), total))
	s.log.Info("workbook imported", zap.String("id", wb.ID), zap.Int("sheets", len(sheets)), zap.Int("cells", total))
	return wb, nil
}

func (s *Service) readSheet(ctx context.Context, f *excelize.File, userID string, ws *model.Worksheet, now time.Time) ([]*model.Cell, error) {
	if !model.ValidSheetName(ws.Name) {
		return nil, fmt.Errorf("%w: sheet name %q", model.ErrInvalid, ws.Name)
	}
	rows, err := f.GetRows(ws.Name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("could not read sheet %q: %w", ws.Name, err)
	}

	var cells []*model.Cell
	for r, row := range rows {
		for c, value := range row {
			ref := cellref.Name(c+1, r+1)
			fx, err := f.GetCellFormula(ws.Name, ref)
			if err != nil {
				return nil, fmt.Errorf("could not read %s!%s: %w", ws.Name, ref, err)
			}
			if value == "" && fx == "" {
				continue
			}
			cell := &model.Cell{WorksheetID: ws.ID, Reference: ref, Value: value, UpdatedAt: now, UpdatedBy: userID}
			if fx != "" {
				cell.Formula = formula.Normalize(fx)
			} else if s.guard != nil {
				if err := s.guard.CheckValue(ctx, userID, ws.Name+"!"+ref, value); err != nil {
					return nil, err
				}
			}
			cells = append(cells, cell)
		}
	}
	return cells, nil
}

// readFormats collects the formats of the imported cells. Style features
// with no CellFormat equivalent are dropped.
func (s *Service) readFormats(f *excelize.File, sheet string, cells []*model.Cell) (map[string]model.CellFormat, error) {
	out := map[string]model.CellFormat{}
	byID := map[int]model.CellFormat{}
	for _, c := range cells {
		id, err := f.GetCellStyle(sheet, c.Reference)
		if err != nil {
			return nil, fmt.Errorf("could not read style of %s!%s: %w", sheet, c.Reference, err)
		}
		if id == 0 {
			continue
		}
		cf, ok := byID[id]
		if !ok {
			st, err := f.GetStyle(id)
			if err != nil {
				return nil, fmt.Errorf("could not read style %d: %w", id, err)
			}
			cf = cellFormat(st)
			if err := model.Validate(cf); err != nil {
				s.log.Debug("dropping unsupported style", zap.String("sheet", sheet), zap.Int("style", id), zap.Error(err))
				cf = model.CellFormat{}
			}
			byID[id] = cf
		}
		if !cf.IsZero() {
			out[c.Reference] = cf
		}
	}
	return out, nil
}

// excelStyle maps a cell format onto an excelize style.
func excelStyle(cf model.CellFormat) *excelize.Style {
	st := &excelize.Style{}
	if cf.FontName != "" || cf.FontSize > 0 || cf.Bold || cf.Italic || cf.Underline || cf.TextColor != "" {
		st.Font = &excelize.Font{Family: cf.FontName, Size: cf.FontSize, Bold: cf.Bold, Italic: cf.Italic, Color: cf.TextColor}
		if cf.Underline {
			st.Font.Underline = "single"
		}
	}
	if cf.FillColor != "" {
		st.Fill = excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{cf.FillColor}}
	}
	if cf.HAlign != "" || cf.VAlign != "" {
		st.Alignment = &excelize.Alignment{Horizontal: cf.HAlign, Vertical: cf.VAlign}
	}
	if cf.NumberFormat != "" {
		nf := cf.NumberFormat
		st.CustomNumFmt = &nf
	}
	return st
}

// cellFormat is the inverse of excelStyle.
func cellFormat(st *excelize.Style) model.CellFormat {
	var cf model.CellFormat
	if st.Font != nil {
		cf.FontName, cf.FontSize = st.Font.Family, st.Font.Size
		cf.Bold, cf.Italic, cf.Underline = st.Font.Bold, st.Font.Italic, st.Font.Underline != ""
		cf.TextColor = hexColor(st.Font.Color)
	}
	if st.Fill.Type == "pattern" && st.Fill.Pattern == 1 && len(st.Fill.Color) > 0 {
		cf.FillColor = hexColor(st.Fill.Color[0])
	}
	if st.Alignment != nil {
		switch h := st.Alignment.Horizontal; h {
		case "left", "center", "right", "justify":
			cf.HAlign = h
		}
		switch v := st.Alignment.Vertical; v {
		case "top", "center", "bottom":
			cf.VAlign = v
		}
	}
	if st.CustomNumFmt != nil {
		cf.NumberFormat = *st.CustomNumFmt
	}
	return cf
}

// hexColor normalizes "RRGGBB", "AARRGGBB" and "#RRGGBB" to "#RRGGBB".
func hexColor(c string) string {
	c = strings.ToUpper(strings.TrimPrefix(c, "#"))
	if len(c) == 8 {
		c = c[2:]
	}
	if len(c) != 6 {
		return ""
	}
	return "#" + c
}

var chartTypes = map[model.ChartType]excelize.ChartType{
	model.ChartArea:    excelize.Area,
	model.ChartBar:     excelize.Bar,
	model.ChartCol:     excelize.Col,
	model.ChartLine:    excelize.Line,
	model.ChartPie:     excelize.Pie,
	model.ChartScatter: excelize.Scatter,
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func absRange(sheet string, col1, row1, col2, row2 int) string {
	a, _ := excelize.CoordinatesToCellName(col1, row1, true)
	b, _ := excelize.CoordinatesToCellName(col2, row2, true)
	return quoteSheet(sheet) + "!" + a + ":" + b
}

// chartSeries plots every column after the first against the first
// column. A single-column range is one series without categories.
func chartSeries(sheet string, rng cellref.Range) []excelize.ChartSeries {
	if rng.StartCol == rng.EndCol {
		return []excelize.ChartSeries{{Values: absRange(sheet, rng.StartCol, rng.StartRow, rng.EndCol, rng.EndRow)}}
	}
	cats := absRange(sheet, rng.StartCol, rng.StartRow, rng.StartCol, rng.EndRow)
	var series []excelize.ChartSeries
	for col := rng.StartCol + 1; col <= rng.EndCol; col++ {
		series = append(series, excelize.ChartSeries{
			Categories: cats,
			Values:     absRange(sheet, col, rng.StartRow, col, rng.EndRow),
		})
	}
	return series
}

// Export writes a workbook as .xlsx with values, formulas and charts.
func (s *Service) Export(ctx context.Context, userID, workbookID string, w io.Writer) error {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookRead); err != nil {
		return err
	}
	sheets, err := s.store.Worksheets.ListByWorkbook(ctx, workbookID)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()
	for i, ws := range sheets {
		if i == 0 {
			if ws.Name != f.GetSheetName(0) {
				err = f.SetSheetName(f.GetSheetName(0), ws.Name)
			}
		} else {
			_, err = f.NewSheet(ws.Name)
		}
		if err != nil {
			return fmt.Errorf("could not create sheet %q: %w", ws.Name, err)
		}
		if err := s.writeSheet(ctx, f, ws); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("could not write workbook: %w", err)
	}
	s.audit.LogAuditEvent(ctx, userID, "workbook.export", workbookID, "format=xlsx")
	return nil
}

func (s *Service) writeSheet(ctx context.Context, f *excelize.File, ws model.Worksheet) error {
	cells, err := s.store.Cells.ListByWorksheet(ctx, ws.ID)
	if err != nil {
		return err
	}
	for _, c := range cells {
		// The cached value goes first: setting a value drops any formula.
		if err := f.SetCellValue(ws.Name, c.Reference, formula.Literal(c.Value)); err != nil {
			return fmt.Errorf("could not set cell %s: %w", c.Reference, err)
		}
		if c.Formula != "" {
			if err := f.SetCellFormula(ws.Name, c.Reference, strings.TrimPrefix(c.Formula, "=")); err != nil {
				return fmt.Errorf("could not set formula %s: %w", c.Reference, err)
			}
		}
	}

	formats, err := s.store.Formats.ListByWorksheet(ctx, ws.ID)
	if err != nil {
		return err
	}
	styles := map[model.CellFormat]int{}
	for ref, cf := range formats {
		id, ok := styles[cf]
		if !ok {
			if id, err = f.NewStyle(excelStyle(cf)); err != nil {
				return fmt.Errorf("could not create style for %s: %w", ref, err)
			}
			styles[cf] = id
		}
		if err := f.SetCellStyle(ws.Name, ref, ref, id); err != nil {
			return fmt.Errorf("could not style cell %s: %w", ref, err)
		}
	}

	charts, err := s.store.Charts.ListByWorksheet(ctx, ws.ID)
	if err != nil {
		return err
	}
	for _, ch := range charts {
		rng, err := cellref.ParseRange(ch.DataRange)
		if err != nil {
			s.log.Warn("skipping chart with bad range", zap.String("chart", ch.ID), zap.Error(err))
			continue
		}
		chart := &excelize.Chart{
			Type:   chartTypes[ch.Type],
			Series: chartSeries(ws.Name, rng),
		}
		if ch.Title != "" {
			chart.Title = []excelize.RichTextRun{{Text: ch.Title}}
		}
		if err := f.AddChart(ws.Name, ch.Anchor, chart); err != nil {
			return fmt.Errorf("could not add chart %q: %w", ch.Title, err)
		}
	}
	return nil
}

// ExportCSV writes one worksheet as CSV. Formula cells contribute their
// computed values.
func (s *Service) ExportCSV(ctx context.Context, userID, workbookID, worksheetID string, w io.Writer) error {
	if err := s.authz.Require(ctx, userID, workbookID, authz.CellRead); err != nil {
		return err
	}
	if _, err := s.store.Worksheets.Get(ctx, workbookID, worksheetID); err != nil {
		return err
	}
	cells, err := s.store.Cells.ListByWorksheet(ctx, worksheetID)
	if err != nil {
		return err
	}

	grid := map[[2]int]string{}
	maxRow, maxCol := 0, 0
	for _, c := range cells {
		col, row, err := cellref.Parse(c.Reference)
		if err != nil {
			continue
		}
		grid[[2]int{row, col}] = c.Value
		maxRow, maxCol = max(maxRow, row), max(maxCol, col)
	}

	cw := csv.NewWriter(w)
	record := make([]string, maxCol)
	for row := 1; row <= maxRow; row++ {
		for col := 1; col <= maxCol; col++ {
			record[col-1] = grid[[2]int{row, col}]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	s.audit.LogAuditEvent(ctx, userID, "workbook.export", workbookID, "format=csv worksheet="+worksheetID)
	return nil
}
