package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/crypto"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// WorksheetResult is the classification of one worksheet.
type WorksheetResult struct {
	WorksheetID string `json:"worksheet_id"`
	Name        string `json:"name"`
	Matches     Result `json:"matches"`
}

// WorkbookResult is the classification of a whole workbook.
type WorkbookResult struct {
	WorkbookID string            `json:"workbook_id"`
	Label      Label             `json:"label"`
	Worksheets []WorksheetResult `json:"worksheets"`
}

// Totals merges the per-worksheet matches into counts per type.
func (r *WorkbookResult) Totals() map[string]int {
	out := map[string]int{}
	for _, ws := range r.Worksheets {
		for t, refs := range ws.Matches {
			out[t] += len(refs)
		}
	}
	return out
}

// ProtectionResult summarizes ApplyProtectionPolicy.
type ProtectionResult struct {
	WorkbookID string `json:"workbook_id"`
	Label      Label  `json:"label"`
	Encrypted  int    `json:"encrypted"`
	Masked     int    `json:"masked"`
}

// Service classifies stored workbooks.
type Service struct {
	store      *store.Store
	classifier *Classifier
	sealer     *crypto.Sealer
	audit      audit.Recorder
	log        *zap.Logger
	// Parallelism bounds concurrent worksheet scans.
	Parallelism int
	// Formulas, when set, recalculates worksheets after protection.
	Formulas *formula.Service
	// Events receives the cell changes protection makes.
	Events collab.Publisher
}

// NewService builds the service. sealer may be nil, in which case values
// that should be encrypted are masked instead.
func NewService(st *store.Store, c *Classifier, sealer *crypto.Sealer, rec audit.Recorder, log *zap.Logger) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, classifier: c, sealer: sealer, audit: rec, log: log, Parallelism: 4, Events: collab.NopPublisher{}}
}

// Classifier returns the underlying classifier.
func (s *Service) Classifier() *Classifier { return s.classifier }

// ClassifyWorksheet classifies the cells of one worksheet.
func (s *Service) ClassifyWorksheet(ctx context.Context, worksheetID string) (Result, error) {
	cells, err := s.store.Cells.ListByWorksheet(ctx, worksheetID)
	if err != nil {
		return nil, err
	}
	// Sealed values are classified by their plaintext so that protecting
	// a workbook does not lower its label.
	if s.sealer != nil {
		for i, c := range cells {
			if crypto.IsSealed(c.Value) {
				if plain, err := s.sealer.Open(c.Value); err == nil {
					cells[i].Value = plain
				}
			}
		}
	}
	return s.classifier.ClassifyCells(cells), nil
}

// ClassifyWorkbook classifies every worksheet concurrently.
func (s *Service) ClassifyWorkbook(ctx context.Context, workbookID string) (*WorkbookResult, error) {
	if _, err := s.store.Workbooks.Get(ctx, workbookID); err != nil {
		return nil, err
	}
	sheets, err := s.store.Worksheets.ListByWorkbook(ctx, workbookID)
	if err != nil {
		return nil, err
	}

	results := make([]WorksheetResult, len(sheets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Parallelism))
	for i, ws := range sheets {
		i, ws := i, ws
		g.Go(func() error {
			m, err := s.ClassifyWorksheet(gctx, ws.ID)
			if err != nil {
				return fmt.Errorf("classify worksheet %s: %w", ws.Name, err)
			}
			results[i] = WorksheetResult{WorksheetID: ws.ID, Name: ws.Name, Matches: m}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := Result{}
	for _, r := range results {
		for t, refs := range r.Matches {
			merged[t] = append(merged[t], refs...)
		}
	}
	return &WorkbookResult{WorkbookID: workbookID, Label: s.classifier.Label(merged), Worksheets: results}, nil
}

// ApplyProtectionPolicy encrypts or masks classified cells and stores the
// workbook's label. Formula cells keep their formula and have their
// computed value protected; worksheets that changed are then recalculated
// so that no formula keeps a result derived from plaintext.
func (s *Service) ApplyProtectionPolicy(ctx context.Context, workbookID, userID string) (*ProtectionResult, error) {
	res, err := s.ClassifyWorkbook(ctx, workbookID)
	if err != nil {
		return nil, err
	}
	out := &ProtectionResult{WorkbookID: workbookID, Label: res.Label}

	var protected []*model.Cell
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		protected = protected[:0]
		out.Encrypted, out.Masked = 0, 0
		for _, ws := range res.Worksheets {
			for _, t := range ws.Matches.Types() {
				prot := s.protection(t)
				if prot == ProtectNone {
					continue
				}
				for _, ref := range ws.Matches[t] {
					c, err := s.protectCell(ctx, tx, ws.WorksheetID, ref, prot, userID)
					if err != nil {
						return err
					}
					if c == nil {
						continue
					}
					protected = append(protected, c)
					if prot == ProtectEncrypt {
						out.Encrypted++
					} else {
						out.Masked++
					}
				}
			}
		}
		wb, err := tx.Workbooks.Get(ctx, workbookID)
		if err != nil {
			return err
		}
		wb.Classification = string(res.Label)
		return tx.Workbooks.Update(ctx, wb)
	})
	if err != nil {
		return nil, fmt.Errorf("apply protection policy: %w", err)
	}

	touched := map[string]bool{}
	for _, c := range protected {
		touched[c.WorksheetID] = true
		s.Events.Publish(collab.Event{Type: collab.EventCellUpdated, WorkbookID: workbookID, WorksheetID: c.WorksheetID,
			Reference: c.Reference, Value: c.Value, Formula: c.Formula, Version: c.Version, UserID: userID, At: c.UpdatedAt})
	}
	for wsID := range touched {
		if err := s.recalculate(ctx, workbookID, wsID, userID); err != nil {
			return nil, fmt.Errorf("apply protection policy: %w", err)
		}
	}

	s.audit.LogAuditEvent(ctx, userID, "classification.protect", workbookID,
		fmt.Sprintf("label=%s encrypted=%d masked=%d", out.Label, out.Encrypted, out.Masked))
	s.log.Info("protection applied", zap.String("workbook", workbookID), zap.String("label", string(out.Label)),
		zap.Int("encrypted", out.Encrypted), zap.Int("masked", out.Masked))
	return out, nil
}

// recalculate refreshes a worksheet's formula results after its inputs were
// protected. A result that still classifies as sensitive, such as one built
// from a literal in the formula text, is protected in place.
func (s *Service) recalculate(ctx context.Context, workbookID, worksheetID, userID string) error {
	if s.Formulas == nil {
		return nil
	}
	changed, err := s.Formulas.Recalculate(ctx, workbookID, worksheetID)
	if err != nil {
		return err
	}
	for ref, v := range changed {
		if t := s.classifier.ClassifyCellValue(v); t != "" {
			pv, ok, err := s.protectValue(v, s.protection(t))
			if err != nil {
				return err
			}
			if ok {
				if err := s.store.Cells.SetComputed(ctx, worksheetID, ref, pv); err != nil {
					return err
				}
				v = pv
			}
		}
		s.Events.Publish(collab.Event{Type: collab.EventCellUpdated, WorkbookID: workbookID, WorksheetID: worksheetID,
			Reference: ref, Value: v, UserID: userID})
	}
	return nil
}

// protection returns the protection for a type, masking when encryption
// is asked for but no key is configured.
func (s *Service) protection(t string) Protection {
	prot := s.classifier.ProtectionFor(t)
	if prot == ProtectEncrypt && s.sealer == nil {
		s.log.Warn("no master key configured; masking instead of encrypting", zap.String("type", t))
		return ProtectMask
	}
	return prot
}

func (s *Service) protectValue(v string, prot Protection) (string, bool, error) {
	if crypto.IsSealed(v) {
		return v, false, nil
	}
	switch prot {
	case ProtectEncrypt:
		sealed, err := s.sealer.Seal(v)
		if err != nil {
			return v, false, err
		}
		return sealed, true, nil
	case ProtectMask:
		masked := Mask(v)
		return masked, masked != v, nil
	}
	return v, false, nil
}

// protectCell protects one stored cell and returns it, or nil when the cell
// needed no change.
func (s *Service) protectCell(ctx context.Context, tx *store.Store, worksheetID, ref string, prot Protection, userID string) (*model.Cell, error) {
	c, err := tx.Cells.Get(ctx, worksheetID, ref)
	if err != nil {
		return nil, err
	}
	v, ok, err := s.protectValue(c.Value, prot)
	if err != nil || !ok {
		return nil, err
	}
	c.Value = v
	c.UpdatedAt = time.Now().UTC()
	c.UpdatedBy = userID
	if err := tx.Cells.Put(ctx, c, c.Version); err != nil {
		return nil, err
	}
	return c, nil
}

// Summary renders a one-line description of a result.
func Summary(r *WorkbookResult) string {
	totals := r.Totals()
	if len(totals) == 0 {
		return string(r.Label) + ": no sensitive data"
	}
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, totals[k])
	}
	return string(r.Label) + ": " + strings.Join(parts, " ")
}
