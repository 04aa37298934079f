package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// CellInput is a requested cell write. A Value starting with "=" is
// treated as a formula. ExpectedVersion, when set, must match the stored
// version (0 for an unset cell).
type CellInput struct {
	Reference       string `json:"reference"`
	Value           string `json:"value"`
	Formula         string `json:"formula,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// content is what a cell holds as edit-history text: the formula when
// there is one, else the literal value.
func content(c *model.Cell) string {
	if c == nil {
		return ""
	}
	if c.Formula != "" {
		return c.Formula
	}
	return c.Value
}

func (s *Service) worksheet(ctx context.Context, workbookID, worksheetID string) (*model.Worksheet, error) {
	return s.store.Worksheets.Get(ctx, workbookID, worksheetID)
}

// GetCell returns the cell at ref. Unset cells come back empty at version 0.
func (s *Service) GetCell(ctx context.Context, userID, workbookID, worksheetID, ref string) (*model.Cell, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.CellRead); err != nil {
		return nil, err
	}
	ref, err := normalizeRef(ref)
	if err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	c, err := s.store.Cells.Get(ctx, worksheetID, ref)
	if isNotFound(err) {
		return &model.Cell{WorksheetID: worksheetID, Reference: ref}, nil
	}
	return c, err
}

// GetRange returns the set cells between two corners in row-major order.
func (s *Service) GetRange(ctx context.Context, userID, workbookID, worksheetID, start, end string) ([]model.Cell, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.CellRead); err != nil {
		return nil, err
	}
	rng, err := cellref.NewRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	if err := rng.CheckSize(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	return s.store.Cells.ListRange(ctx, worksheetID, rng)
}

func normalizeRef(ref string) (string, error) {
	n, err := cellref.Normalize(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	return n, nil
}

// UpdateCell writes a value or formula. Literal values pass the
// worksheet's validation rules and the DLP guard; formulas are evaluated.
// The change is recorded in the caller's edit session and broadcast.
func (s *Service) UpdateCell(ctx context.Context, userID, workbookID, worksheetID string, in CellInput) (*model.Cell, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.CellWrite); err != nil {
		return nil, err
	}
	ref, err := normalizeRef(in.Reference)
	if err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}

	text := in.Value
	if in.Formula != "" {
		text = formula.Normalize(in.Formula)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: value or formula is required; clear the cell instead", model.ErrInvalid)
	}
	cell, err := s.prepare(ctx, userID, workbookID, worksheetID, ref, text)
	if err != nil {
		return nil, err
	}

	expected := int64(-1)
	if in.ExpectedVersion != nil {
		expected = *in.ExpectedVersion
	}
	if err := s.write(ctx, userID, workbookID, cell, expected); err != nil {
		return nil, err
	}
	return cell, nil
}

// ClearCell removes the contents of a cell.
func (s *Service) ClearCell(ctx context.Context, userID, workbookID, worksheetID, ref string) error {
	if err := s.authz.Require(ctx, userID, workbookID, authz.CellWrite); err != nil {
		return err
	}
	ref, err := normalizeRef(ref)
	if err != nil {
		return err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return err
	}
	cell, err := s.prepare(ctx, userID, workbookID, worksheetID, ref, "")
	if err != nil {
		return err
	}
	return s.write(ctx, userID, workbookID, cell, -1)
}

// prepare turns edit text into a cell, evaluating formulas and checking
// literal values.
func (s *Service) prepare(ctx context.Context, userID, workbookID, worksheetID, ref, text string) (*model.Cell, error) {
	c := &model.Cell{WorksheetID: worksheetID, Reference: ref, UpdatedBy: userID, UpdatedAt: s.now().UTC()}
	if text == "" {
		return c, nil
	}
	if strings.HasPrefix(text, "=") {
		c.Formula = text
		if s.formulas == nil {
			return c, nil
		}
		v, err := s.formulas.EvaluateAt(ctx, workbookID, worksheetID, ref, text)
		if err != nil && !errors.Is(err, formula.ErrEvaluation) {
			return nil, err
		}
		c.Value = v
		return c, nil
	}

	rules, err := s.store.Rules.ListByWorksheet(ctx, worksheetID)
	if err != nil {
		return nil, err
	}
	if err := CheckRules(rules, ref, text); err != nil {
		return nil, err
	}
	if s.guard != nil {
		if err := s.guard.CheckValue(ctx, userID, worksheetID+"!"+ref, text); err != nil {
			return nil, err
		}
	}
	c.Value = text
	return c, nil
}

// sessionID returns the caller's edit session, or "" when sessions are
// not tracked.
func (s *Service) sessionID(ctx context.Context, userID, workbookID string) (string, error) {
	if s.sessions == nil {
		return "", nil
	}
	sess, err := s.sessions.StartSession(ctx, userID, workbookID)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// write stores c (deleting it when empty), records the edit and
// broadcasts the change.
func (s *Service) write(ctx context.Context, userID, workbookID string, c *model.Cell, expected int64) error {
	sessionID, err := s.sessionID(ctx, userID, workbookID)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		prev, err := tx.Cells.Get(ctx, c.WorksheetID, c.Reference)
		if err != nil && !isNotFound(err) {
			return err
		}
		if c.IsEmpty() {
			if expected >= 0 && prev != nil && prev.Version != expected {
				return fmt.Errorf("cell %s is at version %d, not %d: %w", c.Reference, prev.Version, expected, store.ErrConflict)
			}
			if err := tx.Cells.Delete(ctx, c.WorksheetID, c.Reference); err != nil {
				return err
			}
		} else if err := tx.Cells.Put(ctx, c, expected); err != nil {
			return err
		}

		if sessionID != "" {
			if err := tx.Edits.DiscardUndone(ctx, sessionID); err != nil {
				return err
			}
			if err := tx.Edits.Add(ctx, newEdit(sessionID, prev, c)); err != nil {
				return err
			}
		}
		return tx.Workbooks.Touch(ctx, workbookID, c.UpdatedAt)
	})
	if err != nil {
		return err
	}
	s.broadcast(ctx, userID, workbookID, c)
	return nil
}

func (s *Service) broadcast(ctx context.Context, userID, workbookID string, c *model.Cell) {
	ev := collab.Event{Type: collab.EventCellUpdated, WorkbookID: workbookID, WorksheetID: c.WorksheetID,
		Reference: c.Reference, Value: c.Value, Formula: c.Formula, Version: c.Version, UserID: userID, At: c.UpdatedAt}
	if c.IsEmpty() {
		ev.Type = collab.EventCellCleared
	}
	s.events.Publish(ev)

	if s.formulas == nil {
		return
	}
	changed, err := s.formulas.Recalculate(ctx, workbookID, c.WorksheetID)
	if err != nil {
		s.log.Warn("recalculation failed", zap.String("worksheet", c.WorksheetID), zap.Error(err))
		return
	}
	for ref, v := range changed {
		s.events.Publish(collab.Event{Type: collab.EventCellUpdated, WorkbookID: workbookID, WorksheetID: c.WorksheetID,
			Reference: ref, Value: v, At: c.UpdatedAt})
	}
}
