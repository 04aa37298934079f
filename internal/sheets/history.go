package sheets

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

func newEdit(sessionID string, prev, next *model.Cell) *model.Edit {
	typ := model.EditCellValueChange
	if next.Formula != "" || (prev != nil && prev.Formula != "") {
		typ = model.EditFormulaChange
	}
	return &model.Edit{
		ID:            uuid.NewString(),
		EditSessionID: sessionID,
		WorksheetID:   next.WorksheetID,
		CellReference: next.Reference,
		OldValue:      content(prev),
		NewValue:      content(next),
		Timestamp:     next.UpdatedAt,
		Type:          typ,
	}
}

// History returns the edits of a session in the order they were made.
func (s *Service) History(ctx context.Context, userID, sessionID string) ([]model.Edit, error) {
	sess, err := s.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, userID, sess.WorkbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	return s.store.Edits.ListBySession(ctx, sessionID)
}

// Undo reverts the newest applied edit of the caller's session.
func (s *Service) Undo(ctx context.Context, userID, sessionID string) (*model.Edit, error) {
	return s.replay(ctx, userID, sessionID, true)
}

// Redo re-applies the edit most recently undone.
func (s *Service) Redo(ctx context.Context, userID, sessionID string) (*model.Edit, error) {
	return s.replay(ctx, userID, sessionID, false)
}

func (s *Service) replay(ctx context.Context, userID, sessionID string, undo bool) (*model.Edit, error) {
	sess, err := s.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: session %s belongs to another user", authz.ErrForbidden, sessionID)
	}
	if !sess.Active() {
		return nil, fmt.Errorf("session %s has ended: %w", sessionID, store.ErrConflict)
	}
	if err := s.authz.Require(ctx, userID, sess.WorkbookID, authz.CellWrite); err != nil {
		return nil, err
	}

	var e *model.Edit
	if undo {
		e, err = s.store.Edits.LastApplied(ctx, sessionID)
	} else {
		e, err = s.store.Edits.LastUndone(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	text := e.NewValue
	if undo {
		text = e.OldValue
	}
	if e.Type == model.EditFormatChange {
		return s.replayFormat(ctx, userID, sess, e, text, undo)
	}
	cell, err := s.prepare(ctx, userID, sess.WorkbookID, e.WorksheetID, e.CellReference, text)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if cell.IsEmpty() {
			if err := tx.Cells.Delete(ctx, cell.WorksheetID, cell.Reference); err != nil {
				return err
			}
		} else if err := tx.Cells.Put(ctx, cell, -1); err != nil {
			return err
		}
		if err := tx.Edits.SetUndone(ctx, e.ID, undo); err != nil {
			return err
		}
		return tx.Workbooks.Touch(ctx, sess.WorkbookID, cell.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	e.Undone = undo
	s.broadcast(ctx, userID, sess.WorkbookID, cell)
	return e, nil
}
