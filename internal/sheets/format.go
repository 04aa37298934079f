package sheets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// encodeFormat is a format as edit-history text. The default format is "".
func encodeFormat(f model.CellFormat) string {
	if f.IsZero() {
		return ""
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func decodeFormat(text string) (model.CellFormat, error) {
	var f model.CellFormat
	if text == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return f, fmt.Errorf("decode format: %w", err)
	}
	return f, nil
}

func parseRange(text string) (cellref.Range, error) {
	rng, err := cellref.ParseRange(text)
	if err != nil {
		return rng, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	if err := rng.CheckSize(); err != nil {
		return rng, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	return rng, nil
}

// GetFormat returns the format of one cell. Unformatted cells come back
// as the zero format.
func (s *Service) GetFormat(ctx context.Context, userID, workbookID, worksheetID, ref string) (*model.CellFormat, error) {
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
	f, err := s.store.Formats.Get(ctx, worksheetID, ref)
	if isNotFound(err) {
		return &model.CellFormat{}, nil
	}
	return f, err
}

// ListFormats returns the formatted cells of a range keyed by reference.
func (s *Service) ListFormats(ctx context.Context, userID, workbookID, worksheetID, rangeText string) (map[string]model.CellFormat, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.CellRead); err != nil {
		return nil, err
	}
	rng, err := parseRange(rangeText)
	if err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	return s.store.Formats.ListRange(ctx, worksheetID, rng)
}

// SetFormat applies f to every cell of a range ("B2" or "A1:C3") and
// returns how many cells changed. Each change is recorded as a
// FormatChange edit so it can be undone cell by cell. A zero f resets the
// range to the default format.
func (s *Service) SetFormat(ctx context.Context, userID, workbookID, worksheetID, rangeText string, f model.CellFormat) (int, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.CellWrite); err != nil {
		return 0, err
	}
	if err := model.Validate(f); err != nil {
		return 0, err
	}
	rng, err := parseRange(rangeText)
	if err != nil {
		return 0, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return 0, err
	}
	sessionID, err := s.sessionID(ctx, userID, workbookID)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	var changed int
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		changed = 0
		prev, err := tx.Formats.ListRange(ctx, worksheetID, rng)
		if err != nil {
			return err
		}
		for _, ref := range rng.Cells() {
			old := prev[ref]
			if old == f {
				continue
			}
			if err := tx.Formats.Put(ctx, worksheetID, ref, f); err != nil {
				return err
			}
			if sessionID != "" {
				if changed == 0 {
					if err := tx.Edits.DiscardUndone(ctx, sessionID); err != nil {
						return err
					}
				}
				if err := tx.Edits.Add(ctx, &model.Edit{
					ID:            uuid.NewString(),
					EditSessionID: sessionID,
					WorksheetID:   worksheetID,
					CellReference: ref,
					OldValue:      encodeFormat(old),
					NewValue:      encodeFormat(f),
					Timestamp:     now,
					Type:          model.EditFormatChange,
				}); err != nil {
					return err
				}
			}
			changed++
		}
		if changed == 0 {
			return nil
		}
		return tx.Workbooks.Touch(ctx, workbookID, now)
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		s.events.Publish(collab.Event{Type: collab.EventFormatChanged, WorkbookID: workbookID, WorksheetID: worksheetID,
			Reference: rng.String(), UserID: userID, At: now, Data: f})
	}
	return changed, nil
}

// ClearFormat resets every cell of a range to the default format.
func (s *Service) ClearFormat(ctx context.Context, userID, workbookID, worksheetID, rangeText string) (int, error) {
	return s.SetFormat(ctx, userID, workbookID, worksheetID, rangeText, model.CellFormat{})
}

func (s *Service) replayFormat(ctx context.Context, userID string, sess *model.EditSession, e *model.Edit, text string, undo bool) (*model.Edit, error) {
	f, err := decodeFormat(text)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Formats.Put(ctx, e.WorksheetID, e.CellReference, f); err != nil {
			return err
		}
		if err := tx.Edits.SetUndone(ctx, e.ID, undo); err != nil {
			return err
		}
		return tx.Workbooks.Touch(ctx, sess.WorkbookID, now)
	})
	if err != nil {
		return nil, err
	}
	e.Undone = undo
	s.events.Publish(collab.Event{Type: collab.EventFormatChanged, WorkbookID: sess.WorkbookID, WorksheetID: e.WorksheetID,
		Reference: e.CellReference, UserID: userID, At: now, Data: f})
	return e, nil
}
