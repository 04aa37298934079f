// Package sheets implements workbook, worksheet, cell, chart and
// validation-rule operations on top of the store.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// ErrLastWorksheet is returned when deleting a workbook's only worksheet.
var ErrLastWorksheet = fmt.Errorf("a workbook must keep at least one worksheet: %w", store.ErrConflict)

// DefaultSheetName names the worksheet every new workbook starts with.
const DefaultSheetName = "Sheet1"

// ValueChecker vets a value before it is written. The DLP service
// implements it.
type ValueChecker interface {
	CheckValue(ctx context.Context, userID, resourceID, value string) error
}

// SessionStarter returns the caller's active edit session, opening one if needed.
type SessionStarter interface {
	StartSession(ctx context.Context, userID, workbookID string) (*model.EditSession, error)
}

// Options carries the optional collaborators of Service.
type Options struct {
	Formulas *formula.Service
	Guard    ValueChecker
	Sessions SessionStarter
	Events   collab.Publisher
	Audit    audit.Recorder
	Log      *zap.Logger
}

// Service implements the spreadsheet operations. Every method takes the
// acting user's ID and enforces workbook permissions.
type Service struct {
	store    *store.Store
	authz    *authz.Service
	formulas *formula.Service
	guard    ValueChecker
	sessions SessionStarter
	events   collab.Publisher
	audit    audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// New builds the service.
func New(st *store.Store, az *authz.Service, opts Options) *Service {
	s := &Service{
		store:    st,
		authz:    az,
		formulas: opts.Formulas,
		guard:    opts.Guard,
		sessions: opts.Sessions,
		events:   opts.Events,
		audit:    opts.Audit,
		log:      opts.Log,
		now:      time.Now,
	}
	if s.events == nil {
		s.events = collab.NopPublisher{}
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// GetWorkbook returns a workbook the user can read.
func (s *Service) GetWorkbook(ctx context.Context, userID, id string) (*model.Workbook, error) {
	if err := s.authz.Require(ctx, userID, id, authz.WorkbookRead); err != nil {
		return nil, err
	}
	return s.store.Workbooks.Get(ctx, id)
}

// ListWorkbooks pages through the workbooks the user owns or shares.
func (s *Service) ListWorkbooks(ctx context.Context, userID string, page, size int) ([]model.Workbook, int, error) {
	limit, offset := store.Page(page, size)
	return s.store.Workbooks.ListForUser(ctx, userID, s.now(), limit, offset)
}

// CreateWorkbook creates a workbook owned by the user with one empty worksheet.
func (s *Service) CreateWorkbook(ctx context.Context, userID, name string) (*model.Workbook, error) {
	now := s.now().UTC()
	wb := &model.Workbook{ID: uuid.NewString(), Name: strings.TrimSpace(name), OwnerID: userID, CreatedAt: now, LastModifiedAt: now}
	if err := model.Validate(wb); err != nil {
		return nil, err
	}
	ws := &model.Worksheet{ID: uuid.NewString(), WorkbookID: wb.ID, Name: DefaultSheetName, CreatedAt: now}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Users.Get(ctx, userID); err != nil {
			return err
		}
		if err := tx.Workbooks.Add(ctx, wb); err != nil {
			return err
		}
		return tx.Worksheets.Add(ctx, ws)
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, userID, "workbook.create", wb.ID, "name="+wb.Name)
	s.log.Debug("workbook created", zap.String("id", wb.ID), zap.String("owner", userID))
	return wb, nil
}

// UpdateWorkbook renames a workbook and, when isShared is non-nil, sets
// its shared flag. An empty name keeps the current one.
func (s *Service) UpdateWorkbook(ctx context.Context, userID, id, name string, isShared *bool) error {
	if err := s.authz.Require(ctx, userID, id, authz.WorkbookWrite); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		wb, err := tx.Workbooks.Get(ctx, id)
		if err != nil {
			return err
		}
		if name = strings.TrimSpace(name); name != "" {
			wb.Name = name
		}
		if isShared != nil {
			wb.IsShared = *isShared
		}
		wb.LastModifiedAt = s.now().UTC()
		if err := model.Validate(wb); err != nil {
			return err
		}
		return tx.Workbooks.Update(ctx, wb)
	})
}

// DeleteWorkbook removes a workbook with everything in it.
func (s *Service) DeleteWorkbook(ctx context.Context, userID, id string) error {
	if err := s.authz.Require(ctx, userID, id, authz.WorkbookDelete); err != nil {
		return err
	}
	if err := s.store.Workbooks.Delete(ctx, id); err != nil {
		return err
	}
	s.authz.InvalidateWorkbook(id)
	s.audit.LogAuditEvent(ctx, userID, "workbook.delete", id, "")
	return nil
}

// ListWorksheets returns a workbook's worksheets in tab order.
func (s *Service) ListWorksheets(ctx context.Context, userID, workbookID string) ([]model.Worksheet, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	return s.store.Worksheets.ListByWorkbook(ctx, workbookID)
}

// GetWorksheet returns one worksheet of a workbook.
func (s *Service) GetWorksheet(ctx context.Context, userID, workbookID, worksheetID string) (*model.Worksheet, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	return s.store.Worksheets.Get(ctx, workbookID, worksheetID)
}

// CreateWorksheet appends a worksheet. Names are unique per workbook.
func (s *Service) CreateWorksheet(ctx context.Context, userID, workbookID, name string) (*model.Worksheet, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookWrite); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ws := &model.Worksheet{ID: uuid.NewString(), WorkbookID: workbookID, Name: strings.TrimSpace(name), CreatedAt: now}
	if err := model.Validate(ws); err != nil {
		return nil, err
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		pos, err := tx.Worksheets.NextPosition(ctx, workbookID)
		if err != nil {
			return err
		}
		ws.Position = pos
		if err := tx.Worksheets.Add(ctx, ws); err != nil {
			return err
		}
		return tx.Workbooks.Touch(ctx, workbookID, now)
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(collab.Event{Type: collab.EventWorksheetChanged, WorkbookID: workbookID, WorksheetID: ws.ID, UserID: userID, At: now, Data: ws})
	return ws, nil
}

// RenameWorksheet changes a worksheet's name.
func (s *Service) RenameWorksheet(ctx context.Context, userID, workbookID, worksheetID, name string) (*model.Worksheet, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookWrite); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var ws *model.Worksheet
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		if ws, err = tx.Worksheets.Get(ctx, workbookID, worksheetID); err != nil {
			return err
		}
		ws.Name = strings.TrimSpace(name)
		if err := model.Validate(ws); err != nil {
			return err
		}
		if err := tx.Worksheets.Update(ctx, ws); err != nil {
			return err
		}
		return tx.Workbooks.Touch(ctx, workbookID, now)
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(collab.Event{Type: collab.EventWorksheetChanged, WorkbookID: workbookID, WorksheetID: ws.ID, UserID: userID, At: now, Data: ws})
	return ws, nil
}

// DeleteWorksheet removes a worksheet. The last worksheet of a workbook
// cannot be deleted.
func (s *Service) DeleteWorksheet(ctx context.Context, userID, workbookID, worksheetID string) error {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookWrite); err != nil {
		return err
	}
	now := s.now().UTC()
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Worksheets.Get(ctx, workbookID, worksheetID); err != nil {
			return err
		}
		n, err := tx.Worksheets.Count(ctx, workbookID)
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastWorksheet
		}
		if err := tx.Worksheets.Delete(ctx, workbookID, worksheetID); err != nil {
			return err
		}
		return tx.Workbooks.Touch(ctx, workbookID, now)
	})
	if err != nil {
		return err
	}
	s.audit.LogAuditEvent(ctx, userID, "worksheet.delete", workbookID, "worksheet="+worksheetID)
	s.events.Publish(collab.Event{Type: collab.EventWorksheetDeleted, WorkbookID: workbookID, WorksheetID: worksheetID, UserID: userID, At: now})
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
