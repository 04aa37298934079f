package sheets

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/model"
)

func normalizeChart(ch *model.Chart) error {
	if err := model.Validate(ch); err != nil {
		return err
	}
	rng, err := cellref.ParseRange(ch.DataRange)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	if err := rng.CheckSize(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	ch.DataRange = rng.String()
	ch.Anchor, err = normalizeRef(ch.Anchor)
	return err
}

// ListCharts returns the charts on a worksheet.
func (s *Service) ListCharts(ctx context.Context, userID, workbookID, worksheetID string) ([]model.Chart, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	return s.store.Charts.ListByWorksheet(ctx, worksheetID)
}

// GetChart returns one chart.
func (s *Service) GetChart(ctx context.Context, userID, workbookID, worksheetID, chartID string) (*model.Chart, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	return s.store.Charts.Get(ctx, worksheetID, chartID)
}

// CreateChart adds a chart to a worksheet.
func (s *Service) CreateChart(ctx context.Context, userID, workbookID, worksheetID string, ch model.Chart) (*model.Chart, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.ChartWrite); err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ch.ID, ch.WorksheetID, ch.CreatedAt, ch.UpdatedAt = uuid.NewString(), worksheetID, now, now
	if err := normalizeChart(&ch); err != nil {
		return nil, err
	}
	if err := s.store.Charts.Add(ctx, &ch); err != nil {
		return nil, err
	}
	s.store.Workbooks.Touch(ctx, workbookID, now)
	s.events.Publish(collab.Event{Type: collab.EventChartChanged, WorkbookID: workbookID, WorksheetID: worksheetID, UserID: userID, At: now, Data: ch})
	return &ch, nil
}

// UpdateChart replaces a chart's title, type, data range and anchor.
func (s *Service) UpdateChart(ctx context.Context, userID, workbookID, worksheetID, chartID string, in model.Chart) (*model.Chart, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.ChartWrite); err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	ch, err := s.store.Charts.Get(ctx, worksheetID, chartID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ch.Title, ch.Type, ch.DataRange, ch.Anchor, ch.UpdatedAt = in.Title, in.Type, in.DataRange, in.Anchor, now
	if err := normalizeChart(ch); err != nil {
		return nil, err
	}
	if err := s.store.Charts.Update(ctx, ch); err != nil {
		return nil, err
	}
	s.store.Workbooks.Touch(ctx, workbookID, now)
	s.events.Publish(collab.Event{Type: collab.EventChartChanged, WorkbookID: workbookID, WorksheetID: worksheetID, UserID: userID, At: now, Data: ch})
	return ch, nil
}

// DeleteChart removes a chart.
func (s *Service) DeleteChart(ctx context.Context, userID, workbookID, worksheetID, chartID string) error {
	if err := s.authz.Require(ctx, userID, workbookID, authz.ChartWrite); err != nil {
		return err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return err
	}
	if err := s.store.Charts.Delete(ctx, worksheetID, chartID); err != nil {
		return err
	}
	s.events.Publish(collab.Event{Type: collab.EventChartDeleted, WorkbookID: workbookID, WorksheetID: worksheetID, UserID: userID, At: s.now().UTC()})
	return nil
}
