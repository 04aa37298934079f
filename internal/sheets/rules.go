package sheets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/model"
)

// ErrRuleViolation is returned when a value fails a validation rule.
var ErrRuleViolation = errors.New("value rejected by validation rule")

const dateLayout = "2006-01-02"

// checkRuleParams verifies the parameters make sense for the rule type.
func checkRuleParams(r *model.ValidationRule) error {
	p := r.Parameters
	switch r.Type {
	case model.RuleNumber:
		if len(p) > 2 {
			return fmt.Errorf("%w: number rules take at most min and max", model.ErrInvalid)
		}
		var bounds []float64
		for _, v := range p {
			if v == "" {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%w: number bound %q is not a number", model.ErrInvalid, v)
			}
			bounds = append(bounds, f)
		}
		if len(p) == 2 && len(bounds) == 2 && bounds[0] > bounds[1] {
			return fmt.Errorf("%w: min is greater than max", model.ErrInvalid)
		}
	case model.RuleList:
		if len(p) == 0 {
			return fmt.Errorf("%w: list rules need at least one allowed value", model.ErrInvalid)
		}
	case model.RuleLength:
		if len(p) != 1 {
			return fmt.Errorf("%w: length rules take exactly one max length", model.ErrInvalid)
		}
		if n, err := strconv.Atoi(p[0]); err != nil || n < 0 {
			return fmt.Errorf("%w: max length %q is not a non-negative integer", model.ErrInvalid, p[0])
		}
	}
	return nil
}

// Check reports whether value satisfies rule. Empty values always pass.
func Check(rule model.ValidationRule, value string) bool {
	if value == "" {
		return true
	}
	p := rule.Parameters
	switch rule.Type {
	case model.RuleNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		if len(p) > 0 && p[0] != "" {
			if lo, err := strconv.ParseFloat(p[0], 64); err == nil && f < lo {
				return false
			}
		}
		if len(p) > 1 && p[1] != "" {
			if hi, err := strconv.ParseFloat(p[1], 64); err == nil && f > hi {
				return false
			}
		}
		return true
	case model.RuleDate:
		_, err := time.Parse(dateLayout, strings.TrimSpace(value))
		return err == nil
	case model.RuleList:
		for _, allowed := range p {
			if value == allowed {
				return true
			}
		}
		return false
	case model.RuleLength:
		limit, err := strconv.Atoi(p[0])
		return err == nil && utf8.RuneCountInString(value) <= limit
	}
	return true
}

// CheckRules applies the first rule whose range contains ref.
func CheckRules(rules []model.ValidationRule, ref, value string) error {
	for _, r := range rules {
		rng, err := cellref.ParseRange(r.Range)
		if err != nil || !rng.Contains(ref) {
			continue
		}
		if Check(r, value) {
			return nil
		}
		msg := r.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("%s does not satisfy the %s rule on %s", ref, r.Type, r.Range)
		}
		return fmt.Errorf("%w: %s", ErrRuleViolation, msg)
	}
	return nil
}

// SetRule adds a validation rule to a worksheet.
func (s *Service) SetRule(ctx context.Context, userID, workbookID, worksheetID string, rule model.ValidationRule) (*model.ValidationRule, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookWrite); err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	rule.ID = uuid.NewString()
	rule.WorksheetID = worksheetID
	if err := model.Validate(&rule); err != nil {
		return nil, err
	}
	rng, _ := cellref.ParseRange(rule.Range)
	rule.Range = rng.String()
	if err := checkRuleParams(&rule); err != nil {
		return nil, err
	}
	if err := s.store.Rules.Add(ctx, &rule); err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, userID, "rule.set", workbookID, fmt.Sprintf("worksheet=%s range=%s type=%s", worksheetID, rule.Range, rule.Type))
	return &rule, nil
}

// ListRules returns a worksheet's rules in the order they apply.
func (s *Service) ListRules(ctx context.Context, userID, workbookID, worksheetID string) ([]model.ValidationRule, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return nil, err
	}
	return s.store.Rules.ListByWorksheet(ctx, worksheetID)
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, userID, workbookID, worksheetID, ruleID string) error {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookWrite); err != nil {
		return err
	}
	if _, err := s.worksheet(ctx, workbookID, worksheetID); err != nil {
		return err
	}
	return s.store.Rules.Delete(ctx, worksheetID, ruleID)
}
