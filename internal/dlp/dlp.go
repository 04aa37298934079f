// Package dlp evaluates data loss prevention policies against workbooks
// and individual cell writes.
package dlp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/classify"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

var (
	// ErrNilPolicy is returned by AddCustomDLPPolicy for a nil policy.
	ErrNilPolicy = errors.New("dlp policy is nil")
	// ErrBlocked is returned when a value violates a blocking policy.
	ErrBlocked = errors.New("blocked by data loss prevention policy")
)

// Action is what happens when a policy is violated.
type Action string

const (
	ActionAudit Action = "audit"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Policy ties classification types to an action. It is violated once at
// least MinMatches cells (default 1) in a workbook carry one of its types.
type Policy struct {
	Name            string   `json:"name"`
	Classifications []string `json:"classifications"`
	Action          Action   `json:"action"`
	MinMatches      int      `json:"min_matches,omitempty"`
}

// AppliesTo reports whether the policy covers a classification type.
func (p *Policy) AppliesTo(classification string) bool {
	for _, c := range p.Classifications {
		if strings.EqualFold(c, classification) {
			return true
		}
	}
	return false
}

func (p *Policy) threshold() int {
	if p.MinMatches < 1 {
		return 1
	}
	return p.MinMatches
}

// DefaultPolicies are enabled unless the policy file disables them.
func DefaultPolicies() []*Policy {
	return []*Policy{
		{Name: "PII Protection", Classifications: []string{classify.SSN}, Action: ActionBlock},
		{Name: "PCI DSS", Classifications: []string{classify.CreditCard}, Action: ActionBlock},
		{Name: "Contact Data", Classifications: []string{classify.Email}, Action: ActionWarn, MinMatches: 10},
	}
}

// Violation is one cell matching one policy.
type Violation struct {
	Worksheet      string `json:"worksheet"`
	Cell           string `json:"cell"`
	Classification string `json:"classification"`
	Policy         string `json:"policy"`
	Action         Action `json:"action"`
}

// Report is the outcome of ApplyDLPPolicies.
type Report struct {
	WorkbookID string                 `json:"workbook_id"`
	Violations map[string][]Violation `json:"violations"`
	Blocked    bool                   `json:"blocked"`
	Total      int                    `json:"total"`
}

// Service evaluates policies.
type Service struct {
	store      *store.Store
	classifier *classify.Classifier
	audit      audit.Recorder
	log        *zap.Logger

	mu       sync.RWMutex
	policies []*Policy
}

// New builds the service with the default policies plus any declared in
// policy. A nil policy keeps just the defaults.
func New(st *store.Store, c *classify.Classifier, policy *config.Policy, rec audit.Recorder, log *zap.Logger) (*Service, error) {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{store: st, classifier: c, audit: rec, log: log}
	if policy == nil || !policy.DLP.DisableDefaults {
		s.policies = DefaultPolicies()
	}
	if policy != nil {
		for _, cfgPol := range policy.DLP.Policies {
			p := &Policy{Name: cfgPol.Name, Classifications: cfgPol.Classifications, Action: Action(cfgPol.Action), MinMatches: cfgPol.MinMatches}
			if err := s.AddCustomDLPPolicy(p); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// AddCustomDLPPolicy registers an extra policy.
func (s *Service) AddCustomDLPPolicy(p *Policy) error {
	if p == nil {
		return ErrNilPolicy
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: dlp policy name is required", model.ErrInvalid)
	}
	switch p.Action {
	case ActionAudit, ActionWarn, ActionBlock:
	default:
		return fmt.Errorf("%w: dlp policy %s has unknown action %q", model.ErrInvalid, p.Name, p.Action)
	}
	if len(p.Classifications) == 0 {
		return fmt.Errorf("%w: dlp policy %s names no classifications", model.ErrInvalid, p.Name)
	}
	for _, c := range p.Classifications {
		if s.classifier != nil && !s.classifier.Known(c) {
			return fmt.Errorf("%w: dlp policy %s references unknown classification %q", model.ErrInvalid, p.Name, c)
		}
	}
	s.mu.Lock()
	s.policies = append(s.policies, p)
	s.mu.Unlock()
	return nil
}

// Policies returns a snapshot of the active policies.
func (s *Service) Policies() []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Policy(nil), s.policies...)
}

// ApplyDLPPolicies classifies every cell of a workbook and reports which
// policies it violates.
func (s *Service) ApplyDLPPolicies(ctx context.Context, workbookID string) (*Report, error) {
	if _, err := s.store.Workbooks.Get(ctx, workbookID); err != nil {
		return nil, err
	}
	sheets, err := s.store.Worksheets.ListByWorkbook(ctx, workbookID)
	if err != nil {
		return nil, err
	}
	policies := s.Policies()

	candidates := map[*Policy][]Violation{}
	for _, ws := range sheets {
		cells, err := s.store.Cells.ListByWorksheet(ctx, ws.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			class := s.classifier.ClassifyCellValue(c.Value)
			if class == "" {
				continue
			}
			for _, p := range policies {
				if p.AppliesTo(class) {
					candidates[p] = append(candidates[p], Violation{
						Worksheet: ws.Name, Cell: c.Reference, Classification: class,
						Policy: p.Name, Action: p.Action,
					})
				}
			}
		}
	}

	report := &Report{WorkbookID: workbookID, Violations: map[string][]Violation{}}
	for _, p := range policies {
		vs := candidates[p]
		if len(vs) < p.threshold() {
			continue
		}
		for _, v := range vs {
			report.Violations[v.Worksheet] = append(report.Violations[v.Worksheet], v)
		}
		report.Total += len(vs)
		if p.Action == ActionBlock {
			report.Blocked = true
		}
	}

	if report.Total > 0 {
		s.audit.LogAuditEvent(ctx, "", "dlp.scan", workbookID,
			fmt.Sprintf("violations=%d blocked=%t", report.Total, report.Blocked))
	}
	return report, nil
}

// CheckValue enforces policies on a single value about to be written.
// Policies with a MinMatches above one only apply to whole-workbook scans.
func (s *Service) CheckValue(ctx context.Context, userID, resourceID, value string) error {
	class := s.classifier.ClassifyCellValue(value)
	if class == "" {
		return nil
	}
	for _, p := range s.Policies() {
		if !p.AppliesTo(class) || p.threshold() > 1 {
			continue
		}
		switch p.Action {
		case ActionBlock:
			s.audit.LogAuditEvent(ctx, userID, "dlp.block", resourceID, "policy="+p.Name+" classification="+class)
			return fmt.Errorf("%w: %s (%s)", ErrBlocked, p.Name, class)
		case ActionWarn:
			s.log.Warn("dlp policy matched", zap.String("policy", p.Name), zap.String("classification", class),
				zap.String("resource", resourceID))
		case ActionAudit:
			s.audit.LogAuditEvent(ctx, userID, "dlp.match", resourceID, "policy="+p.Name+" classification="+class)
		}
	}
	return nil
}
