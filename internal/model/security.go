package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity ranks incidents. Higher values are more severe.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Valid reports whether s is a defined severity.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown severity %q", ErrInvalid, name)
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "Open"
	StatusInvestigating IncidentStatus = "Investigating"
	StatusResolved      IncidentStatus = "Resolved"
	StatusClosed        IncidentStatus = "Closed"
)

// ValidStatus reports whether s is a known incident status.
func ValidStatus(s IncidentStatus) bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Escalation records one severity increase.
type Escalation struct {
	From   Severity  `json:"from"`
	To     Severity  `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Incident is a reported security event.
type Incident struct {
	ID                string         `json:"id"`
	Title             string         `json:"title" validate:"required,max=200"`
	Description       string         `json:"description"`
	Severity          Severity       `json:"severity"`
	Status            IncidentStatus `json:"status"`
	ReportedBy        string         `json:"reported_by"`
	ReportedAt        time.Time      `json:"reported_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	EscalationHistory []Escalation   `json:"escalation_history,omitempty"`
}

// Active reports whether the incident still needs attention.
func (i Incident) Active() bool {
	return i.Status == StatusOpen || i.Status == StatusInvestigating
}

// Patch is a published update for the sheetkit server.
type Patch struct {
	ID           string     `json:"id"`
	Version      string     `json:"version"`
	Description  string     `json:"description"`
	URL          string     `json:"url"`
	SHA256       string     `json:"sha256,omitempty"`
	ReleasedAt   time.Time  `json:"released_at"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	InstalledAt  *time.Time `json:"installed_at,omitempty"`
	LocalPath    string     `json:"local_path,omitempty"`
}

// RuleType selects how a ValidationRule checks values.
type RuleType string

const (
	RuleNumber RuleType = "number"
	RuleText   RuleType = "text"
	RuleDate   RuleType = "date"
	RuleList   RuleType = "list"
	RuleLength RuleType = "length"
)

// ValidationRule constrains the values that may be entered into a range.
type ValidationRule struct {
	ID           string   `json:"id"`
	WorksheetID  string   `json:"worksheet_id"`
	Range        string   `json:"range" validate:"required,cellrange"`
	Type         RuleType `json:"type" validate:"required,oneof=number text date list length"`
	Parameters   []string `json:"parameters,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}
