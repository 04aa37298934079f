// Package model defines the persistent entities of a sheetkit deployment.
package model

import (
	"time"
)

// Role is a system-wide user role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is an account that can own and edit workbooks.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username" validate:"required,min=3,max=50"`
	Email        string     `json:"email" validate:"required,email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role" validate:"oneof=admin user"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// Workbook is a named collection of worksheets owned by one user.
type Workbook struct {
	ID             string    `json:"id"`
	Name           string    `json:"name" validate:"required,max=255"`
	OwnerID        string    `json:"owner_id" validate:"required"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	IsShared       bool      `json:"is_shared"`
	Classification string    `json:"classification,omitempty"`
}

// Worksheet is a single grid inside a workbook.
type Worksheet struct {
	ID         string    `json:"id"`
	WorkbookID string    `json:"workbook_id" validate:"required"`
	Name       string    `json:"name" validate:"required,max=31,sheetname"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cell holds a literal value or a formula with its last computed value.
// Version increases on every write and backs optimistic concurrency.
type Cell struct {
	WorksheetID string    `json:"worksheet_id"`
	Reference   string    `json:"reference" validate:"required,cellref"`
	Value       string    `json:"value"`
	Formula     string    `json:"formula,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
}

// IsEmpty reports whether the cell carries neither a value nor a formula.
func (c Cell) IsEmpty() bool {
	return c.Value == "" && c.Formula == ""
}

// ChartType names a chart kind understood by the xlsx writer.
type ChartType string

const (
	ChartArea    ChartType = "area"
	ChartBar     ChartType = "bar"
	ChartCol     ChartType = "col"
	ChartLine    ChartType = "line"
	ChartPie     ChartType = "pie"
	ChartScatter ChartType = "scatter"
)

// Chart plots a data range of a worksheet.
type Chart struct {
	ID          string    `json:"id"`
	WorksheetID string    `json:"worksheet_id"`
	Title       string    `json:"title" validate:"max=255"`
	Type        ChartType `json:"type" validate:"required,oneof=area bar col line pie scatter"`
	DataRange   string    `json:"data_range" validate:"required,cellrange"`
	Anchor      string    `json:"anchor" validate:"required,cellref"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CellFormat is the presentation of one cell. The zero value is the
// default format; colors are "#RRGGBB".
type CellFormat struct {
	FontName     string  `json:"font_name,omitempty" validate:"max=64"`
	FontSize     float64 `json:"font_size,omitempty" validate:"gte=0,lte=409"`
	Bold         bool    `json:"bold,omitempty"`
	Italic       bool    `json:"italic,omitempty"`
	Underline    bool    `json:"underline,omitempty"`
	TextColor    string  `json:"text_color,omitempty" validate:"omitempty,len=7,hexcolor"`
	FillColor    string  `json:"fill_color,omitempty" validate:"omitempty,len=7,hexcolor"`
	HAlign       string  `json:"horizontal_alignment,omitempty" validate:"omitempty,oneof=left center right justify"`
	VAlign       string  `json:"vertical_alignment,omitempty" validate:"omitempty,oneof=top center bottom"`
	NumberFormat string  `json:"number_format,omitempty" validate:"max=255"`
}

// IsZero reports whether f is the default format.
func (f CellFormat) IsZero() bool { return f == CellFormat{} }

// EditSession groups the edits one user makes to a workbook.
type EditSession struct {
	ID         string     `json:"id"`
	WorkbookID string     `json:"workbook_id"`
	UserID     string     `json:"user_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// Active reports whether the session has not been ended.
func (s EditSession) Active() bool { return s.EndTime == nil }

// EditType classifies an Edit.
type EditType string

const (
	EditCellValueChange EditType = "CellValueChange"
	EditFormulaChange   EditType = "FormulaChange"
	EditFormatChange    EditType = "FormatChange"
)

// Edit is one recorded mutation of a cell.
type Edit struct {
	ID            string    `json:"id"`
	EditSessionID string    `json:"edit_session_id"`
	WorksheetID   string    `json:"worksheet_id"`
	CellReference string    `json:"cell_reference" validate:"required,cellref"`
	OldValue      string    `json:"old_value"`
	NewValue      string    `json:"new_value"`
	Timestamp     time.Time `json:"timestamp"`
	Type          EditType  `json:"type" validate:"required,oneof=CellValueChange FormulaChange FormatChange"`
	Undone        bool      `json:"undone"`
}

// Permission is the access level granted by a Sharing.
type Permission string

const (
	PermReadOnly Permission = "ReadOnly"
	PermComment  Permission = "Comment"
	PermEdit     Permission = "Edit"
)

// ValidPermission reports whether p is a known sharing permission.
func ValidPermission(p Permission) bool {
	switch p {
	case PermReadOnly, PermComment, PermEdit:
		return true
	}
	return false
}

// Sharing grants a user access to a workbook they do not own.
type Sharing struct {
	ID         string     `json:"id"`
	WorkbookID string     `json:"workbook_id"`
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission" validate:"required,oneof=ReadOnly Comment Edit"`
	SharedAt   time.Time  `json:"shared_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has lapsed at t.
func (s Sharing) Expired(t time.Time) bool {
	return s.ExpiresAt != nil && !t.Before(*s.ExpiresAt)
}

// Feature is a product capability whose usage is tracked.
type Feature struct {
	ID            string    `json:"id"`
	Name          string    `json:"name" validate:"required,max=100"`
	Description   string    `json:"description" validate:"max=500"`
	Category      string    `json:"category" validate:"max=50"`
	IsEnabled     bool      `json:"is_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// UsageMetric records one use of a feature.
type UsageMetric struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	FeatureID string        `json:"feature_id"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Context   string        `json:"context,omitempty"`
}

// AuditLog is a persisted security-relevant event.
type AuditLog struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
}
