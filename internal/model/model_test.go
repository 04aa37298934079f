package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateUser(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr string
	}{
		{"ok", User{Username: "alice", Email: "alice@example.com", Role: RoleUser}, ""},
		{"short username", User{Username: "al", Email: "al@example.com", Role: RoleUser}, "username must be at least 3"},
		{"bad email", User{Username: "alice", Email: "nope", Role: RoleUser}, "email must be a valid"},
		{"bad role", User{Username: "alice", Email: "alice@example.com", Role: "root"}, "role must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.user)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCustomTags(t *testing.T) {
	c := Chart{Type: ChartCol, DataRange: "A1:B5", Anchor: "D2"}
	if err := Validate(c); err != nil {
		t.Fatalf("valid chart rejected: %v", err)
	}
	c.DataRange = "A1:"
	if err := Validate(c); err == nil || !strings.Contains(err.Error(), "cell range") {
		t.Errorf("bad range err = %v", err)
	}

	ws := Worksheet{WorkbookID: "wb", Name: "Q1/Q2"}
	if err := Validate(ws); err == nil {
		t.Error("sheet name with / should be rejected")
	}
}

func TestValidateCellFormat(t *testing.T) {
	tests := []struct {
		f       CellFormat
		wantErr string
	}{
		{CellFormat{}, ""},
		{CellFormat{Bold: true, FillColor: "#FFEE00", HAlign: "center", NumberFormat: "0.00%"}, ""},
		{CellFormat{TextColor: "red"}, "#RRGGBB"},
		{CellFormat{FillColor: "#FFF"}, "#RRGGBB"},
		{CellFormat{VAlign: "middle"}, "one of"},
		{CellFormat{FontSize: 500}, "at most 409"},
	}
	for _, tt := range tests {
		err := Validate(tt.f)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("%+v: unexpected error %v", tt.f, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%+v: err = %v, want %q", tt.f, err, tt.wantErr)
		}
	}
	if !(CellFormat{}).IsZero() || (CellFormat{Italic: true}).IsZero() {
		t.Error("IsZero")
	}
}

func TestSeverityText(t *testing.T) {
	data, err := json.Marshal(struct {
		S Severity `json:"s"`
	}{SeverityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"s":"High"}` {
		t.Errorf("json = %s", data)
	}

	var out struct {
		S Severity `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"critical"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.S != SeverityCritical {
		t.Errorf("severity = %v", out.S)
	}
	if _, err := ParseSeverity("urgent"); !errors.Is(err, ErrInvalid) {
		t.Errorf("ParseSeverity(urgent) err = %v", err)
	}
}

func TestSharingExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	s := Sharing{ExpiresAt: &past}
	if !s.Expired(now) {
		t.Error("grant with past expiry should be expired")
	}
	if (Sharing{}).Expired(now) {
		t.Error("grant without expiry never expires")
	}
}
