package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

func TestLogAuditEventMirrorsToJournal(t *testing.T) {
	st := storetest.Open(t)
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	svc := New(st, nil, WithJournal(path))

	ctx := WithClientIP(context.Background(), "10.0.0.1")
	if err := svc.LogAuditEvent(ctx, "u1", "login", "", "password=hunter2 ok"); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.IPAddress != "10.0.0.1" {
		t.Errorf("ip = %q", e.IPAddress)
	}
	if e.Details != "password=[REDACTED] ok" {
		t.Errorf("details = %q", e.Details)
	}

	if err := svc.LogAuditEvent(ctx, "u1", "", "", ""); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("empty action err = %v", err)
	}
}

func TestGetAuditLogsPaging(t *testing.T) {
	st := storetest.Open(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	svc := New(st, nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		svc.LogAuditEvent(ctx, "u1", "cell.update", "wb1", "")
	}

	p, err := svc.GetAuditLogs(ctx, Filter{UserID: "u1"}, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 7 || len(p.Logs) != 3 {
		t.Errorf("total=%d len=%d", p.Total, len(p.Logs))
	}

	for _, tc := range []struct{ page, size int }{{0, 10}, {1, 0}, {1, MaxPageSize + 1}} {
		if _, err := svc.GetAuditLogs(ctx, Filter{}, tc.page, tc.size); !errors.Is(err, ErrInvalidPage) {
			t.Errorf("page=%d size=%d err = %v", tc.page, tc.size, err)
		}
	}
}

func TestPurgeArchivesFirst(t *testing.T) {
	st := storetest.Open(t)
	archive := filepath.Join(t.TempDir(), "archive.jsonl")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	svc := New(st, nil, WithArchive(archive), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		clock = base.Add(time.Duration(i) * 24 * time.Hour)
		svc.LogAuditEvent(ctx, "u1", "login", "", "")
	}
	clock = base.Add(10 * 24 * time.Hour)

	n, err := svc.PurgeOldAuditLogs(ctx, base.Add(2*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	archived, _ := ReadEntries(archive)
	if len(archived) != 2 {
		t.Errorf("archived %d, want 2", len(archived))
	}

	if _, err := svc.PurgeOldAuditLogs(ctx, clock.Add(time.Hour)); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("future cutoff err = %v", err)
	}
}

func TestFilterEntries(t *testing.T) {
	now := time.Now()
	entries := []model.AuditLog{
		{Timestamp: now.Add(-2 * time.Hour), Action: "login", UserID: "a"},
		{Timestamp: now.Add(-1 * time.Hour), Action: "cell.update", UserID: "b"},
		{Timestamp: now, Action: "cell.clear", UserID: "a"},
	}
	if got := FilterEntries(entries, time.Time{}, time.Time{}, "cell", ""); len(got) != 2 {
		t.Errorf("action filter = %d", len(got))
	}
	if got := FilterEntries(entries, now.Add(-90*time.Minute), time.Time{}, "", "a"); len(got) != 1 {
		t.Errorf("since+user filter = %d", len(got))
	}
}

func TestRedact(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"user renamed sheet", "user renamed sheet"},
		{"Authorization: Bearer abc.def", "Authorization: Bearer [REDACTED]"},
		{"--password s3cret --name x", "--password [REDACTED] --name x"},
		{"token=abc key=1 name=x", "token=[REDACTED] key=[REDACTED] name=x"},
		{"value enc:v1:AAAA", "value [REDACTED]"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogSizeAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	j := NewJournal(path)
	j.Append(model.AuditLog{Action: "x"})
	if LogSize(path) == 0 {
		t.Fatal("expected non-empty journal")
	}
	if err := Clear(path); err != nil {
		t.Fatal(err)
	}
	if LogSize(path) != 0 {
		t.Error("journal should be empty after Clear")
	}
	if LogSize(filepath.Join(t.TempDir(), "missing")) != 0 {
		t.Error("missing file should report 0")
	}
}
