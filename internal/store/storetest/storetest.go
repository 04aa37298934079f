// Package storetest opens throwaway stores and seeds fixtures for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// Open returns a store backed by a file in t.TempDir, closed on cleanup.
func Open(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sheetkit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// User inserts an active user with a placeholder password hash.
func User(t testing.TB, s *store.Store, username string) *model.User {
	t.Helper()
	u := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		Role:         model.RoleUser,
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
	}
	if err := s.Users.Add(context.Background(), u); err != nil {
		t.Fatalf("add user: %v", err)
	}
	return u
}

// Workbook inserts a workbook owned by owner with a single worksheet "Sheet1".
func Workbook(t testing.TB, s *store.Store, owner *model.User, name string) (*model.Workbook, *model.Worksheet) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	wb := &model.Workbook{ID: uuid.NewString(), Name: name, OwnerID: owner.ID, CreatedAt: now, LastModifiedAt: now}
	if err := s.Workbooks.Add(ctx, wb); err != nil {
		t.Fatalf("add workbook: %v", err)
	}
	ws := &model.Worksheet{ID: uuid.NewString(), WorkbookID: wb.ID, Name: "Sheet1", CreatedAt: now}
	if err := s.Worksheets.Add(ctx, ws); err != nil {
		t.Fatalf("add worksheet: %v", err)
	}
	return wb, ws
}

// Cells writes literal values keyed by reference onto ws.
func Cells(t testing.TB, s *store.Store, ws *model.Worksheet, values map[string]string) {
	t.Helper()
	for ref, v := range values {
		c := &model.Cell{WorksheetID: ws.ID, Reference: ref, Value: v, UpdatedAt: time.Now().UTC()}
		if len(v) > 0 && v[0] == '=' {
			c.Formula, c.Value = v, ""
		}
		if err := s.Cells.Put(context.Background(), c, -1); err != nil {
			t.Fatalf("put cell %s: %v", ref, err)
		}
	}
}
