package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

func setup(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := storetest.Open(t)
	kvs, err := kv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvs.Close() })
	return New(st, kvs, nil, time.Minute, nil), st
}

func TestRoles(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	viewer := storetest.User(t, st, "viewer")
	stranger := storetest.User(t, st, "stranger")
	admin := storetest.User(t, st, "admin")
	admin.Role = model.RoleAdmin
	st.Users.Update(ctx, admin)
	wb, _ := storetest.Workbook(t, st, owner, "Q1")

	st.Sharing.Add(ctx, &model.Sharing{ID: uuid.NewString(), WorkbookID: wb.ID, UserID: viewer.ID,
		Permission: model.PermReadOnly, SharedAt: time.Now()})

	tests := []struct {
		user   *model.User
		action Action
		want   bool
	}{
		{owner, WorkbookDelete, true},
		{admin, WorkbookShare, true},
		{viewer, CellRead, true},
		{viewer, CellWrite, false},
		{stranger, WorkbookRead, false},
	}
	for _, tt := range tests {
		got, err := svc.AuthorizeUserForWorkbook(ctx, tt.user.ID, wb.ID, tt.action)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s %s = %v, want %v", tt.user.Username, tt.action, got, tt.want)
		}
	}

	if _, err := svc.GetUserPermissionsForWorkbook(ctx, owner.ID, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing workbook err = %v", err)
	}
	if err := svc.Require(ctx, stranger.ID, wb.ID, WorkbookRead); !errors.Is(err, ErrForbidden) {
		t.Errorf("Require err = %v", err)
	}
}

func TestUpdateInvalidatesCache(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	bob := storetest.User(t, st, "bob")
	wb, _ := storetest.Workbook(t, st, owner, "Plan")

	if ok, _ := svc.AuthorizeUserForWorkbook(ctx, bob.ID, wb.ID, CellWrite); ok {
		t.Fatal("bob should not write before being shared")
	}
	if err := svc.UpdateUserPermissionsForWorkbook(ctx, bob.ID, wb.ID, model.PermEdit); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.AuthorizeUserForWorkbook(ctx, bob.ID, wb.ID, CellWrite); !ok {
		t.Error("cached denial survived permission update")
	}
	if err := svc.UpdateUserPermissionsForWorkbook(ctx, bob.ID, wb.ID, model.PermReadOnly); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.AuthorizeUserForWorkbook(ctx, bob.ID, wb.ID, CellWrite); ok {
		t.Error("downgrade not applied")
	}

	if err := svc.UpdateUserPermissionsForWorkbook(ctx, bob.ID, wb.ID, "Admin"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("invalid permission err = %v", err)
	}
	if err := svc.UpdateUserPermissionsForWorkbook(ctx, owner.ID, wb.ID, model.PermReadOnly); !errors.Is(err, store.ErrConflict) {
		t.Errorf("owner update err = %v", err)
	}
}

func TestExpiredGrantDenied(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	bob := storetest.User(t, st, "bob")
	wb, _ := storetest.Workbook(t, st, owner, "Old")
	past := time.Now().Add(-time.Hour)
	st.Sharing.Add(ctx, &model.Sharing{ID: uuid.NewString(), WorkbookID: wb.ID, UserID: bob.ID,
		Permission: model.PermEdit, SharedAt: past.Add(-time.Hour), ExpiresAt: &past})

	g, err := svc.GetUserPermissionsForWorkbook(ctx, bob.ID, wb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Actions) != 0 {
		t.Errorf("expired grant gave %v", g.Actions)
	}
}

func TestCachedGrantEndsAtExpiry(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	bob := storetest.User(t, st, "bob")
	wb, _ := storetest.Workbook(t, st, owner, "Soon")

	now := time.Now()
	svc.now = func() time.Time { return now }
	expires := now.Add(10 * time.Second)
	st.Sharing.Add(ctx, &model.Sharing{ID: uuid.NewString(), WorkbookID: wb.ID, UserID: bob.ID,
		Permission: model.PermEdit, SharedAt: now, ExpiresAt: &expires})

	if ok, _ := svc.AuthorizeUserForWorkbook(ctx, bob.ID, wb.ID, CellWrite); !ok {
		t.Fatal("bob should write before the grant expires")
	}
	// Still inside the one-minute cache TTL, but past the grant's expiry.
	now = now.Add(11 * time.Second)
	if ok, _ := svc.AuthorizeUserForWorkbook(ctx, bob.ID, wb.ID, CellWrite); ok {
		t.Error("cached grant outlived its expiry")
	}
}
