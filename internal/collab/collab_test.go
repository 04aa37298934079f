package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func setup(t *testing.T) (*Service, *store.Store, *recorder) {
	t.Helper()
	st := storetest.Open(t)
	kvs, err := kv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvs.Close() })
	rec := &recorder{}
	policy := &config.Policy{OrgDomain: "example.com"}
	return New(st, authz.New(st, kvs, nil, time.Minute, nil), rec, policy, nil, nil), st, rec
}

func TestCollaboratorLifecycle(t *testing.T) {
	svc, st, rec := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	bob := storetest.User(t, st, "bob")
	wb, _ := storetest.Workbook(t, st, owner, "Plan")

	c, err := svc.AddCollaborator(ctx, owner.ID, wb.ID, "bob", model.PermReadOnly, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Username != "bob" || c.External {
		t.Errorf("collaborator = %+v", c)
	}
	if got, _ := st.Workbooks.Get(ctx, wb.ID); !got.IsShared {
		t.Error("workbook should be marked shared")
	}

	if _, err := svc.AddCollaborator(ctx, owner.ID, wb.ID, bob.ID, model.PermEdit, nil); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate add err = %v", err)
	}
	if _, err := svc.AddCollaborator(ctx, owner.ID, wb.ID, owner.ID, model.PermEdit, nil); !errors.Is(err, store.ErrConflict) {
		t.Errorf("owner add err = %v", err)
	}
	if _, err := svc.AddCollaborator(ctx, bob.ID, wb.ID, owner.ID, model.PermEdit, nil); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("viewer sharing err = %v", err)
	}

	if err := svc.UpdateCollaboratorPermissions(ctx, owner.ID, wb.ID, bob.ID, model.PermEdit); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.authz.AuthorizeUserForWorkbook(ctx, bob.ID, wb.ID, authz.CellWrite); !ok {
		t.Error("bob should be able to edit after the upgrade")
	}

	list, err := svc.GetCollaborators(ctx, owner.ID, wb.ID)
	if err != nil || len(list) != 1 || list[0].Permission != model.PermEdit {
		t.Fatalf("collaborators = %+v, %v", list, err)
	}

	if err := svc.RemoveCollaborator(ctx, owner.ID, wb.ID, bob.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.Workbooks.Get(ctx, wb.ID); got.IsShared {
		t.Error("workbook should no longer be shared")
	}
	if ok, _ := svc.authz.AuthorizeUserForWorkbook(ctx, bob.ID, wb.ID, authz.CellRead); ok {
		t.Error("bob kept access after removal")
	}
	if len(rec.events) != 3 {
		t.Errorf("published %d events, want 3", len(rec.events))
	}
}

func TestAddCollaboratorErrors(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	wb, _ := storetest.Workbook(t, st, owner, "Plan")

	if _, err := svc.AddCollaborator(ctx, owner.ID, wb.ID, "nobody", model.PermEdit, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown user err = %v", err)
	}
	if _, err := svc.AddCollaborator(ctx, owner.ID, wb.ID, "owner", "Admin", nil); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("bad permission err = %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if _, err := svc.AddCollaborator(ctx, owner.ID, wb.ID, "owner", model.PermEdit, &past); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("past expiry err = %v", err)
	}
	if _, err := svc.GetCollaborators(ctx, owner.ID, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing workbook err = %v", err)
	}
}

func TestSessions(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	other := storetest.User(t, st, "other")
	wb, _ := storetest.Workbook(t, st, owner, "Plan")

	s1, err := svc.StartSession(ctx, owner.ID, wb.ID)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := svc.StartSession(ctx, owner.ID, wb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != s2.ID {
		t.Error("StartSession should return the active session")
	}
	if _, err := svc.StartSession(ctx, other.ID, wb.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("stranger session err = %v", err)
	}
	if err := svc.EndSession(ctx, other.ID, s1.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("ending someone else's session err = %v", err)
	}
	if err := svc.EndSession(ctx, owner.ID, s1.ID); err != nil {
		t.Fatal(err)
	}
	active, err := svc.ActiveSessions(ctx, owner.ID, wb.ID)
	if err != nil || len(active) != 0 {
		t.Errorf("active = %v, %v", active, err)
	}
}

func TestAuditSharingFlagsExternal(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	ext := storetest.User(t, st, "partner")
	ext.Email = "partner@other.org"
	if err := st.Users.Update(ctx, ext); err != nil {
		t.Fatal(err)
	}
	wb, _ := storetest.Workbook(t, st, owner, "Deal")
	storetest.Workbook(t, st, owner, "Private")

	if _, err := svc.AddCollaborator(ctx, owner.ID, wb.ID, ext.ID, model.PermComment, nil); err != nil {
		t.Fatal(err)
	}
	r, err := svc.AuditSharing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalWorkbooks != 2 || r.SharedCount != 1 || r.ExternalShares != 1 {
		t.Errorf("report = %+v", r)
	}
	if len(r.Entries) != 1 || r.Entries[0].ExternalUsers[0] != "partner@other.org" {
		t.Errorf("entries = %+v", r.Entries)
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub(1, nil)
	var dropped string
	h.OnDrop(func(id string) { dropped = id })

	fast := h.Subscribe("wb", "a")
	slow := h.Subscribe("wb", "b")
	other := h.Subscribe("wb2", "c")
	defer fast.Close()
	defer other.Close()

	h.Publish(Event{Type: EventCellUpdated, WorkbookID: "wb"})
	<-fast.C
	h.Publish(Event{Type: EventCellUpdated, WorkbookID: "wb"})

	if dropped != "wb" {
		t.Fatalf("dropped = %q, want wb", dropped)
	}
	if h.Subscribers("wb") != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers("wb"))
	}
	<-slow.C
	if _, ok := <-slow.C; ok {
		t.Error("dropped subscription channel should be closed")
	}
	slow.Close()

	select {
	case ev := <-other.C:
		t.Errorf("other workbook received %v", ev)
	default:
	}
}

func TestStartSessionConcurrent(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()
	owner := storetest.User(t, st, "owner")
	wb, _ := storetest.Workbook(t, st, owner, "Plan")

	const n = 8
	var (
		wg   sync.WaitGroup
		ids  [n]string
		errs [n]error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := svc.StartSession(ctx, owner.ID, wb.ID)
			if err == nil {
				ids[i] = sess.ID
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("StartSession #%d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("session #%d = %s, want %s", i, ids[i], ids[0])
		}
	}
	active, err := st.Sessions.GetActiveSessionsForWorkbook(ctx, wb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("active sessions = %d, want 1", len(active))
	}
}
