package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klytics/sheetkit/internal/model"
)

type fakeImporter struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeImporter) Import(_ context.Context, r io.Reader, owner, name string) (*model.Workbook, error) {
	data, _ := io.ReadAll(r)
	f.mu.Lock()
	f.calls = append(f.calls, owner+":"+name+":"+string(data))
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("corrupt")
	}
	return &model.Workbook{ID: "wb-" + name}, nil
}

func run(t *testing.T, dir string, imp Importer) (*Watcher, chan Result) {
	t.Helper()
	w, err := New(Config{
		Dirs:     []string{dir},
		Rules:    []Rule{{Pattern: "*.xlsx", Owner: "u1"}},
		Debounce: 20 * time.Millisecond,
	}, imp, nil)
	if err != nil {
		t.Fatal(err)
	}
	results := make(chan Result, 4)
	w.OnResult = func(r Result) { results <- r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, results
}

func wait(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for import")
	}
	return Result{}
}

func TestImportsExistingAndDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "early.xlsx"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}
	imp := &fakeImporter{}
	w, results := run(t, dir, imp)

	r := wait(t, results)
	if r.Status != "processed" || r.WorkbookID != "wb-early" {
		t.Errorf("result = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(dir, ProcessedDir, "early.xlsx")); err != nil {
		t.Errorf("file not moved: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "late.xlsx"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := wait(t, results); r.WorkbookID != "wb-late" {
		t.Errorf("result = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unmatched file touched: %v", err)
	}
	if got := len(w.Results()); got != 2 {
		t.Errorf("results = %d, want 2", got)
	}
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if imp.calls[0] != "u1:early:a" {
		t.Errorf("first call = %q", imp.calls[0])
	}
}

func TestFailedImportMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.xlsx"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, results := run(t, dir, &fakeImporter{fail: true})

	r := wait(t, results)
	if r.Status != "failed" || r.Error != "corrupt" {
		t.Errorf("result = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(dir, FailedDir, "bad.xlsx")); err != nil {
		t.Errorf("file not moved to failed: %v", err)
	}
}

func TestMatch(t *testing.T) {
	w, err := New(Config{Rules: []Rule{{Pattern: "report_*.xlsx", Owner: "a"}, {Pattern: "*.xlsx", Owner: "b"}}}, &fakeImporter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.fsw.Close()

	if r, _ := w.match("/in/report_q1.xlsx"); r.Owner != "a" {
		t.Errorf("report owner = %q", r.Owner)
	}
	if r, _ := w.match("/in/other.xlsx"); r.Owner != "b" {
		t.Errorf("other owner = %q", r.Owner)
	}
	if _, ok := w.match("/in/other.csv"); ok {
		t.Error("csv should not match")
	}
	if !isTemp("~$lock.xlsx") || isTemp("book.xlsx") {
		t.Error("isTemp")
	}
}

func TestBadPattern(t *testing.T) {
	if _, err := New(Config{Rules: []Rule{{Pattern: "["}}}, &fakeImporter{}, nil); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestPIDFile(t *testing.T) {
	dir := t.TempDir()
	if err := WritePIDFile(dir); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPIDFile(dir)
	if err != nil || pid != os.Getpid() {
		t.Errorf("pid = %d, %v", pid, err)
	}
	if err := RemovePIDFile(dir); err != nil {
		t.Fatal(err)
	}
}
