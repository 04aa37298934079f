// Package watch imports spreadsheets dropped into watched folders.
package watch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/model"
)

// Subfolders that receive files once they have been handled.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Importer stores a workbook read from r.
type Importer interface {
	Import(ctx context.Context, r io.Reader, ownerID, name string) (*model.Workbook, error)
}

// Rule routes files whose base name matches Pattern to Owner.
type Rule struct {
	Pattern string `json:"pattern"`
	Owner   string `json:"owner"`
}

// Config holds the watcher configuration.
type Config struct {
	Dirs     []string
	Rules    []Rule
	Debounce time.Duration
}

// Result records what happened to one dropped file.
type Result struct {
	Time       time.Time `json:"time"`
	Path       string    `json:"path"`
	Pattern    string    `json:"pattern,omitempty"`
	WorkbookID string    `json:"workbook_id,omitempty"`
	Status     string    `json:"status"` // "processed" or "failed"
	Error      string    `json:"error,omitempty"`
}

// Watcher monitors folders and imports matching files as they settle.
type Watcher struct {
	cfg      Config
	importer Importer
	log      *zap.Logger
	fsw      *fsnotify.Watcher

	// OnResult, when set, is called after each file is handled.
	OnResult func(Result)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	results []Result
	wg      sync.WaitGroup
}

// New creates a watcher. Nothing is watched until Start.
func New(cfg Config, imp Importer, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	for _, r := range cfg.Rules {
		if _, err := filepath.Match(r.Pattern, ""); err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q", model.ErrInvalid, r.Pattern)
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create file watcher: %w", err)
	}
	return &Watcher{cfg: cfg, importer: imp, log: log, fsw: fsw, timers: map[string]*time.Timer{}}, nil
}

// Start watches the configured folders until ctx is cancelled. Files
// already present when it starts are imported too.
func (w *Watcher) Start(ctx context.Context) error {
	defer w.fsw.Close()

	var dirs []string
	for _, dir := range w.cfg.Dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("could not resolve %s: %w", dir, err)
		}
		for _, sub := range []string{ProcessedDir, FailedDir} {
			if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
				return err
			}
		}
		if err := w.fsw.Add(abs); err != nil {
			return fmt.Errorf("could not watch %s: %w", abs, err)
		}
		dirs = append(dirs, abs)
	}
	w.log.Info("watching", zap.Strings("dirs", dirs), zap.Int("rules", len(w.cfg.Rules)))

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.schedule(ctx, filepath.Join(dir, e.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.stop()
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.schedule(ctx, ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.stop()
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.log.Info("watcher stopped")
}

func isTemp(base string) bool {
	return strings.HasPrefix(base, "~$") || strings.HasPrefix(base, ".")
}

// schedule (re)arms the debounce timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if isTemp(filepath.Base(path)) {
		return
	}
	if _, ok := w.match(path); !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.process(ctx, path)
	})
}

func (w *Watcher) match(path string) (Rule, bool) {
	base := filepath.Base(path)
	for _, r := range w.cfg.Rules {
		if ok, _ := filepath.Match(r.Pattern, base); ok {
			return r, true
		}
	}
	return Rule{}, false
}

func (w *Watcher) process(ctx context.Context, path string) {
	rule, ok := w.match(path)
	if !ok {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("could not open dropped file", zap.String("path", path), zap.Error(err))
		}
		return
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	wb, err := w.importer.Import(ctx, f, rule.Owner, name)
	f.Close()

	res := Result{Time: time.Now(), Path: path, Pattern: rule.Pattern, Status: "processed"}
	dest := ProcessedDir
	if err != nil {
		res.Status, res.Error = "failed", err.Error()
		dest = FailedDir
		w.log.Warn("import failed", zap.String("path", path), zap.Error(err))
	} else {
		res.WorkbookID = wb.ID
		w.log.Info("imported", zap.String("path", path), zap.String("workbook", wb.ID))
	}
	if err := move(path, filepath.Join(filepath.Dir(path), dest)); err != nil {
		w.log.Error("could not move handled file", zap.String("path", path), zap.Error(err))
	}

	w.mu.Lock()
	w.results = append(w.results, res)
	w.mu.Unlock()
	if w.OnResult != nil {
		w.OnResult(res)
	}
}

// move puts path into dir, prefixing a timestamp when the name is taken.
func move(path, dir string) error {
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(dir, time.Now().Format("20060102-150405.000")+"-"+filepath.Base(path))
	}
	return os.Rename(path, dest)
}

// Results returns every handled file so far.
func (w *Watcher) Results() []Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Result(nil), w.results...)
}

const pidFile = ".sheetkit-watch.pid"

// WritePIDFile records the current process ID in dir.
func WritePIDFile(dir string) error {
	return os.WriteFile(filepath.Join(dir, pidFile), []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

// ReadPIDFile returns the PID stored in dir.
func ReadPIDFile(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, pidFile))
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file in dir.
func RemovePIDFile(dir string) error {
	return os.Remove(filepath.Join(dir, pidFile))
}
