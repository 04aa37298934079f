// Package patch discovers, downloads and installs sheetkit patches
// published on a JSON feed.
package patch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

const (
	fetchTimeout    = 30 * time.Second
	defaultCooldown = 24 * time.Hour
	maxArtifactSize = 512 << 20
)

var (
	// ErrNoFeed is returned when no feed URL is configured.
	ErrNoFeed = errors.New("patch.feed_url is not configured")
	// ErrNotDownloaded is returned when installing a patch that was never downloaded.
	ErrNotDownloaded = errors.New("patch has not been downloaded")
	// ErrChecksum is returned when a download does not match its published digest.
	ErrChecksum = errors.New("patch checksum mismatch")
	// ErrTooLarge is returned when a download exceeds Config.MaxSize.
	ErrTooLarge = errors.New("patch artifact exceeds the size limit")
)

// Feed is the document served at the feed URL.
type Feed struct {
	Patches []FeedEntry `json:"patches"`
}

// FeedEntry is one published patch.
type FeedEntry struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	SHA256      string    `json:"sha256,omitempty"`
	ReleasedAt  time.Time `json:"released_at"`
}

// Installer applies a downloaded patch.
type Installer interface {
	Install(ctx context.Context, p *model.Patch) error
}

// CopyInstaller copies the artifact into Dir.
type CopyInstaller struct{ Dir string }

// Install implements Installer.
func (c CopyInstaller) Install(_ context.Context, p *model.Patch) error {
	if c.Dir == "" {
		return errors.New("patch.install_dir is not configured")
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return err
	}
	src, err := os.Open(p.LocalPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(c.Dir, filepath.Base(p.LocalPath)))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Config configures the service.
type Config struct {
	FeedURL string
	// Dir receives downloads and the last-check marker.
	Dir       string
	Cooldown  time.Duration
	Installer Installer
	Client    *http.Client
	// MaxSize caps a download in bytes. Zero means 512 MiB.
	MaxSize int64
}

// Service implements patch management.
type Service struct {
	store *store.Store
	cfg   Config
	audit audit.Recorder
	log   *zap.Logger
	now   func() time.Time
}

// New builds the service.
func New(st *store.Store, cfg Config, rec audit.Recorder, log *zap.Logger) *Service {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: fetchTimeout}
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = maxArtifactSize
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, cfg: cfg, audit: rec, log: log, now: time.Now}
}

func canonical(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// IsNewer reports whether latest is a newer semver than current. Dev and
// unparsable builds never see updates.
func IsNewer(latest, current string) bool {
	l, c := canonical(latest), canonical(current)
	if !semver.IsValid(l) || !semver.IsValid(c) {
		return false
	}
	return semver.Compare(l, c) > 0
}

// CheckForUpdates returns the known patches newer than current. The feed
// is fetched at most once per cooldown unless force is set; otherwise the
// stored list is used.
func (s *Service) CheckForUpdates(ctx context.Context, current string, force bool) ([]model.Patch, error) {
	if force || s.shouldCheck() {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}
	all, err := s.store.Patches.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Patch
	for _, p := range all {
		if IsNewer(p.Version, current) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.Compare(canonical(out[i].Version), canonical(out[j].Version)) < 0
	})
	return out, nil
}

func (s *Service) refresh(ctx context.Context) error {
	if s.cfg.FeedURL == "" {
		return ErrNoFeed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.FeedURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("could not fetch patch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("patch feed returned %d", resp.StatusCode)
	}

	var feed Feed
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&feed); err != nil {
		return fmt.Errorf("could not parse patch feed: %w", err)
	}
	for _, e := range feed.Patches {
		if !validID(e.ID) || !semver.IsValid(canonical(e.Version)) {
			s.log.Warn("skipping malformed feed entry", zap.String("id", e.ID), zap.String("version", e.Version))
			continue
		}
		p := &model.Patch{ID: e.ID, Version: e.Version, Description: e.Description, URL: e.URL,
			SHA256: strings.ToLower(e.SHA256), ReleasedAt: e.ReleasedAt}
		if err := s.store.Patches.Upsert(ctx, p); err != nil {
			return err
		}
	}
	s.saveLastCheck()
	s.log.Info("patch feed refreshed", zap.Int("entries", len(feed.Patches)))
	return nil
}

// validID reports whether a feed ID can name a file in the download
// directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

func (s *Service) lastCheckPath() string {
	if s.cfg.Dir == "" {
		return ""
	}
	return filepath.Join(s.cfg.Dir, "last_check")
}

func (s *Service) shouldCheck() bool {
	p := s.lastCheckPath()
	if p == "" {
		return true
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return true
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return true
	}
	return s.now().Sub(t) > s.cfg.Cooldown
}

func (s *Service) saveLastCheck() {
	p := s.lastCheckPath()
	if p == "" {
		return
	}
	os.MkdirAll(filepath.Dir(p), 0700)
	os.WriteFile(p, []byte(s.now().UTC().Format(time.RFC3339)), 0600)
}

// DownloadPatch fetches a patch artifact and verifies its digest.
func (s *Service) DownloadPatch(ctx context.Context, id, userID string) (*model.Patch, error) {
	p, err := s.store.Patches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("%w: patch %s has no download url", model.ErrInvalid, id)
	}
	if !validID(p.ID) {
		return nil, fmt.Errorf("%w: patch id %q is not a file name", model.ErrInvalid, p.ID)
	}
	if s.cfg.Dir == "" {
		return nil, errors.New("patch.dir is not configured")
	}
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: server returned %d", id, resp.StatusCode)
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "artifact"
	}
	dest := filepath.Join(s.cfg.Dir, p.ID+"-"+name)
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(resp.Body, s.cfg.MaxSize+1))
	if err == nil && n > s.cfg.MaxSize {
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.cfg.MaxSize)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); p.SHA256 != "" && sum != p.SHA256 {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: got %s, want %s", ErrChecksum, sum, p.SHA256)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p.DownloadedAt = &now
	p.LocalPath = dest
	if err := s.store.Patches.Update(ctx, p); err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, userID, "patch.download", id, "version="+p.Version)
	return p, nil
}

// InstallPatch runs the installer on a downloaded patch.
func (s *Service) InstallPatch(ctx context.Context, id, userID string) (*model.Patch, error) {
	p, err := s.store.Patches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.InstalledAt != nil {
		return nil, fmt.Errorf("%w: patch %s is already installed", store.ErrConflict, id)
	}
	if p.DownloadedAt == nil || p.LocalPath == "" {
		return nil, ErrNotDownloaded
	}
	if _, err := os.Stat(p.LocalPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDownloaded, err)
	}
	if s.cfg.Installer == nil {
		return nil, errors.New("no patch installer configured")
	}
	if err := s.cfg.Installer.Install(ctx, p); err != nil {
		return nil, fmt.Errorf("install %s: %w", id, err)
	}
	now := s.now().UTC()
	p.InstalledAt = &now
	if err := s.store.Patches.Update(ctx, p); err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, userID, "patch.install", id, "version="+p.Version)
	s.log.Info("patch installed", zap.String("id", id), zap.String("version", p.Version))
	return p, nil
}

// GetInstalledPatches lists installed patches.
func (s *Service) GetInstalledPatches(ctx context.Context) ([]model.Patch, error) {
	return s.store.Patches.ListInstalled(ctx)
}

// List returns every known patch.
func (s *Service) List(ctx context.Context) ([]model.Patch, error) {
	return s.store.Patches.List(ctx)
}

// Watch checks the feed every interval until ctx is done, logging new
// patches. Errors are logged and do not stop the loop.
func (s *Service) Watch(ctx context.Context, current string, interval time.Duration) {
	if interval <= 0 || s.cfg.FeedURL == "" {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			patches, err := s.CheckForUpdates(ctx, current, false)
			if err != nil {
				s.log.Warn("patch check failed", zap.Error(err))
				continue
			}
			for _, p := range patches {
				if p.InstalledAt == nil {
					s.log.Info("patch available", zap.String("id", p.ID), zap.String("version", p.Version))
				}
			}
		}
	}
}

// FormatNotice renders pending patches for the terminal.
func FormatNotice(current string, patches []model.Patch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current version: %s\n", current)
	if len(patches) == 0 {
		sb.WriteString("No patches available.\n")
		return sb.String()
	}
	sb.WriteString("\nAvailable patches:\n")
	for _, p := range patches {
		state := "new"
		switch {
		case p.InstalledAt != nil:
			state = "installed"
		case p.DownloadedAt != nil:
			state = "downloaded"
		}
		fmt.Fprintf(&sb, "  %-10s %-12s %s  (released %s)\n", p.Version, state, p.ID, p.ReleasedAt.Format("2006-01-02"))
		if d := strings.TrimSpace(p.Description); d != "" {
			lines := strings.Split(d, "\n")
			for _, line := range lines[:min(3, len(lines))] {
				sb.WriteString("      " + line + "\n")
			}
		}
	}
	sb.WriteString("\nTo install:\n  sheetkit patch download <id>\n  sheetkit patch install <id>\n")
	return sb.String()
}
