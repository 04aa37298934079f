// Package app assembles the sheetkit services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/api"
	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/auth"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/classify"
	"github.com/klytics/sheetkit/internal/collab"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/crypto"
	"github.com/klytics/sheetkit/internal/dlp"
	"github.com/klytics/sheetkit/internal/email"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/incident"
	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/metrics"
	"github.com/klytics/sheetkit/internal/patch"
	"github.com/klytics/sheetkit/internal/sheets"
	"github.com/klytics/sheetkit/internal/store"
	"github.com/klytics/sheetkit/internal/usage"
	"github.com/klytics/sheetkit/internal/watch"
	"github.com/klytics/sheetkit/internal/xlsxio"
)

// hubBuffer is how many events a websocket subscriber may fall behind.
const hubBuffer = 64

// App holds every service, wired together.
type App struct {
	Config  *config.Config
	Policy  *config.Policy
	Version string
	Log     *zap.Logger

	Store  *store.Store
	KV     *kv.Store
	Sealer *crypto.Sealer

	Audit     *audit.Service
	Auth      *auth.Service
	Authz     *authz.Service
	Classify  *classify.Service
	DLP       *dlp.Service
	Incidents *incident.Service
	Patches   *patch.Service
	Usage     *usage.Service
	Formulas  *formula.Service
	Hub       *collab.Hub
	Collab    *collab.Service
	Sheets    *sheets.Service
	XLSX      *xlsxio.Service
}

// New opens the stores and builds the services. policy may be nil.
func New(cfg *config.Config, policy *config.Policy, version string, log *zap.Logger) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Policy: policy, Version: version, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Store, err = store.Open(cfg.DB.Path); err != nil {
		return nil, err
	}
	if a.KV, err = kv.Open(kv.Config{
		Path:       cfg.KV.Path,
		InMemory:   cfg.KV.InMemory,
		GCInterval: 10 * time.Minute,
		Logger:     log.Named("kv"),
	}); err != nil {
		return nil, err
	}

	a.Sealer, err = crypto.NewSealer(cfg.Crypto.MasterKey)
	if errors.Is(err, crypto.ErrNoMasterKey) {
		log.Warn("crypto.master_key is not set; protected cells will be masked instead of encrypted")
		a.Sealer, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Audit = audit.New(a.Store, log.Named("audit"),
		audit.WithJournal(cfg.Audit.FilePath),
		audit.WithArchive(cfg.Audit.ArchivePath))

	if a.Auth, err = auth.New(a.Store, a.KV, a.Audit, auth.Config{
		JWTSecret:       cfg.Auth.JWTSecret,
		TokenTTL:        cfg.Auth.TokenTTL,
		BcryptCost:      cfg.Auth.BcryptCost,
		MaxFailedLogins: cfg.Auth.MaxFailedLogins,
		LockoutWindow:   cfg.Auth.LockoutWindow,
	}, log.Named("auth")); err != nil {
		return nil, err
	}
	a.Authz = authz.New(a.Store, a.KV, a.Audit, cfg.Auth.PermissionCacheTTL, log.Named("authz"))

	classifier, err := classify.NewClassifier(policy)
	if err != nil {
		return nil, err
	}
	a.Classify = classify.NewService(a.Store, classifier, a.Sealer, a.Audit, log.Named("classify"))
	if a.DLP, err = dlp.New(a.Store, classifier, policy, a.Audit, log.Named("dlp")); err != nil {
		return nil, err
	}

	a.Incidents = incident.New(a.Store, a.notifier(), a.Audit, log.Named("incident"))
	a.Patches = patch.New(a.Store, patch.Config{
		FeedURL:   cfg.Patch.FeedURL,
		Dir:       cfg.Patch.Dir,
		Installer: patch.CopyInstaller{Dir: cfg.Patch.InstallDir},
	}, a.Audit, log.Named("patch"))
	a.Usage = usage.New(a.Store, log.Named("usage"))

	a.Formulas = formula.New(a.Store, log.Named("formula"))
	a.Hub = collab.NewHub(hubBuffer, log.Named("hub"))
	a.Classify.Formulas, a.Classify.Events = a.Formulas, a.Hub
	a.Hub.OnDrop(func(string) { metrics.EventDropped() })
	a.Collab = collab.New(a.Store, a.Authz, a.Hub, policy, a.Audit, log.Named("collab"))
	a.Sheets = sheets.New(a.Store, a.Authz, sheets.Options{
		Formulas: a.Formulas,
		Guard:    a.DLP,
		Sessions: a.Collab,
		Events:   a.Hub,
		Audit:    a.Audit,
		Log:      log.Named("sheets"),
	})
	a.XLSX = xlsxio.New(a.Store, a.Authz, a.Formulas, a.DLP, a.Audit, log.Named("xlsx"))
	return a, nil
}

// notifier mails the policy's incident team when SMTP is configured and
// falls back to logging otherwise.
func (a *App) notifier() incident.Notifier {
	logN := incident.LogNotifier{Log: a.Log.Named("incident")}
	if a.Policy == nil || len(a.Policy.IncidentTeam) == 0 {
		return logN
	}
	sc, err := email.FromConfig(a.Config)
	if err != nil {
		if !errors.Is(err, email.ErrNotConfigured) {
			a.Log.Warn("incident mail disabled", zap.Error(err))
		}
		return logN
	}
	return incident.MailNotifier{Sender: email.NewSender(sc), Team: a.Policy.IncidentTeam}
}

// Router returns the HTTP handler for the API.
func (a *App) Router() *gin.Engine {
	return api.NewRouter(api.Deps{
		Store:     a.Store,
		Auth:      a.Auth,
		Authz:     a.Authz,
		Sheets:    a.Sheets,
		Collab:    a.Collab,
		Hub:       a.Hub,
		Formulas:  a.Formulas,
		Classify:  a.Classify,
		DLP:       a.DLP,
		Audit:     a.Audit,
		Incidents: a.Incidents,
		Patches:   a.Patches,
		Usage:     a.Usage,
		XLSX:      a.XLSX,
		Version:   a.Version,
		RateLimit: a.Config.Rate.RPS,
		RateBurst: a.Config.Rate.Burst,
		Log:       a.Log.Named("api"),
	})
}

// Watcher builds a drop-folder watcher that imports for the user named
// owner.
func (a *App) Watcher(ctx context.Context, owner string, dirs []string) (*watch.Watcher, error) {
	u, err := a.Store.Users.GetByUsername(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("watch owner %q: %w", owner, err)
	}
	pattern := a.Config.Watch.Pattern
	if pattern == "" {
		pattern = "*.xlsx"
	}
	w, err := watch.New(watch.Config{
		Dirs:     dirs,
		Rules:    []watch.Rule{{Pattern: pattern, Owner: u.ID}},
		Debounce: a.Config.Watch.Debounce,
	}, a.XLSX, a.Log.Named("watch"))
	if err != nil {
		return nil, err
	}
	w.OnResult = func(r watch.Result) {
		var err error
		if r.Status != "processed" {
			err = errors.New(r.Error)
		}
		metrics.Imported("watch", err)
	}
	return w, nil
}

// RetentionCutoff is the audit purge cutoff from the policy, or from
// audit.retention when the policy sets none. Zero disables purging.
func (a *App) RetentionCutoff(now time.Time) time.Time {
	keep := a.Policy.Retention()
	if keep == 0 {
		keep = a.Config.Audit.Retention
	}
	if keep <= 0 {
		return time.Time{}
	}
	return now.Add(-keep)
}

// Close releases the stores.
func (a *App) Close() error {
	var errs []error
	if a.KV != nil {
		errs = append(errs, a.KV.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
