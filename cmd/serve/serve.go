// Package serve provides the "sheetkit serve" command.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/cmd/version"
	"github.com/klytics/sheetkit/internal/api"
	"github.com/klytics/sheetkit/internal/app"
)

// purgeInterval is how often the audit retention sweep runs.
const purgeInterval = 24 * time.Hour

// NewCommand creates the "serve" command.
func NewCommand() *cobra.Command {
	var (
		addr    string
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Long: `Run the sheetkit API until SIGINT or SIGTERM.

Alongside the server this runs the patch feed check (patch.check_interval),
the daily audit retention purge and, when watch.dirs and watch.owner are
configured, the drop-folder importer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.Config.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)

			srv := api.NewServer(api.ServerConfig{
				Addr:            a.Config.Server.Addr,
				ReadTimeout:     a.Config.Server.ReadTimeout,
				WriteTimeout:    a.Config.Server.WriteTimeout,
				ShutdownTimeout: a.Config.Server.ShutdownTimeout,
			}, a.Router(), a.Log.Named("http"))
			g.Go(func() error { return srv.Run(ctx) })

			g.Go(func() error {
				a.Patches.Watch(ctx, version.Version, a.Config.Patch.CheckInterval)
				return nil
			})
			g.Go(func() error {
				purgeLoop(ctx, a)
				return nil
			})

			if !noWatch && len(a.Config.Watch.Dirs) > 0 && a.Config.Watch.Owner != "" {
				w, err := a.Watcher(ctx, a.Config.Watch.Owner, a.Config.Watch.Dirs)
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Start(ctx) })
			}

			a.Log.Info("sheetkit started", zap.String("addr", a.Config.Server.Addr), zap.String("version", version.Version))
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not start the drop-folder importer")
	return cmd
}

// purgeLoop applies audit retention once at start and then daily.
func purgeLoop(ctx context.Context, a *app.App) {
	purge := func() {
		cutoff := a.RetentionCutoff(time.Now().UTC())
		if cutoff.IsZero() {
			return
		}
		n, err := a.Audit.PurgeOldAuditLogs(ctx, cutoff)
		if err != nil {
			a.Log.Warn("audit purge failed", zap.Error(err))
			return
		}
		if n > 0 {
			a.Log.Info("audit logs purged", zap.Int64("count", n), zap.Time("before", cutoff))
		}
	}

	purge()
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			purge()
		}
	}
}
