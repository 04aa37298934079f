// Package watch provides the "sheetkit watch" drop-folder import commands.
package watch

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/output"
	w "github.com/klytics/sheetkit/internal/watch"
)

// NewCommand creates the "watch" command. Run with directories it watches
// them in the foreground.
func NewCommand() *cobra.Command {
	var (
		as       string
		pattern  string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [directory...]",
		Short: "Import xlsx files dropped into folders",
		Long: `Watch folders and import every matching file as a workbook owned by
--as. Imported files move to processed/, rejected ones to failed/.
Without arguments the watch.dirs setting is used.

Example:
  sheetkit watch ./inbox --as alice
  sheetkit watch status
  sheetkit watch stop`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			dirs := args
			if len(dirs) == 0 {
				dirs = a.Config.Watch.Dirs
			}
			if len(dirs) == 0 {
				return output.Userf("no directories given and watch.dirs is empty")
			}
			if as == "" {
				as = a.Config.Watch.Owner
			}
			if as == "" {
				return output.Userf("--as <username> is required (or set watch.owner)")
			}
			if pattern != "" {
				a.Config.Watch.Pattern = pattern
			}
			if debounce > 0 {
				a.Config.Watch.Debounce = debounce
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watcher, err := a.Watcher(ctx, as, dirs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			onResult := watcher.OnResult
			watcher.OnResult = func(r w.Result) {
				if onResult != nil {
					onResult(r)
				}
				if cmdutil.JSON(cmd) {
					_ = output.PrintJSON(cmdutil.CommandName(cmd), r)
					return
				}
				if r.Status == "processed" {
					output.Status(out, "ok", "[%s] %s -> workbook %s", r.Time.Local().Format(time.TimeOnly), r.Path, r.WorkbookID)
				} else {
					output.Status(out, "error", "[%s] %s failed: %s", r.Time.Local().Format(time.TimeOnly), r.Path, r.Error)
				}
			}

			pidDir := config.Dir()
			if err := w.WritePIDFile(pidDir); err != nil {
				a.Log.Warn("could not write PID file", zap.Error(err))
			}
			defer w.RemovePIDFile(pidDir)

			if !cmdutil.JSON(cmd) {
				fmt.Fprintf(out, "Watching %d folder(s) for %s as %s. Press Ctrl+C to stop.\n", len(dirs), a.Config.Watch.Pattern, as)
			}
			return watcher.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "Owner of imported workbooks (default: watch.owner)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "File name glob (default: watch.pattern)")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Wait this long after the last write before importing")

	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

// running returns the PID of a live watcher, clearing a stale PID file.
func running() (int, bool) {
	dir := config.Dir()
	pid, err := w.ReadPIDFile(dir)
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.Signal(0))
	}
	if err != nil {
		w.RemovePIDFile(dir)
		return 0, false
	}
	return pid, true
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, ok := running()
			if !ok {
				return output.Userf("no watcher running")
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("could not stop watcher (PID %d): %w", pid, err)
			}
			return cmdutil.Print(cmd, map[string]any{"stopped": true, "pid": pid}, func() error {
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped watcher (PID %d)\n", pid)
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a watcher is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, ok := running()
			status := map[string]any{"running": ok}
			if ok {
				status["pid"] = pid
			}
			return cmdutil.Print(cmd, status, func() error {
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Watcher is not running")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Watcher is running (PID %d)\n", pid)
				return nil
			})
		},
	}
}
