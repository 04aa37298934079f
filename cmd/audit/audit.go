// Package audit provides the "sheetkit audit" commands.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/app"
	auditpkg "github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/output"
	"github.com/klytics/sheetkit/internal/store"
)

// NewCommand creates the "audit" command with all subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query, purge and archive the audit trail",
	}

	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newArchiveCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func newShowCmd() *cobra.Command {
	var (
		since    string
		until    string
		user     string
		action   string
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show audit events, newest first",
		Long: `Show audit events from the database, newest first.

Example:
  sheetkit audit show --since 2024-05-01 --action auth.login
  sheetkit audit show --user alice --page 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			start, err := cmdutil.ParseTime(since, now)
			if err != nil {
				return err
			}
			end, err := cmdutil.ParseTime(until, now)
			if err != nil {
				return err
			}

			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			userID, err := resolveUser(cmd, a, user)
			if err != nil {
				return err
			}
			p, err := a.Audit.GetAuditLogs(cmd.Context(), auditpkg.Filter{
				Start: start, End: end, UserID: userID, Action: action,
			}, page, pageSize)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, p, func() error {
				if len(p.Logs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No audit events found.")
					return nil
				}
				pages := (p.Total + p.PageSize - 1) / p.PageSize
				return output.Show(fmt.Sprintf("Audit events: %d (page %d of %d)\n\n%s", p.Total, p.Page, pages, table(p.Logs)))
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only events at or after (YYYY-MM-DD, RFC 3339 or duration)")
	cmd.Flags().StringVar(&until, "until", "", "Only events at or before")
	cmd.Flags().StringVar(&user, "user", "", "Only events by this username or user ID")
	cmd.Flags().StringVar(&action, "action", "", "Only this action, e.g. cell.update")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "Events per page")
	return cmd
}

// resolveUser maps a username to its ID. Unknown names are used verbatim so
// events of deleted users stay searchable by ID.
func resolveUser(cmd *cobra.Command, a *app.App, user string) (string, error) {
	if user == "" {
		return "", nil
	}
	u, err := a.Store.Users.GetByUsername(cmd.Context(), user)
	switch {
	case err == nil:
		return u.ID, nil
	case errors.Is(err, store.ErrNotFound):
		return user, nil
	default:
		return "", err
	}
}

func table(logs []model.AuditLog) string {
	tbl := output.NewTable("TIMESTAMP", "USER", "ACTION", "RESOURCE", "IP", "DETAILS")
	for _, l := range logs {
		tbl.Row(l.Timestamp.Local().Format(time.DateTime), dash(l.UserID), l.Action, dash(l.ResourceID), dash(l.IPAddress), dash(l.Details))
	}
	return tbl.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newPurgeCmd() *cobra.Command {
	var before string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Archive and delete old audit events",
		Long: `Move audit events older than --before to the archive file and delete
them from the database. Without --before the retention from the security
policy (audit.retention_days) or audit.retention applies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().UTC()
			cutoff := a.RetentionCutoff(now)
			if before != "" {
				if cutoff, err = cmdutil.ParseTime(before, now); err != nil {
					return err
				}
			}
			if cutoff.IsZero() {
				return output.Userf("no retention configured; pass --before")
			}

			n, err := a.Audit.PurgeOldAuditLogs(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, map[string]any{"purged": n, "before": cutoff, "archive": a.Audit.ArchivePath()}, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Purged %d event(s) older than %s", n, cutoff.Format(time.DateTime))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "Cutoff (YYYY-MM-DD, RFC 3339 or a duration like 2160h)")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect or clear the audit archive file",
	}
	cmd.AddCommand(newArchiveShowCmd())
	cmd.AddCommand(newArchiveClearCmd())
	return cmd
}

func newArchiveShowCmd() *cobra.Command {
	var (
		last   int
		action string
		since  string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show archived audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime, err := cmdutil.ParseTime(since, time.Now().UTC())
			if err != nil {
				return err
			}
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			path := a.Audit.ArchivePath()
			entries, err := auditpkg.ReadEntries(path)
			if err != nil {
				return err
			}
			filtered := auditpkg.FilterEntries(entries, sinceTime, time.Time{}, action, "")
			if last > 0 && len(filtered) > last {
				filtered = filtered[len(filtered)-last:]
			}

			return cmdutil.Print(cmd, filtered, func() error {
				if len(filtered) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No archived audit events.")
					return nil
				}
				return output.Show(fmt.Sprintf("Archived events: %d\nFile: %s\n\n%s", len(filtered), path, table(filtered)))
			})
		},
	}

	cmd.Flags().IntVar(&last, "last", 50, "Show the last N events")
	cmd.Flags().StringVar(&action, "action", "", "Only actions containing this text")
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after")
	return cmd
}

func newArchiveClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Truncate the audit archive file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			path := a.Audit.ArchivePath()
			if path == "" {
				return output.Userf("audit.archive_path is not set")
			}
			if err := auditpkg.Clear(path); err != nil {
				return err
			}
			return cmdutil.Print(cmd, map[string]string{"cleared": path}, func() error {
				fmt.Fprintf(cmd.OutOrStdout(), "Audit archive cleared: %s\n", path)
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show audit storage locations and sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stored, err := a.Store.Audit.Count(cmd.Context())
			if err != nil {
				return err
			}
			journal, archive := a.Audit.JournalPath(), a.Audit.ArchivePath()
			status := map[string]any{
				"stored_events": stored,
				"journal":       journal,
				"journal_size":  auditpkg.LogSize(journal),
				"archive":       archive,
				"archive_size":  auditpkg.LogSize(archive),
			}
			return cmdutil.Print(cmd, status, func() error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Database:  %d event(s)\n", stored)
				fmt.Fprintf(w, "Journal:   %s (%s)\n", dash(journal), formatSize(auditpkg.LogSize(journal)))
				fmt.Fprintf(w, "Archive:   %s (%s)\n", dash(archive), formatSize(auditpkg.LogSize(archive)))
				return nil
			})
		},
	}
}

func formatSize(bytes int64) string {
	switch {
	case bytes == 0:
		return "empty"
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	}
	return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
}
