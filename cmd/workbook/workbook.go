// Package workbook provides the "sheetkit workbook" commands.
package workbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/classify"
	"github.com/klytics/sheetkit/internal/metrics"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/output"
)

// NewCommand creates the "workbook" command with all subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workbook",
		Aliases: []string{"wb"},
		Short:   "List, import, export and scan workbooks",
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newClassifyCmd())
	cmd.AddCommand(newProtectCmd())
	cmd.AddCommand(newDLPCmd())
	cmd.AddCommand(newSharingCmd())

	return cmd
}

func newListCmd() *cobra.Command {
	var (
		as       string
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workbooks (all, or those visible to --as)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var (
				wbs   []model.Workbook
				total int
			)
			if as != "" {
				u, err := cmdutil.Actor(ctx, a, as)
				if err != nil {
					return err
				}
				if wbs, total, err = a.Sheets.ListWorkbooks(ctx, u.ID, page, pageSize); err != nil {
					return err
				}
			} else {
				if wbs, err = a.Store.Workbooks.List(ctx); err != nil {
					return err
				}
				total = len(wbs)
			}

			return cmdutil.Print(cmd, map[string]any{"workbooks": wbs, "total": total}, func() error {
				tbl := output.NewTable("ID", "NAME", "CLASSIFICATION", "SHARED", "MODIFIED")
				for _, wb := range wbs {
					tbl.Row(wb.ID, wb.Name, orDash(wb.Classification), wb.IsShared, wb.LastModifiedAt.Local().Format(time.DateTime))
				}
				if err := tbl.Render(cmd.OutOrStdout()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d workbook(s)\n", len(wbs), total)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "Only workbooks this user can open")
	cmd.Flags().IntVar(&page, "page", 1, "Page number (with --as)")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "Page size (with --as)")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newImportCmd() *cobra.Command {
	var (
		as   string
		name string
	)

	cmd := &cobra.Command{
		Use:   "import <file.xlsx>",
		Short: "Import an xlsx file as a new workbook owned by --as",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := cmdutil.Actor(cmd.Context(), a, as)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return output.UserError{Err: err}
			}
			defer f.Close()

			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			wb, err := a.XLSX.Import(cmd.Context(), f, u.ID, name)
			metrics.Imported("cli", err)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, wb, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Imported %s as workbook %s", args[0], wb.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "Owner username (required)")
	cmd.Flags().StringVar(&name, "name", "", "Workbook name (default: file name)")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		as     string
		out    string
		format string
		sheet  string
	)

	cmd := &cobra.Command{
		Use:   "export <workbook-id>",
		Short: "Export a workbook as xlsx, or one worksheet as csv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "xlsx" && format != "csv" {
				return output.Userf("unsupported format %q (xlsx or csv)", format)
			}
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			u, err := cmdutil.Actor(ctx, a, as)
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + "." + format
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}

			switch format {
			case "xlsx":
				err = a.XLSX.Export(ctx, u.ID, args[0], f)
			case "csv":
				var sheets []model.Worksheet
				if sheets, err = a.Sheets.ListWorksheets(ctx, u.ID, args[0]); err == nil {
					var ws *model.Worksheet
					if ws, err = findSheet(sheets, sheet); err == nil {
						err = a.XLSX.ExportCSV(ctx, u.ID, args[0], ws.ID, f)
					}
				}
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(out)
				return err
			}
			return cmdutil.Print(cmd, map[string]string{"workbook_id": args[0], "path": out, "format": format}, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Wrote %s", out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "Export with this user's permissions (required)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output path (default: <id>.<format>)")
	cmd.Flags().StringVar(&format, "format", "xlsx", "xlsx or csv")
	cmd.Flags().StringVar(&sheet, "sheet", "", "Worksheet name or ID for csv (default: first)")
	return cmd
}

// findSheet picks a worksheet by ID or case-insensitive name; an empty
// selector means the first worksheet.
func findSheet(sheets []model.Worksheet, sel string) (*model.Worksheet, error) {
	if len(sheets) == 0 {
		return nil, output.Userf("workbook has no worksheets")
	}
	if sel == "" {
		return &sheets[0], nil
	}
	for i := range sheets {
		if sheets[i].ID == sel || strings.EqualFold(sheets[i].Name, sel) {
			return &sheets[i], nil
		}
	}
	return nil, output.Userf("no worksheet %q", sel)
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <workbook-id>",
		Short: "Scan a workbook for sensitive data and store its label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Classify.ClassifyWorkbook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, res, func() error {
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, classify.Summary(res))
				for _, ws := range res.Worksheets {
					for _, t := range ws.Matches.Types() {
						fmt.Fprintf(w, "  %s: %s %s\n", ws.Name, t, strings.Join(ws.Matches[t], ", "))
					}
				}
				return nil
			})
		},
	}
}

func newProtectCmd() *cobra.Command {
	var as string

	cmd := &cobra.Command{
		Use:   "protect <workbook-id>",
		Short: "Encrypt or mask sensitive cells according to the classification policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := cmdutil.Actor(cmd.Context(), a, as)
			if err != nil {
				return err
			}
			res, err := a.Classify.ApplyProtectionPolicy(cmd.Context(), args[0], u.ID)
			if err != nil {
				return err
			}
			a.Authz.InvalidateWorkbook(args[0])
			return cmdutil.Print(cmd, res, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "%s: %d cell(s) encrypted, %d masked", res.Label, res.Encrypted, res.Masked)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "Record the change as this user (required)")
	return cmd
}

func newDLPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dlp <workbook-id>",
		Short: "Evaluate data loss prevention policies against a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.DLP.ApplyDLPPolicies(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, rep, func() error {
				w := cmd.OutOrStdout()
				if rep.Total == 0 {
					output.Status(w, "ok", "No DLP violations")
					return nil
				}
				policies := make([]string, 0, len(rep.Violations))
				for p := range rep.Violations {
					policies = append(policies, p)
				}
				sort.Strings(policies)

				tbl := output.NewTable("POLICY", "ACTION", "SHEET", "CELL", "TYPE")
				for _, p := range policies {
					for _, v := range rep.Violations[p] {
						tbl.Row(v.Policy, v.Action, v.Worksheet, v.Cell, v.Classification)
					}
				}
				if err := tbl.Render(w); err != nil {
					return err
				}
				level := "warn"
				if rep.Blocked {
					level = "error"
				}
				output.Status(w, level, "\n%d violation(s), blocked=%t", rep.Total, rep.Blocked)
				return nil
			})
		},
	}
}

func newSharingCmd() *cobra.Command {
	var externalOnly bool

	cmd := &cobra.Command{
		Use:   "sharing",
		Short: "Report who workbooks are shared with",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Collab.AuditSharing(cmd.Context())
			if err != nil {
				return err
			}
			if externalOnly {
				kept := rep.Entries[:0]
				for _, e := range rep.Entries {
					if len(e.ExternalUsers) > 0 {
						kept = append(kept, e)
					}
				}
				rep.Entries = kept
			}

			return cmdutil.Print(cmd, rep, func() error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%d of %d workbook(s) shared, %d external grant(s), %d expired\n\n",
					rep.SharedCount, rep.TotalWorkbooks, rep.ExternalShares, rep.ExpiredGrants)
				tbl := output.NewTable("WORKBOOK", "USER", "PERMISSION", "EXPIRES", "EXTERNAL")
				for _, e := range rep.Entries {
					for _, c := range e.Collaborators {
						expires := "-"
						if c.ExpiresAt != nil {
							expires = c.ExpiresAt.Local().Format(time.DateOnly)
						}
						tbl.Row(e.Name, c.Username, c.Permission, expires, c.External)
					}
				}
				return tbl.Render(w)
			})
		},
	}

	cmd.Flags().BoolVar(&externalOnly, "external", false, "Only workbooks with grantees outside the org domain")
	return cmd
}
