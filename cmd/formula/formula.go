// Package formula provides the "sheetkit formula" commands.
package formula

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/authz"
	formulapkg "github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/output"
)

// NewCommand creates the "formula" command with all subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formula",
		Short: "Evaluate and check spreadsheet formulas",
	}

	cmd.AddCommand(newEvalCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newFunctionsCmd())

	return cmd
}

func newEvalCmd() *cobra.Command {
	var (
		as         string
		workbookID string
		sheetID    string
	)

	cmd := &cobra.Command{
		Use:   "eval <formula>",
		Short: "Evaluate a formula, optionally against a stored worksheet",
		Long: `Evaluate a formula. Without --workbook the formula may not read cells.

Example:
  sheetkit formula eval "=ROUND(PI()*2, 3)"
  sheetkit formula eval "=SUM(B2:B9)" --workbook <id> --sheet <id> --as alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				v   string
				err error
			)
			if workbookID == "" {
				v, err = formulapkg.EvaluateDetached(args[0])
			} else {
				v, err = evalStored(cmd, as, workbookID, sheetID, args[0])
			}

			res := map[string]string{"formula": formulapkg.Normalize(args[0]), "value": v}
			if errors.Is(err, formulapkg.ErrEvaluation) {
				res["error"] = v
				err = nil
			}
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, res, func() error {
				if res["error"] != "" {
					output.Status(cmd.OutOrStdout(), "warn", "%s", v)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "Evaluate with this user's permissions (required with --workbook)")
	cmd.Flags().StringVar(&workbookID, "workbook", "", "Workbook ID")
	cmd.Flags().StringVar(&sheetID, "sheet", "", "Worksheet ID (required with --workbook)")
	return cmd
}

func evalStored(cmd *cobra.Command, as, workbookID, sheetID, formula string) (string, error) {
	if sheetID == "" {
		return "", output.Userf("--sheet is required with --workbook")
	}
	a, err := cmdutil.Open(cmd)
	if err != nil {
		return "", err
	}
	defer a.Close()

	u, err := cmdutil.Actor(cmd.Context(), a, as)
	if err != nil {
		return "", err
	}
	if err := a.Authz.Require(cmd.Context(), u.ID, workbookID, authz.CellRead); err != nil {
		return "", err
	}
	return a.Formulas.Evaluate(cmd.Context(), workbookID, sheetID, formula)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <formula>",
		Short: "Check formula syntax and supported functions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := formulapkg.Validate(args[0])
			if err := cmdutil.Print(cmd, res, func() error {
				if res.Valid {
					output.Status(cmd.OutOrStdout(), "ok", "Valid")
					return nil
				}
				for _, e := range res.Errors {
					output.Status(cmd.OutOrStdout(), "error", "  %s", e)
				}
				return nil
			}); err != nil {
				return err
			}
			if !res.Valid {
				return output.Userf("invalid formula: %s", strings.Join(res.Errors, "; "))
			}
			return nil
		},
	}
}

func newFunctionsCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "functions",
		Short: "List supported worksheet functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fns []formulapkg.Function
			for _, f := range formulapkg.Functions() {
				if category == "" || strings.EqualFold(string(f.Category), category) {
					fns = append(fns, f)
				}
			}
			return cmdutil.Print(cmd, fns, func() error {
				tbl := output.NewTable("NAME", "CATEGORY", "DESCRIPTION")
				for _, f := range fns {
					tbl.Row(f.Name, f.Category, f.Description)
				}
				return tbl.Render(cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Only this category (Math, Text, Logical, ...)")
	return cmd
}
