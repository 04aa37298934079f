// Package user provides the "sheetkit user" account administration commands.
package user

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/output"
)

// NewCommand creates the "user" command with all subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDisableCmd())
	cmd.AddCommand(newEnableCmd())
	cmd.AddCommand(newPasswdCmd())
	cmd.AddCommand(newUnlockCmd())

	return cmd
}

func newCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		admin    bool
	)

	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an account",
		Long: `Create an account. Without --password the password is read from
SHEETKIT_PASSWORD or prompted for.

Example:
  sheetkit user create alice --email alice@example.com --admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := cmdutil.Password(password, "Password: ")
			if err != nil {
				return err
			}
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			create := a.Auth.RegisterUser
			if admin {
				create = a.Auth.CreateAdmin
			}
			u, err := create(cmd.Context(), args[0], email, pw)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, u, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Created %s user %s (%s)", u.Role, u.Username, u.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the Admin role")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.Store.Users.List(cmd.Context())
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, users, func() error {
				tbl := output.NewTable("USERNAME", "EMAIL", "ROLE", "ACTIVE", "LAST LOGIN")
				for _, u := range users {
					tbl.Row(u.Username, u.Email, u.Role, u.IsActive, lastLogin(u))
				}
				return tbl.Render(cmd.OutOrStdout())
			})
		},
	}
}

func lastLogin(u model.User) string {
	if u.LastLoginAt == nil {
		return "never"
	}
	return u.LastLoginAt.Local().Format(time.DateTime)
}

func newDisableCmd() *cobra.Command {
	return setActiveCmd("disable", "Disable an account and block sign-in", false)
}

func newEnableCmd() *cobra.Command {
	return setActiveCmd("enable", "Re-enable a disabled account", true)
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := cmdutil.Actor(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			if err := a.Auth.SetActive(cmd.Context(), u.ID, active); err != nil {
				return err
			}
			return cmdutil.Print(cmd, map[string]any{"username": u.Username, "active": active}, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "%s: active=%t", u.Username, active)
				return nil
			})
		},
	}
}

func newPasswdCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Set an account's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := cmdutil.Password(password, "New password: ")
			if err != nil {
				return err
			}
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := cmdutil.Actor(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			if err := a.Auth.ChangePassword(cmd.Context(), u.ID, pw); err != nil {
				return err
			}
			return cmdutil.Print(cmd, map[string]string{"username": u.Username}, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Password changed for %s", u.Username)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "New password")
	return cmd
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <username>",
		Short: "Clear a login lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Auth.Unlock(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked %s\n", args[0])
			return nil
		},
	}
}
