package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newHashPasswordCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for DASHBOARD_AUTH_USERS",
		Long: `Read a password and print its bcrypt hash. Use the output in
DASHBOARD_AUTH_USERS as user:hash pairs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := opts.readSecret(cmd, "Enter password: ")
			if err != nil {
				return err
			}

			if password == "" {
				return errors.New("password must not be empty")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(hash))

			return nil
		},
	}
}
