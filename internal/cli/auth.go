package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/memhub/console/internal/session"
	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in: run 'memhub login' first")

// openApp loads config, wires the components and loads the persisted
// session.
func (o *rootOptions) openApp(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := newApp(cfg, o.commandLogger(cfg))
	if err != nil {
		return nil, err
	}

	a.sessions.Initialize(ctx)

	return a, nil
}

// credentials takes the email from the flag or a prompt, then the password.
func (o *rootOptions) credentials(cmd *cobra.Command, email string) (string, string, error) {
	var err error

	if email == "" {
		email, err = o.readLine(cmd, "Email: ")
		if err != nil {
			return "", "", err
		}
	}

	password, err := o.readSecret(cmd, "Password: ")
	if err != nil {
		return "", "", err
	}

	return strings.TrimSpace(email), password, nil
}

// ---------- login ----------

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long:  "Sign in to your memhub account. The session is saved in the state directory and shared with 'memhub serve'.",
		Example: `  memhub login --email you@example.com
  printf 'secret\n' | memhub login --email you@example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts, email)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (prompted when omitted)")

	return cmd
}

func runLogin(cmd *cobra.Command, opts *rootOptions, email string) error {
	a, err := opts.openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	email, password, err := opts.credentials(cmd, email)
	if err != nil {
		return err
	}

	v, err := a.sessions.SignIn(cmd.Context(), email, password)
	if err != nil {
		return errors.New(session.Message(err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s <%s>\n", v.Name, v.Email)

	return nil
}

// ---------- signup ----------

func newSignupCmd(opts *rootOptions) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create a memhub account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignup(cmd, opts, email)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (prompted when omitted)")

	return cmd
}

func runSignup(cmd *cobra.Command, opts *rootOptions, email string) error {
	a, err := opts.openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	email, password, err := opts.credentials(cmd, email)
	if err != nil {
		return err
	}

	v, notice, err := a.sessions.SignUp(cmd.Context(), email, password)
	if err != nil {
		return errors.New(session.Message(err))
	}

	if notice != "" {
		fmt.Fprintln(cmd.OutOrStdout(), notice)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Account created. Signed in as %s <%s>\n", v.Name, v.Email)

	return nil
}

// ---------- logout ----------

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.sessions.Current().Authenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
				return nil
			}

			// The local session is cleared even when the provider call fails.
			if err := a.sessions.SignOut(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", session.Message(err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")

			return nil
		},
	}
}

// ---------- whoami ----------

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			v := a.sessions.Current()
			if !v.Authenticated && format == formatTable {
				return errNotSignedIn
			}

			return render(cmd.OutOrStdout(), format, v, viewTable(v))
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", string(formatTable), "output format: table, json or yaml")

	return cmd
}
