package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/memhub/console/internal/apikeys"
	"github.com/memhub/console/internal/clipboard"
	"github.com/memhub/console/internal/models"
	"github.com/spf13/cobra"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keys",
		Aliases: []string{"key", "apikey"},
		Short:   "Manage API keys",
		Long:    "List, create, rename and revoke the API keys of the signed-in account.",
	}

	cmd.AddCommand(newKeysListCmd(opts))
	cmd.AddCommand(newKeysCreateCmd(opts))
	cmd.AddCommand(newKeysRenameCmd(opts))
	cmd.AddCommand(newKeysRevokeCmd(opts))

	return cmd
}

// openSignedIn opens the app and fails unless a user is signed in.
func (o *rootOptions) openSignedIn(ctx context.Context) (*app, error) {
	a, err := o.openApp(ctx)
	if err != nil {
		return nil, err
	}

	if !a.sessions.Current().Authenticated {
		a.Close()
		return nil, errNotSignedIn
	}

	return a, nil
}

// keyError turns a manager error into the message shown to users.
func keyError(err error) error {
	return errors.New(apikeys.UserMessage(err))
}

// ---------- keys list ----------

func newKeysListCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your API keys",
		Long: `List your API keys with their secrets masked. When the key store cannot be
reached the last saved listing is shown instead, with a warning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}

			a, err := opts.openSignedIn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.keys.List(cmd.Context())
			if err != nil {
				snap := a.keys.Snapshot()
				if len(snap.Keys) == 0 {
					return keyError(err)
				}

				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s (showing saved list)\n", snap.LoadError)
				keys = snap.Keys
			}

			return render(cmd.OutOrStdout(), format, keys, keyTable(keys))
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", string(formatTable), "output format: table, json or yaml")

	return cmd
}

// ---------- keys create ----------

func newKeysCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		output  string
		expires string
		copyKey bool
	)

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new API key",
		Long: `Create a new API key. The full key is shown once and cannot be retrieved
again. Without a name one is generated.`,
		Example: `  memhub keys create "CI pipeline" --expires "30 days"
  memhub keys create --expires never --copy`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}

			exp, err := apikeys.ParseExpiration(expires)
			if err != nil {
				return err
			}

			var name string
			if len(args) == 1 {
				name = args[0]
			}

			a, err := opts.openSignedIn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key, err := a.keys.Create(cmd.Context(), name, exp)
			if err != nil {
				return keyError(err)
			}

			if err := render(cmd.OutOrStdout(), format, key, createdKeyTable(key)); err != nil {
				return err
			}

			if copyKey {
				copyToClipboard(cmd, a, key.Secret)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", string(formatTable), "output format: table, json or yaml")
	cmd.Flags().StringVar(&expires, "expires", string(apikeys.DefaultExpiration), expirationHelp())
	cmd.Flags().BoolVar(&copyKey, "copy", false, "copy the new key to the clipboard")

	return cmd
}

func expirationHelp() string {
	choices := make([]string, 0, len(apikeys.Expirations()))
	for _, e := range apikeys.Expirations() {
		choices = append(choices, strings.ToLower(string(e)))
	}

	return "key lifetime: " + strings.Join(choices, ", ")
}

// copyToClipboard reports on stderr so it never mixes with JSON or YAML
// output. A failed copy is not fatal: the key is already printed.
func copyToClipboard(cmd *cobra.Command, a *app, text string) {
	method, err := clipboard.New(cmd.ErrOrStderr(), a.logger).Copy(text)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not copy the key: %v\n", err)
		return
	}

	if method == clipboard.MethodOSC52 {
		fmt.Fprintln(cmd.ErrOrStderr(), "Copied to clipboard (via terminal).")
		return
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Copied to clipboard.")
}

// ---------- keys rename ----------

func newKeysRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openSignedIn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.keys.List(cmd.Context()); err != nil {
				return keyError(err)
			}

			if err := a.keys.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return keyError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Renamed key %s to %q\n", args[0], strings.TrimSpace(args[1]))

			return nil
		},
	}
}

// ---------- keys revoke ----------

func newKeysRevokeCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Long:  "Delete an API key. Agents using it lose access immediately. Asks for confirmation unless --yes is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openSignedIn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.keys.List(cmd.Context()); err != nil {
				return keyError(err)
			}

			confirmer := apikeys.AlwaysConfirm
			if !yes {
				confirmer = opts.promptConfirm(cmd)
			}

			err = a.keys.Revoke(cmd.Context(), args[0], confirmer)

			switch {
			case apikeys.IsDeclined(err):
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			case err != nil:
				return keyError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "revoke without asking")

	return cmd
}

// promptConfirm asks on stderr and accepts y or yes.
func (o *rootOptions) promptConfirm(cmd *cobra.Command) apikeys.ConfirmFunc {
	return func(_ context.Context, key models.KeyView) (bool, error) {
		answer, err := o.readLine(cmd, apikeys.ConfirmPrompt(key)+" [y/N]: ")
		if err != nil {
			return false, nil
		}

		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		}

		return false, nil
	}
}
