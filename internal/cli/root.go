// Package cli implements the memhub command line: account sign-in, API key
// management and the dashboard server.
package cli

import (
	"bufio"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags. lines buffers stdin so several
// prompts can share it.
type rootOptions struct {
	stateDir string
	logLevel string

	lines *bufio.Reader
}

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	return newRootCmd(version, commit, date).Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "memhub",
		Short: "Manage your memhub account and API keys",
		Long: `memhub signs you in to your memhub account and manages the API keys your
agents use to reach their memory.

Settings come from the environment (or a .env file): SUPABASE_URL and
SUPABASE_ANON_KEY point at the auth provider, API_BASE_URL at the key
issuance API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "directory for the session and key cache (default is ~/.memhub)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newLoginCmd(opts))
	cmd.AddCommand(newSignupCmd(opts))
	cmd.AddCommand(newLogoutCmd(opts))
	cmd.AddCommand(newWhoamiCmd(opts))
	cmd.AddCommand(newKeysCmd(opts))
	cmd.AddCommand(newServeCmd(opts, version))
	cmd.AddCommand(newMCPCmd(opts, version))
	cmd.AddCommand(newHashPasswordCmd(opts))
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}
