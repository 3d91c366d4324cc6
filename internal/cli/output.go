package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/memhub/console/internal/models"
	"github.com/memhub/console/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	}

	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
}

// render writes v as JSON or YAML, or calls table for the human form.
func render(w io.Writer, format outputFormat, v any, table func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return err
		}

		return enc.Close()
	default:
		return table(w)
	}
}

func keyTable(keys []models.KeyView) func(io.Writer) error {
	return func(w io.Writer) error {
		if len(keys) == 0 {
			_, err := fmt.Fprintln(w, "No API keys yet. Use 'memhub keys create' to create one.")
			return err
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKEY\tCREATED\tEXPIRES\tLAST USED")

		for _, k := range keys {
			id := k.Ref
			if id == "" {
				id = "-"
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, k.Name, k.Masked, k.CreatedAt, k.ExpiresAt, k.LastUsed)
		}

		return tw.Flush()
	}
}

func createdKeyTable(key models.KeyView) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintln(w, "API key created:")
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  ID:       %s\n", key.Ref)
		fmt.Fprintf(w, "  Name:     %s\n", key.Name)
		fmt.Fprintf(w, "  Key:      %s\n", key.Secret)
		fmt.Fprintf(w, "  Expires:  %s\n", key.ExpiresAt)
		fmt.Fprintln(w)
		_, err := fmt.Fprintln(w, "  Save this key now - it cannot be retrieved again.")

		return err
	}
}

func viewTable(v session.View) func(io.Writer) error {
	return func(w io.Writer) error {
		if !v.Authenticated {
			_, err := fmt.Fprintln(w, "Not signed in.")
			return err
		}

		fmt.Fprintf(w, "%s <%s>\n", v.Name, v.Email)
		_, err := fmt.Fprintf(w, "  user id: %s\n", v.UserID)

		return err
	}
}

// readSecret reads a password without echo when stdin is a terminal, and
// a single line otherwise. Prompts go to stderr.
func (o *rootOptions) readSecret(cmd *cobra.Command, label string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), label)

		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(b), nil
	}

	return o.readLine(cmd, label)
}

// readLine prints label to stderr and reads one line from stdin.
func (o *rootOptions) readLine(cmd *cobra.Command, label string) (string, error) {
	if o.lines == nil {
		o.lines = bufio.NewReader(cmd.InOrStdin())
	}

	fmt.Fprint(cmd.ErrOrStderr(), label)

	line, err := o.lines.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.New("no input")
	}

	return strings.TrimRight(line, "\r\n"), nil
}
