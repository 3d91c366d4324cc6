// Package clipboard copies text to the system clipboard, falling back to
// an OSC 52 terminal escape sequence when no clipboard utility is present.
package clipboard

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/atotto/clipboard"
)

var errUnsupported = errors.New("no clipboard utility available")

// CopiedFor is how long Copied reports true after a copy.
const CopiedFor = 2 * time.Second

// Method says how a copy was delivered.
type Method string

const (
	MethodSystem Method = "system"
	MethodOSC52  Method = "osc52"
)

// Clipboard copies text and tracks the transient copied indicator.
type Clipboard struct {
	term   io.Writer
	logger *slog.Logger

	// system writes to the OS clipboard; nil when unsupported.
	system func(string) error
	now    func() time.Time

	mu       sync.Mutex
	copiedAt time.Time
}

// New returns a clipboard that writes OSC 52 sequences to term when the
// system clipboard cannot be used.
func New(term io.Writer, logger *slog.Logger) *Clipboard {
	c := &Clipboard{
		term:   term,
		logger: logger.With(slog.String("component", "clipboard")),
		now:    time.Now,
	}

	if !clipboard.Unsupported {
		c.system = clipboard.WriteAll
	}

	return c
}

// Copy places text on the clipboard.
func (c *Clipboard) Copy(text string) (Method, error) {
	method := MethodSystem

	err := errUnsupported
	if c.system != nil {
		err = c.system(text)
	}

	if err != nil {
		c.logger.Debug("system clipboard unavailable", slog.String("error", err.Error()))

		if c.term == nil {
			return "", fmt.Errorf("copying to clipboard: %w", err)
		}

		if _, werr := io.WriteString(c.term, OSC52(text)); werr != nil {
			return "", fmt.Errorf("writing terminal clipboard sequence: %w", werr)
		}

		method = MethodOSC52
	}

	c.mu.Lock()
	c.copiedAt = c.now()
	c.mu.Unlock()

	return method, nil
}

// Copied reports whether a copy happened within the last CopiedFor.
func (c *Clipboard) Copied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.copiedAt.IsZero() && c.now().Sub(c.copiedAt) < CopiedFor
}

// OSC52 returns the escape sequence that asks the terminal to set its
// clipboard selection to text.
func OSC52(text string) string {
	return "\x1b]52;c;" + base64.StdEncoding.EncodeToString([]byte(text)) + "\a"
}
