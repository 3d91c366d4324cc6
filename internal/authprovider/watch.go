package authprovider

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/memhub/console/internal/models"
)

// watchDebounceInterval batches the burst of writes a single database
// commit produces into one session check.
const watchDebounceInterval = 200 * time.Millisecond

// WatchStorage watches the session file at path for writes by other
// processes and emits SIGNED_IN, SIGNED_OUT or TOKEN_REFRESHED when the
// persisted session differs from what this client last saw. It blocks
// until ctx is cancelled.
func (c *Client) WatchStorage(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)

	// Watch the directory: the file may be replaced or not exist yet.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching session dir: %w", err)
	}

	c.logger.Debug("session watcher started", slog.String("path", path))

	var pending bool

	ticker := time.NewTicker(watchDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			c.logger.Warn("session watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pending {
				pending = false
				c.syncFromStorage()
			}
		}
	}
}

// syncFromStorage re-reads the persisted session and announces any change
// made outside this client.
func (c *Client) syncFromStorage() {
	sess, err := c.storage.Session()
	if err != nil {
		c.logger.Debug("re-reading session", slog.String("error", err.Error()))
		return
	}

	c.knownMu.Lock()
	prev := c.known
	c.knownMu.Unlock()

	event, changed := classifyChange(prev, sess)
	if !changed {
		return
	}

	c.setKnown(sess)
	c.logger.Info("session changed by another process", slog.String("event", string(event)))
	c.emit(event, sess)
}

func classifyChange(prev, next *models.Session) (models.AuthEvent, bool) {
	switch {
	case prev == nil && next == nil:
		return "", false
	case next == nil:
		return models.EventSignedOut, true
	case prev == nil:
		return models.EventSignedIn, true
	case userID(prev) != userID(next):
		return models.EventSignedIn, true
	case prev.AccessToken != next.AccessToken:
		return models.EventTokenRefreshed, true
	}

	return "", false
}

func userID(s *models.Session) string {
	if s.User == nil {
		return ""
	}

	return s.User.ID
}
