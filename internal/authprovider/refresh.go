package authprovider

import (
	"context"
	"log/slog"
	"time"

	"github.com/memhub/console/internal/httpclient"
)

// AutoRefresh checks the session every tick and refreshes it once expiry
// is within three ticks. A temporary failure is retried after a fraction
// of a tick. It blocks until ctx is cancelled.
func (c *Client) AutoRefresh(ctx context.Context) error {
	if !c.configured {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		next := c.tick
		if err := c.refreshIfDue(ctx); httpclient.IsTransient(err) {
			next = c.tick / transientRetryDivisor
		}

		timer.Reset(next)
	}
}

func (c *Client) refreshIfDue(ctx context.Context) error {
	sess, err := c.storage.Session()
	if err != nil {
		c.logger.Warn("auto refresh: loading session", slog.String("error", err.Error()))
		return err
	}

	if sess == nil {
		return nil
	}

	if sess.ExpiresAt == 0 {
		c.fillFromClaims(sess)
	}

	if !c.needsRefresh(sess) {
		return nil
	}

	_, err = c.refresh(ctx, sess)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("auto refresh failed",
			slog.String("error", err.Error()),
			slog.Bool("transient", httpclient.IsTransient(err)),
		)
	}

	return err
}
