package dashboard

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/memhub/console/internal/config"
	"github.com/memhub/console/internal/metrics"
	"golang.org/x/crypto/bcrypt"
)

const (
	authFailureWindow  = 5 * time.Minute
	authFailureMax     = 10
	authPruneThreshold = 1000
)

// dummyHash is compared against when the username is unknown so both
// paths pay for a bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("memhub-dummy-password"), bcrypt.DefaultCost)

// wrap records the response status. chi's wrapper keeps http.Flusher
// available, which the MCP stream relies on.
func wrap(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

func statusOf(ww chimw.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}

	return ww.Status()
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrap(w, r)

			next.ServeHTTP(ww, r)

			status := statusOf(ww)

			level := slog.LevelDebug
			if status >= 500 {
				level = slog.LevelError
			} else if status >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := wrap(w, r)

		next.ServeHTTP(ww, r)

		// Route patterns keep key refs out of the label set.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(statusOf(ww))).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// failureLimiter counts failed logins per remote IP in a sliding window.
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// limited reports whether ip has reached the failure limit.
func (l *failureLimiter) limited(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-authFailureWindow)

	if len(l.failures) > authPruneThreshold {
		for k, times := range l.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(l.failures, k)
			}
		}
	}

	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(l.failures, ip)
	} else {
		l.failures[ip] = recent
	}

	return len(recent) >= authFailureMax
}

func (l *failureLimiter) record(ip string) {
	l.mu.Lock()
	l.failures[ip] = append(l.failures[ip], l.now())
	l.mu.Unlock()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// basicAuth requires HTTP basic credentials matching one of users. With no
// users configured every request passes.
func basicAuth(users config.UserCredentials, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		if len(users) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			if limiter.limited(ip) {
				logger.Warn("dashboard login rate limited", slog.String("ip", ip))
				writeError(w, http.StatusTooManyRequests, "too many failed login attempts, try again later")

				return
			}

			username, password, ok := r.BasicAuth()

			hash, known := users[username]
			if !known {
				hash = dummyHash
			}

			if !ok || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil || !known {
				if ok {
					logger.Warn("dashboard login failed", slog.String("username", username), slog.String("ip", ip))
					limiter.record(ip)
				}

				w.Header().Set("WWW-Authenticate", `Basic realm="memhub", charset="UTF-8"`)
				writeError(w, http.StatusUnauthorized, "authentication required")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
