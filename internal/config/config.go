package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const (
	// BackendREST stores keys in the provider's PostgREST table.
	BackendREST = "rest"
	// BackendSQL stores keys in a local database through gorm.
	BackendSQL = "sql"
)

// Config holds all environment-based configuration for memhub.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Public origin of the dashboard. Relative API base URLs are resolved
	// against it.
	SiteURL string `env:"SITE_URL" envDefault:"http://localhost:3000"`

	// Base URL of the key issuance API.
	APIBaseURL string `env:"API_BASE_URL" envDefault:"/api"`

	// Auth provider project. Missing values are not fatal: the provider
	// client logs a warning and every auth call fails.
	SupabaseURL     string `env:"SUPABASE_URL"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY"`

	// Key store backend and its settings.
	KeystoreBackend string `env:"KEYSTORE_BACKEND" envDefault:"rest"`
	KeystoreDSN     string `env:"KEYSTORE_DSN"`
	KeystoreTable   string `env:"KEYSTORE_TABLE" envDefault:"User_API_Keys_manager"`

	// Directory for the persisted session and key cache. Defaults to
	// ~/.memhub.
	StateDir string `env:"STATE_DIR"`

	RealtimeEnabled bool `env:"REALTIME_ENABLED" envDefault:"true"`

	// Dashboard API settings
	DashboardListenAddr     string   `env:"DASHBOARD_LISTEN_ADDR" envDefault:"127.0.0.1:8787"`
	DashboardAuthUsers      string   `env:"DASHBOARD_AUTH_USERS"`
	DashboardAllowedOrigins []string `env:"DASHBOARD_ALLOWED_ORIGINS" envSeparator:","`
	DashboardCreateRate     int      `env:"DASHBOARD_CREATE_RATE" envDefault:"10"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.KeystoreBackend = strings.ToLower(strings.TrimSpace(cfg.KeystoreBackend))
	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	absDir, err := filepath.Abs(expandHome(cfg.StateDir))
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.KeystoreBackend {
	case BackendREST:
	case BackendSQL:
		if c.KeystoreDSN == "" {
			return fmt.Errorf("KEYSTORE_DSN is required when KEYSTORE_BACKEND is %q", BackendSQL)
		}
	default:
		return fmt.Errorf("KEYSTORE_BACKEND must be %q or %q, got %q", BackendREST, BackendSQL, c.KeystoreBackend)
	}

	if c.KeystoreTable == "" {
		return fmt.Errorf("KEYSTORE_TABLE must not be empty")
	}

	if _, err := url.Parse(c.SiteURL); err != nil {
		return fmt.Errorf("SITE_URL is not a valid URL: %w", err)
	}

	if c.DashboardCreateRate < 1 {
		return fmt.Errorf("DASHBOARD_CREATE_RATE must be at least 1")
	}

	return nil
}

// ValidateDashboard checks the settings only the dashboard server needs.
// A listener reachable from other hosts must have authentication.
func (c *Config) ValidateDashboard() error {
	if c.DashboardListenAddr == "" {
		return fmt.Errorf("DASHBOARD_LISTEN_ADDR must not be empty")
	}

	users, err := c.ParseDashboardUsers()
	if err != nil {
		return err
	}

	if len(users) == 0 && !isLoopback(c.DashboardListenAddr) {
		return fmt.Errorf("DASHBOARD_AUTH_USERS is required when DASHBOARD_LISTEN_ADDR %q is not a loopback address", c.DashboardListenAddr)
	}

	return nil
}

// AuthConfigured reports whether both auth provider settings are present.
func (c *Config) AuthConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseAnonKey != ""
}

// IssuerURL returns the absolute issuance endpoint, resolving a relative
// API base URL against the site URL.
func (c *Config) IssuerURL() (string, error) {
	base, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing API_BASE_URL: %w", err)
	}

	if !base.IsAbs() {
		site, err := url.Parse(c.SiteURL)
		if err != nil {
			return "", fmt.Errorf("parsing SITE_URL: %w", err)
		}

		base = site.ResolveReference(base)
	}

	return strings.TrimRight(base.String(), "/") + "/generate-api-key", nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultStateDir returns ~/.memhub.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".memhub"), nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// UserCredentials maps dashboard usernames to bcrypt password hashes.
type UserCredentials map[string][]byte

// ParseDashboardUsers parses the DASHBOARD_AUTH_USERS string.
// Format: "user1:$2a$10$...,user2:$2a$10$..." where each value is a bcrypt
// hash as printed by `memhub hash-password`.
func (c *Config) ParseDashboardUsers() (UserCredentials, error) {
	users := make(UserCredentials)
	if c.DashboardAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.DashboardAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or password hash in entry %d", len(users)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in DASHBOARD_AUTH_USERS", username)
		}

		users[username] = []byte(hash)
	}

	return users, nil
}
