// Package config loads and validates the calrelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings. They may also be set in
// a .env file in the working directory.
const (
	EnvStateDB           = "CALRELAY_STATE_DB"
	EnvStoreDB           = "CALRELAY_STORE_DB"
	EnvGoogleCredentials = "CALRELAY_GOOGLE_CREDENTIALS"
	EnvGoogleToken       = "CALRELAY_GOOGLE_TOKEN"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// StateDB is the SQLite file holding sync configs, mappings, sync logs
	// and leases. Defaults to ~/.local/share/calrelay/state.db.
	StateDB string `yaml:"state_db"`

	// StoreDB is the SQLite file holding the dynamic row Store.
	// Defaults to ~/.local/share/calrelay/store.db.
	StoreDB string `yaml:"store_db"`

	Google GoogleConfig `yaml:"google"`
	Sync   SyncConfig   `yaml:"sync"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// GoogleConfig locates the OAuth client and the cached user token.
type GoogleConfig struct {
	// CredentialsFile is the OAuth client JSON downloaded from the Google
	// Cloud console.
	CredentialsFile string `yaml:"credentials_file"`

	// TokenFile caches the user's token. Refreshed tokens are written back.
	TokenFile string `yaml:"token_file"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// PollInterval controls how often the daemon runs every enabled config.
	// Minimum 1m, maximum 24h. Defaults to 5m.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WindowPast and WindowFuture bound a full fetch around now.
	// Default 720h (30 days) and 2160h (90 days).
	WindowPast   time.Duration `yaml:"window_past"`
	WindowFuture time.Duration `yaml:"window_future"`

	// LeaseTTL is how long a run may hold its config. Defaults to 10m.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// SchemaSettle is the pause after adding a column before the schema is
	// re-read. Defaults to 500ms, maximum 10s.
	SchemaSettle *time.Duration `yaml:"schema_settle"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/calrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calrelay", "config.yaml"), nil
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	// A missing .env is fine; it only supplies overrides for local runs.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.StateDB, EnvStateDB)
	override(&c.StoreDB, EnvStoreDB)
	override(&c.Google.CredentialsFile, EnvGoogleCredentials)
	override(&c.Google.TokenFile, EnvGoogleToken)
}

// validate fills defaults and checks bounds.
func (c *Config) validate() error {
	var err error
	if c.StateDB, err = dataPath(c.StateDB, "state.db"); err != nil {
		return err
	}
	if c.StoreDB, err = dataPath(c.StoreDB, "store.db"); err != nil {
		return err
	}

	if c.Google.CredentialsFile == "" {
		return fmt.Errorf("google.credentials_file is required")
	}
	if c.Google.TokenFile == "" {
		return fmt.Errorf("google.token_file is required")
	}
	if c.Google.CredentialsFile, err = expandHome(c.Google.CredentialsFile); err != nil {
		return err
	}
	if c.Google.TokenFile, err = expandHome(c.Google.TokenFile); err != nil {
		return err
	}

	s := &c.Sync
	if s.PollInterval == 0 {
		s.PollInterval = 5 * time.Minute
	}
	if s.PollInterval < time.Minute {
		return fmt.Errorf("sync.poll_interval %v is too short (minimum 1m)", s.PollInterval)
	}
	if s.PollInterval > 24*time.Hour {
		return fmt.Errorf("sync.poll_interval %v is too long (maximum 24h)", s.PollInterval)
	}

	if s.WindowPast == 0 {
		s.WindowPast = 30 * 24 * time.Hour
	}
	if s.WindowFuture == 0 {
		s.WindowFuture = 90 * 24 * time.Hour
	}
	if s.WindowPast < 0 || s.WindowFuture < 0 {
		return fmt.Errorf("sync.window_past and sync.window_future must not be negative")
	}

	if s.LeaseTTL == 0 {
		s.LeaseTTL = 10 * time.Minute
	}
	if s.LeaseTTL < 0 {
		return fmt.Errorf("sync.lease_ttl %v must be positive", s.LeaseTTL)
	}

	if s.SchemaSettle == nil {
		d := 500 * time.Millisecond
		s.SchemaSettle = &d
	}
	if *s.SchemaSettle < 0 || *s.SchemaSettle > 10*time.Second {
		return fmt.Errorf("sync.schema_settle %v out of range (0 to 10s)", *s.SchemaSettle)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

// dataPath returns p with ~ expanded, or the default file under
// ~/.local/share/calrelay.
func dataPath(p, name string) (string, error) {
	if p != "" {
		return expandHome(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calrelay", name), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
