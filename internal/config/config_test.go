package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

// isolate points HOME at a temp dir and blanks the override variables.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{EnvStateDB, EnvStoreDB, EnvGoogleCredentials, EnvGoogleToken} {
		t.Setenv(k, "")
	}
	return home
}

const minimal = `
google:
  credentials_file: /etc/calrelay/client.json
  token_file: /var/lib/calrelay/token.json
`

func TestLoad_Valid(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
state_db: /data/state.db
store_db: /data/store.db
google:
  credentials_file: /etc/calrelay/client.json
  token_file: /var/lib/calrelay/token.json
sync:
  poll_interval: 15m
  window_past: 48h
  window_future: 240h
  lease_ttl: 2m
  schema_settle: 0s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StateDB != "/data/state.db" {
		t.Errorf("StateDB = %q, want %q", cfg.StateDB, "/data/state.db")
	}
	if cfg.StoreDB != "/data/store.db" {
		t.Errorf("StoreDB = %q, want %q", cfg.StoreDB, "/data/store.db")
	}
	if cfg.Google.CredentialsFile != "/etc/calrelay/client.json" {
		t.Errorf("CredentialsFile = %q", cfg.Google.CredentialsFile)
	}
	if cfg.Sync.PollInterval != 15*time.Minute {
		t.Errorf("PollInterval = %v, want 15m", cfg.Sync.PollInterval)
	}
	if cfg.Sync.WindowPast != 48*time.Hour || cfg.Sync.WindowFuture != 240*time.Hour {
		t.Errorf("window = %v/%v, want 48h/240h", cfg.Sync.WindowPast, cfg.Sync.WindowFuture)
	}
	if cfg.Sync.LeaseTTL != 2*time.Minute {
		t.Errorf("LeaseTTL = %v, want 2m", cfg.Sync.LeaseTTL)
	}
	if *cfg.Sync.SchemaSettle != 0 {
		t.Errorf("SchemaSettle = %v, want explicit 0", *cfg.Sync.SchemaSettle)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, ".local", "share", "calrelay", "state.db"); cfg.StateDB != want {
		t.Errorf("StateDB = %q, want %q", cfg.StateDB, want)
	}
	if want := filepath.Join(home, ".local", "share", "calrelay", "store.db"); cfg.StoreDB != want {
		t.Errorf("StoreDB = %q, want %q", cfg.StoreDB, want)
	}
	if cfg.Sync.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v, want default 5m", cfg.Sync.PollInterval)
	}
	if cfg.Sync.WindowPast != 720*time.Hour {
		t.Errorf("WindowPast = %v, want 720h", cfg.Sync.WindowPast)
	}
	if cfg.Sync.WindowFuture != 2160*time.Hour {
		t.Errorf("WindowFuture = %v, want 2160h", cfg.Sync.WindowFuture)
	}
	if cfg.Sync.LeaseTTL != 10*time.Minute {
		t.Errorf("LeaseTTL = %v, want 10m", cfg.Sync.LeaseTTL)
	}
	if *cfg.Sync.SchemaSettle != 500*time.Millisecond {
		t.Errorf("SchemaSettle = %v, want 500ms", *cfg.Sync.SchemaSettle)
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := isolate(t)
	cfg, err := Load(writeConfig(t, `
state_db: ~/sync/state.db
google:
  credentials_file: ~/client.json
  token_file: ~/token.json
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "sync", "state.db"); cfg.StateDB != want {
		t.Errorf("StateDB = %q, want %q", cfg.StateDB, want)
	}
	if want := filepath.Join(home, "token.json"); cfg.Google.TokenFile != want {
		t.Errorf("TokenFile = %q, want %q", cfg.Google.TokenFile, want)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv(EnvStateDB, "/env/state.db")
	t.Setenv(EnvGoogleToken, "/env/token.json")

	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StateDB != "/env/state.db" {
		t.Errorf("StateDB = %q, want env override", cfg.StateDB)
	}
	if cfg.Google.TokenFile != "/env/token.json" {
		t.Errorf("TokenFile = %q, want env override", cfg.Google.TokenFile)
	}
	if cfg.Google.CredentialsFile != "/etc/calrelay/client.json" {
		t.Errorf("CredentialsFile = %q, want file value", cfg.Google.CredentialsFile)
	}
}

func TestLoad_EnvSuppliesRequiredFields(t *testing.T) {
	isolate(t)
	t.Setenv(EnvGoogleCredentials, "/env/client.json")
	t.Setenv(EnvGoogleToken, "/env/token.json")

	if _, err := Load(writeConfig(t, "")); err != nil {
		t.Fatalf("unexpected error for empty file with env: %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing credentials", "google:\n  token_file: /t.json\n"},
		{"missing token", "google:\n  credentials_file: /c.json\n"},
		{"poll too short", minimal + "sync:\n  poll_interval: 30s\n"},
		{"poll too long", minimal + "sync:\n  poll_interval: 25h\n"},
		{"negative window", minimal + "sync:\n  window_past: -1h\n"},
		{"settle too long", minimal + "sync:\n  schema_settle: 11s\n"},
		{"unknown key", minimal + "unknown_field: oops\n"},
		{"unknown nested key", minimal + "sync:\n  interval: 5m\n"},
		{"telemetry without endpoint", minimal + "telemetry:\n  insecure: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "config.yaml" || filepath.Base(filepath.Dir(path)) != "calrelay" {
		t.Errorf("DefaultPath = %q, want .../calrelay/config.yaml", path)
	}
}

// ---------------------------------------------------------------------------
// Telemetry block
// ---------------------------------------------------------------------------

func TestLoad_TelemetryValid(t *testing.T) {
	isolate(t)
	path := writeConfig(t, minimal+`
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "calrelay-dev"
  headers:
    Authorization: "Bearer secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "calrelay-dev" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "calrelay-dev")
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q", cfg.Telemetry.Headers["Authorization"])
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	isolate(t)
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}
