package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const testConfigYAML = `
listen_address: 127.0.0.1:25570
backend_address: mc.example.com:25565
primary_account: main@example.com
secondary_account: alt@example.com
player: Steve
motd: Hold my seat
idle_timeout: 45s
status:
  max_players: 8
database:
  engine: postgres
  host: db.internal
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0644); err != nil {
		t.Fatalf("error writing config: %s", err)
	}
	return dir
}

func TestLoadConfig(t *testing.T) {
	dir := writeConfig(t, testConfigYAML)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() returned an unexpected error: %s", err)
	}

	got := map[string]interface{}{
		"listen":    cfg.ListenAddress,
		"backend":   cfg.BackendAddress,
		"primary":   cfg.PrimaryAccount,
		"secondary": cfg.SecondaryAccount,
		"player":    cfg.Player,
		"motd":      cfg.MOTD,
		"idle":      cfg.IdleTimeout,
		"max":       cfg.Status.MaxPlayers,
		"version":   cfg.Status.VersionName,
		"engine":    cfg.Database.Engine,
		"host":      cfg.Database.Host,
		"port":      cfg.Database.Port,
		"log_level": cfg.Logging.LogLevel,
		"session":   cfg.Auth.SessionServerURL,
	}
	want := map[string]interface{}{
		"listen":    "127.0.0.1:25570",
		"backend":   "mc.example.com:25565",
		"primary":   "main@example.com",
		"secondary": "alt@example.com",
		"player":    "Steve",
		"motd":      "Hold my seat",
		"idle":      45 * time.Second,
		"max":       8,
		"version":   "1.19.2",
		"engine":    "postgres",
		"host":      "db.internal",
		"port":      5432,
		"log_level": "info",
		"session":   "https://sessionserver.mojang.com",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}

	if path := cfg.QualifiedPath("seatkeeper.db"); path != filepath.Join(dir, "seatkeeper.db") {
		t.Errorf("QualifiedPath() resolved to %s", path)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := writeConfig(t, testConfigYAML)
	t.Setenv("SEATKEEPER_PLAYER", "Alex")
	t.Setenv("SEATKEEPER_DATABASE_PORT", "6543")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() returned an unexpected error: %s", err)
	}
	if cfg.Player != "Alex" {
		t.Errorf("Player want = Alex, got = %s", cfg.Player)
	}
	if cfg.Database.Port != 6543 {
		t.Errorf("Database.Port want = 6543, got = %d", cfg.Database.Port)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := map[string]struct {
		contents string
		wantErr  string
	}{
		"missing_file":      {wantErr: "no config file"},
		"bad_backend":       {contents: "backend_address: nope\n", wantErr: "invalid backend_address"},
		"empty_player":      {contents: "player: \"\"\n", wantErr: "player must be set"},
		"negative_timeout":  {contents: "idle_timeout: -1s\n", wantErr: "idle_timeout"},
		"no_account_at_all": {contents: "primary_account: \"\"\n", wantErr: "primary_account or secondary_account"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.contents != "" {
				dir = writeConfig(t, tt.contents)
			}
			_, err := LoadConfig(dir)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadConfig() want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteDefaultConfig(dir, false)
	if err != nil {
		t.Fatalf("WriteDefaultConfig() returned an unexpected error: %s", err)
	}
	if path != filepath.Join(dir, "config.yaml") {
		t.Errorf("WriteDefaultConfig() wrote to %s", path)
	}

	// The defaults on their own make a valid config.
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() of the default config failed: %s", err)
	}
	if cfg.Database.Engine != "sqlite" || cfg.ListenAddress != "0.0.0.0:25565" {
		t.Errorf("unexpected defaults: engine %s, listen %s", cfg.Database.Engine, cfg.ListenAddress)
	}

	if _, err := WriteDefaultConfig(dir, false); err == nil {
		t.Error("expected WriteDefaultConfig() to refuse to overwrite an existing file")
	}
	if _, err := WriteDefaultConfig(dir, true); err != nil {
		t.Errorf("WriteDefaultConfig() with overwrite failed: %s", err)
	}
}

func TestConfig_HandoffAccount(t *testing.T) {
	tests := map[string]struct {
		primary, secondary string
		wantHandoff        string
		wantAccounts       []string
	}{
		"secondary_configured": {"main", "alt", "alt", []string{"main", "alt"}},
		"primary_only":         {"main", "", "main", []string{"main"}},
		"same_account":         {"main", "main", "main", []string{"main"}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{PrimaryAccount: tt.primary, SecondaryAccount: tt.secondary}
			if got := cfg.HandoffAccount(); got != tt.wantHandoff {
				t.Errorf("HandoffAccount() want = %s, got = %s", tt.wantHandoff, got)
			}
			if diff := cmp.Diff(tt.wantAccounts, cfg.Accounts()); diff != "" {
				t.Errorf("Accounts() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfig_DatabaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.Name = "testdb"
	cfg.Database.Username = "testuser"
	cfg.Database.Password = "testpassword"

	url := cfg.DatabaseURL()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpassword sslmode="
	if url != expected {
		t.Errorf("DatabaseURL() want = %s, got = %s", expected, url)
	}
}
