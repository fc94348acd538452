package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/conflict"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/ratelimit"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

var noKeychain = mockKeychain{err: errors.New("no keychain")}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string, kc keychain) (Config, error) {
	t.Helper()
	return loadWith(newFileBackend(path), kc)
}

// TestDefaults verifies all default values apply when the file is empty.
func TestDefaults(t *testing.T) {
	cfg, err := loadFromPath(t, writeTempConfig(t, "# empty\n"), noKeychain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.RateLimit.Window != 15*time.Minute {
		t.Errorf("RateLimit.Window = %v, want 15m", cfg.RateLimit.Window)
	}
	if cfg.Client.Timeout != 10*time.Second {
		t.Errorf("Client.Timeout = %v, want 10s", cfg.Client.Timeout)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("Sync.MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.Connectivity != "probe" {
		t.Errorf("Sync.Connectivity = %q, want probe", cfg.Sync.Connectivity)
	}
	got := cfg.RateLimit.Limits()
	want := ratelimit.DefaultLimits()
	for class, n := range want {
		if got[class] != n {
			t.Errorf("limit %s = %d, want %d", class, got[class], n)
		}
	}
	strategies, err := cfg.Strategies()
	if err != nil {
		t.Fatalf("Strategies: %v", err)
	}
	for _, col := range storage.Collections {
		if strategies[col] != conflict.ServerWins {
			t.Errorf("strategy %s = %v, want serverWins", col, strategies[col])
		}
	}
}

// TestYAMLParsing verifies fields are read from the flat YAML file.
func TestYAMLParsing(t *testing.T) {
	path := writeTempConfig(t, `
server.port: 8080
storage.data_dir: /tmp/relief-test
log.level: debug
ratelimit.window: 30s
ratelimit.auth: 5
client.server_url: http://relief.example:3000
sync.strategy.reports: merge
sync.strategy.resources: localWins
`)
	cfg, err := loadFromPath(t, path, noKeychain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/relief-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Log.SlogLevel().String() != "DEBUG" {
		t.Errorf("log level = %v", cfg.Log.SlogLevel())
	}
	if cfg.RateLimit.Window != 30*time.Second || cfg.RateLimit.Auth != 5 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Client.ServerURL != "http://relief.example:3000" {
		t.Errorf("Client.ServerURL = %q", cfg.Client.ServerURL)
	}
	strategies, _ := cfg.Strategies()
	if strategies[storage.Reports] != conflict.Merge || strategies[storage.Resources] != conflict.LocalWins || strategies[storage.Alerts] != conflict.ServerWins {
		t.Errorf("strategies = %v", strategies)
	}
}

// TestEnvOverride verifies environment variables override file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server.port: 8080\nsync.interval: 1m\n")
	t.Setenv("RELIEF_SERVER_PORT", "9090")
	t.Setenv("RELIEF_SYNC_INTERVAL", "90s")
	t.Setenv("RELIEF_SYNC_STRATEGY_ALERTS", "localWins")

	cfg, err := loadFromPath(t, path, noKeychain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sync.Interval != 90*time.Second {
		t.Errorf("Sync.Interval = %v, want 90s", cfg.Sync.Interval)
	}
	if cfg.Sync.Strategy[storage.Alerts] != "localWins" {
		t.Errorf("alerts strategy = %q", cfg.Sync.Strategy[storage.Alerts])
	}
}

func TestUnparsableEnvKeepsDefault(t *testing.T) {
	t.Setenv("RELIEF_RATELIMIT_WINDOW", "fortnight")
	cfg, err := loadFromPath(t, writeTempConfig(t, ""), noKeychain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimit.Window != 15*time.Minute {
		t.Errorf("RateLimit.Window = %v, want default", cfg.RateLimit.Window)
	}
}

// TestUnknownStrategyFailsLoading verifies a bad strategy is never defaulted.
func TestUnknownStrategyFailsLoading(t *testing.T) {
	path := writeTempConfig(t, "sync.strategy.alerts: newestWins\n")
	_, err := loadFromPath(t, path, noKeychain)
	if err == nil {
		t.Fatal("expected error for unknown strategy, got nil")
	}
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("err kind = %v, want %v", apperr.KindOf(err), apperr.KindConfiguration)
	}
	if !strings.Contains(err.Error(), "ConflictResolutionConfigError") {
		t.Errorf("error = %q", err)
	}
}

func TestInvalidValuesFailLoading(t *testing.T) {
	for _, content := range []string{
		"log.level: loud\n",
		"sync.connectivity: carrier-pigeon\n",
		"sync.max_retries: -1\n",
		"server.port: 70000\n",
		"server.port: many\n",
	} {
		if _, err := loadFromPath(t, writeTempConfig(t, content), noKeychain); err == nil {
			t.Errorf("loading %q succeeded, want error", content)
		}
	}
}

func TestTokenFromKeychain(t *testing.T) {
	cfg, err := loadFromPath(t, writeTempConfig(t, ""), mockKeychain{value: "kc-token"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Client.Token != "kc-token" {
		t.Errorf("Client.Token = %q, want keychain value", cfg.Client.Token)
	}

	t.Setenv("RELIEF_CLIENT_TOKEN", "env-token")
	cfg, _ = loadFromPath(t, writeTempConfig(t, ""), mockKeychain{value: "kc-token"})
	if cfg.Client.Token != "env-token" {
		t.Errorf("Client.Token = %q, want env value", cfg.Client.Token)
	}
}

func TestServerToken(t *testing.T) {
	cfg, err := loadFromPath(t, writeTempConfig(t, "server.token: from-file\n"), noKeychain)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Token != "" {
		t.Errorf("Server.Token = %q, want secret ignored in file", cfg.Server.Token)
	}

	t.Setenv("RELIEF_SERVER_TOKEN", "srv-token")
	cfg, _ = loadFromPath(t, writeTempConfig(t, ""), noKeychain)
	if cfg.Server.Token != "srv-token" {
		t.Errorf("Server.Token = %q, want env value", cfg.Server.Token)
	}
}

func TestTokenIsNeverReadFromFile(t *testing.T) {
	cfg, _ := loadFromPath(t, writeTempConfig(t, "client.token: leaked\n"), noKeychain)
	if cfg.Client.Token != "" {
		t.Errorf("Client.Token = %q, want empty", cfg.Client.Token)
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relief", "config.yaml")
	b := newFileBackend(path)

	if err := setKey(b, "ratelimit.reports", "75"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "sync.interval", "2m"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "sync.strategy.reports", "merge"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	cfg, err := loadFromPath(t, path, noKeychain)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimit.Reports != 75 || cfg.Sync.Interval != 2*time.Minute || cfg.Sync.Strategy[storage.Reports] != "merge" {
		t.Errorf("reloaded config = %+v", cfg)
	}

	for key, value := range map[string]string{
		"client.token":         "x",
		"ratelimit.reports":    "lots",
		"sync.interval":        "soon",
		"sync.strategy.alerts": "newestWins",
		"sync.connectivity":    "wifi",
		"no.such.key":          "1",
	} {
		if err := setKey(b, key, value); err == nil {
			t.Errorf("setKey(%q, %q) succeeded, want error", key, value)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Client.Token = "hunter2"
	for _, k := range ShowAll(cfg) {
		if k.Key == "client.token" || k.Value == "hunter2" {
			t.Errorf("ShowAll exposed secret: %+v", k)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree: %d vs %d", len(ShowAll(cfg)), len(ValidKeys()))
	}
}

func TestWatchReloads(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := writeTempConfig(t, "ratelimit.auth: 20\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	errs := make(chan error, 4)
	if err := Watch(ctx, path, func(c Config) { changes <- c }, func(err error) { errs <- err }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("ratelimit.auth: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.RateLimit.Auth != 7 {
			t.Errorf("reloaded ratelimit.auth = %d, want 7", c.RateLimit.Auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	if err := os.WriteFile(path, []byte("sync.strategy.alerts: bogus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if !apperr.Is(err, apperr.KindConfiguration) {
			t.Errorf("reload error = %v, want configuration error", err)
		}
	case <-changes:
		t.Fatal("invalid config was delivered")
	case <-time.After(3 * time.Second):
		t.Fatal("no error after invalid write")
	}
}
