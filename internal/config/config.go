package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/conflict"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/ratelimit"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Client    ClientConfig
	Sync      SyncConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	Token    string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type RateLimitConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
	Auth          int
	Reports       int
	Alerts        int
	Default       int
	RedisURL      string
}

type ClientConfig struct {
	ServerURL string
	Timeout   time.Duration
	Token     string
}

type SyncConfig struct {
	MaxRetries    int
	Interval      time.Duration
	ProbeInterval time.Duration
	Connectivity  string
	Strategy      map[storage.Collection]string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 3000, MaxConns: 256},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			Window:        15 * time.Minute,
			SweepInterval: time.Minute,
			Auth:          20,
			Reports:       50,
			Alerts:        100,
			Default:       200,
		},
		Client: ClientConfig{
			ServerURL: "http://127.0.0.1:3000",
			Timeout:   10 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:    3,
			Interval:      5 * time.Minute,
			ProbeInterval: 15 * time.Second,
			Connectivity:  "probe",
			Strategy: map[storage.Collection]string{
				storage.Alerts:    conflict.ServerWins.String(),
				storage.Reports:   conflict.ServerWins.String(),
				storage.Resources: conflict.ServerWins.String(),
			},
		},
	}
}

// Load reads configuration from the YAML file at FilePath, then RELIEF_*
// environment variables, then the platform secret store for the API token.
// Environment variables override the file.
func Load() (Config, error) {
	return LoadFile(FilePath())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	return loadWith(newFileBackend(path), keychainReader{})
}

// keychain abstracts the secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Client.Token == "" {
		if tok, err := kc.Get("relief", "client_token"); err == nil && tok != "" {
			cfg.Client.Token = tok
		}
	}
	if cfg.Server.Token == "" {
		if tok, err := kc.Get("relief", "server_token"); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := c.Strategies(); err != nil {
		return err
	}
	if err := checkLevel(c.Log.Level); err != nil {
		return err
	}
	if err := checkConnectivity(c.Sync.Connectivity); err != nil {
		return err
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// Strategies parses the per-collection conflict strategies. An unknown name
// is a ConfigurationError.
func (c Config) Strategies() (map[storage.Collection]conflict.Strategy, error) {
	out := make(map[storage.Collection]conflict.Strategy, len(storage.Collections))
	for _, col := range storage.Collections {
		name, ok := c.Sync.Strategy[col]
		if !ok || name == "" {
			out[col] = conflict.ServerWins
			continue
		}
		s, err := conflict.ParseStrategy(name)
		if err != nil {
			return nil, &apperr.Error{
				Kind:    apperr.KindConfiguration,
				Op:      "config",
				Message: "sync.strategy." + string(col),
				Err:     err,
			}
		}
		out[col] = s
	}
	return out, nil
}

// Limits returns the per-route-class ceilings.
func (r RateLimitConfig) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		ratelimit.ClassAuth:    r.Auth,
		ratelimit.ClassReports: r.Reports,
		ratelimit.ClassAlerts:  r.Alerts,
		ratelimit.ClassDefault: r.Default,
	}
}

// SlogLevel maps log.level onto a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func checkLevel(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("log.level must be debug, info, warn or error, got %q", v)
}

func checkConnectivity(v string) error {
	switch v {
	case "probe", "networkmanager":
		return nil
	}
	return fmt.Errorf("sync.connectivity must be probe or networkmanager, got %q", v)
}

func checkStrategy(v string) error {
	_, err := conflict.ParseStrategy(v)
	return err
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "relief-data"
		}
	}
	return filepath.Join(dir, "relief")
}

// FilePath is $XDG_CONFIG_HOME/relief/config.yaml.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "relief", "config.yaml")
}

// keychainReader reads secrets from the platform store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
