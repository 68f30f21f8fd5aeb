package worldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Environment
// ============================================================================

// Environment identifies where the engine is running. It is sent with every
// remote call and changes which parts of a cycle run.
type Environment string

const (
	EnvLocal      Environment = "local"
	EnvCodespaces Environment = "codespaces"
	EnvWeb        Environment = "web"
	EnvServer     Environment = "server"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvLocal, EnvCodespaces, EnvWeb, EnvServer:
		return true
	}
	return false
}

// DetectEnvironment inspects the process environment. WORLDSYNC_ENVIRONMENT
// wins when set to a known value; GitHub Codespaces is recognized by its
// CODESPACES variable; everything else is local.
func DetectEnvironment() Environment {
	if v := Environment(strings.ToLower(os.Getenv("WORLDSYNC_ENVIRONMENT"))); v.Valid() {
		return v
	}
	if os.Getenv("CODESPACES") == "true" {
		return EnvCodespaces
	}
	return EnvLocal
}

// ============================================================================
// Defaults
// ============================================================================

const (
	// DefaultLocalKey prefixes every local file and database.
	DefaultLocalKey = "editor-mundos-v6"
	// DefaultClientVersion is sent in X-Client-Version and stamped on worlds.
	DefaultClientVersion = "6.6"

	DefaultSyncInterval   = 5 * time.Minute
	DefaultRetryBaseDelay = 5 * time.Second
	DefaultMaxRetries     = 3
	DefaultAttemptCeiling = 3
	DefaultWarnThreshold  = 1000
	DefaultProbeInterval  = 30 * time.Second
	DefaultRemoteTimeout  = 30 * time.Second
)

// Duration is a time.Duration that reads and writes as a string such as "5m".
type Duration time.Duration

// D returns the standard library value.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// ============================================================================
// Config
// ============================================================================

// Config is the engine configuration, stored as TOML.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Remote  RemoteConfig  `toml:"remote"`
	Queue   QueueConfig   `toml:"queue"`
	Backup  BackupConfig  `toml:"backup"`
}

// StorageConfig selects and locates the local persistence backend.
type StorageConfig struct {
	Dir      string `toml:"dir"`
	LocalKey string `toml:"local_key"`
	Backend  string `toml:"backend"`
}

// SyncConfig controls the orchestrator.
type SyncConfig struct {
	CloudEnabled   bool     `toml:"cloud_enabled"`
	AutoSync       bool     `toml:"auto_sync"`
	Interval       Duration `toml:"interval"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	Settings       []string `toml:"settings"`
	ProbeInterval  Duration `toml:"probe_interval"`
	Realtime       bool     `toml:"realtime"`
}

// RemoteConfig describes the remote service.
type RemoteConfig struct {
	BaseURL       string      `toml:"base_url"`
	Token         string      `toml:"token"`
	Environment   Environment `toml:"environment"`
	ClientVersion string      `toml:"client_version"`
	Timeout       Duration    `toml:"timeout"`
	RecoveryURL   string      `toml:"recovery_url"`
	NotifySecret  string      `toml:"notify_secret"`
}

// QueueConfig bounds the pending-operation queue.
type QueueConfig struct {
	AttemptCeiling int `toml:"attempt_ceiling"`
	WarnThreshold  int `toml:"warn_threshold"`
}

// BackupConfig enables snapshot uploads to an S3-compatible bucket after
// each successful cycle. Empty Endpoint disables backups.
type BackupConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
	Prefix    string `toml:"prefix"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			LocalKey: DefaultLocalKey,
		},
		Sync: SyncConfig{
			CloudEnabled:   true,
			AutoSync:       true,
			Interval:       Duration(DefaultSyncInterval),
			MaxRetries:     DefaultMaxRetries,
			RetryBaseDelay: Duration(DefaultRetryBaseDelay),
			Settings:       append([]string(nil), DefaultSyncedSettings...),
			ProbeInterval:  Duration(DefaultProbeInterval),
		},
		Remote: RemoteConfig{
			Environment:   DetectEnvironment(),
			ClientVersion: DefaultClientVersion,
			Timeout:       Duration(DefaultRemoteTimeout),
		},
		Queue: QueueConfig{
			AttemptCeiling: DefaultAttemptCeiling,
			WarnThreshold:  DefaultWarnThreshold,
		},
	}
}

// LoadConfig reads a TOML file over the defaults. A missing file yields the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// WriteConfig stores cfg at path as TOML, creating the directory if needed.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// normalize replaces zero values that would make the engine misbehave.
func (c *Config) normalize() {
	if c.Storage.LocalKey == "" {
		c.Storage.LocalKey = DefaultLocalKey
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = Duration(DefaultSyncInterval)
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = DefaultMaxRetries
	}
	if c.Sync.RetryBaseDelay <= 0 {
		c.Sync.RetryBaseDelay = Duration(DefaultRetryBaseDelay)
	}
	if c.Sync.ProbeInterval <= 0 {
		c.Sync.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if c.Sync.Settings == nil {
		c.Sync.Settings = append([]string(nil), DefaultSyncedSettings...)
	}
	if !c.Remote.Environment.Valid() {
		c.Remote.Environment = DetectEnvironment()
	}
	if c.Remote.ClientVersion == "" {
		c.Remote.ClientVersion = DefaultClientVersion
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = Duration(DefaultRemoteTimeout)
	}
	if c.Queue.AttemptCeiling <= 0 {
		c.Queue.AttemptCeiling = DefaultAttemptCeiling
	}
	if c.Queue.WarnThreshold <= 0 {
		c.Queue.WarnThreshold = DefaultWarnThreshold
	}
	c.Remote.BaseURL = strings.TrimRight(c.Remote.BaseURL, "/")
}

// ============================================================================
// Remote config recovery
// ============================================================================

type recoveredConfig struct {
	APIBaseURL string `json:"apiBaseUrl"`
	Token      string `json:"token"`
}

// RecoverConfig fetches the API base URL and token from cfg.Remote.RecoveryURL
// and merges them into a copy of cfg. On any failure the returned config has
// cloud sync disabled and the error explains why; callers keep running
// offline instead of aborting.
func RecoverConfig(ctx context.Context, cfg Config, client *http.Client) (Config, error) {
	if cfg.Remote.RecoveryURL == "" {
		return cfg, nil
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Remote.Timeout.D()}
	}

	offline := cfg
	offline.Sync.CloudEnabled = false

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Remote.RecoveryURL, nil)
	if err != nil {
		return offline, fmt.Errorf("recover config: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return offline, &RemoteError{Op: "recover config", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return offline, &RemoteError{Op: "recover config", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return offline, &RemoteError{Op: "recover config", Status: resp.StatusCode}
	}

	var rc recoveredConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return offline, fmt.Errorf("recover config: failed to unmarshal response: %w", err)
	}
	if rc.APIBaseURL == "" {
		return offline, fmt.Errorf("recover config: response has no apiBaseUrl")
	}

	cfg.Remote.BaseURL = strings.TrimRight(rc.APIBaseURL, "/")
	if rc.Token != "" {
		cfg.Remote.Token = rc.Token
	}
	return cfg, nil
}
