package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maxxine-systems/worldsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns --config or ~/.worldsync/config.toml.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".worldsync", "config.toml"), nil
}

// loadConfig reads the config file, falling back to defaults when absent.
// An empty storage dir resolves to ~/.worldsync/data.
func loadConfig() (worldsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return worldsync.Config{}, err
	}
	cfg, err := worldsync.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Join(filepath.Dir(path), "data")
	}
	return cfg, nil
}

func saveConfig(cfg worldsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return worldsync.WriteConfig(path, cfg)
}

// setConfigValue sets a config field using dot notation (e.g. "remote.base_url").
func setConfigValue(cfg *worldsync.Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. remote.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "storage":
		switch field {
		case "dir":
			cfg.Storage.Dir = value
		case "local_key":
			cfg.Storage.LocalKey = value
		case "backend":
			switch value {
			case "", worldsync.BackendSQLite, worldsync.BackendFlat, worldsync.BackendMemory:
				cfg.Storage.Backend = value
			default:
				return fmt.Errorf("unknown backend %q (valid: sqlite, flat, memory)", value)
			}
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "sync":
		switch field {
		case "cloud_enabled":
			return setBool(&cfg.Sync.CloudEnabled, value)
		case "auto_sync":
			return setBool(&cfg.Sync.AutoSync, value)
		case "realtime":
			return setBool(&cfg.Sync.Realtime, value)
		case "interval":
			return setDuration(&cfg.Sync.Interval, value)
		case "retry_base_delay":
			return setDuration(&cfg.Sync.RetryBaseDelay, value)
		case "probe_interval":
			return setDuration(&cfg.Sync.ProbeInterval, value)
		case "max_retries":
			return setInt(&cfg.Sync.MaxRetries, value)
		case "settings":
			cfg.Sync.Settings = splitList(value)
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "remote":
		switch field {
		case "base_url":
			cfg.Remote.BaseURL = value
		case "token":
			cfg.Remote.Token = value
		case "environment":
			env := worldsync.Environment(value)
			if !env.Valid() {
				return fmt.Errorf("unknown environment %q (valid: local, codespaces, web, server)", value)
			}
			cfg.Remote.Environment = env
		case "client_version":
			cfg.Remote.ClientVersion = value
		case "timeout":
			return setDuration(&cfg.Remote.Timeout, value)
		case "recovery_url":
			cfg.Remote.RecoveryURL = value
		case "notify_secret":
			cfg.Remote.NotifySecret = value
		default:
			return fmt.Errorf("unknown field %q in section [remote]", field)
		}
	case "queue":
		switch field {
		case "attempt_ceiling":
			return setInt(&cfg.Queue.AttemptCeiling, value)
		case "warn_threshold":
			return setInt(&cfg.Queue.WarnThreshold, value)
		default:
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
	case "backup":
		switch field {
		case "endpoint":
			cfg.Backup.Endpoint = value
		case "bucket":
			cfg.Backup.Bucket = value
		case "access_key":
			cfg.Backup.AccessKey = value
		case "secret_key":
			cfg.Backup.SecretKey = value
		case "use_ssl":
			return setBool(&cfg.Backup.UseSSL, value)
		case "prefix":
			cfg.Backup.Prefix = value
		default:
			return fmt.Errorf("unknown field %q in section [backup]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: storage, sync, remote, queue, backup)", section)
	}
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("expected true or false, got %q", value)
	}
	*dst = v
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil || v < 0 {
		return fmt.Errorf("expected a non-negative integer, got %q", value)
	}
	*dst = v
	return nil
}

func setDuration(dst *worldsync.Duration, value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("expected a duration such as 30s or 5m, got %q", value)
	}
	*dst = worldsync.Duration(v)
	return nil
}

func splitList(value string) []string {
	out := []string{}
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ============================================================================
// Commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage worldsync configuration",
	Long:  "View or modify the worldsync configuration stored in ~/.worldsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'worldsync config init' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: worldsync config set remote.base_url https://api.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(&cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if strings.HasSuffix(key, "token") || strings.HasSuffix(key, "secret_key") || strings.HasSuffix(key, "notify_secret") {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
}

var configInitCmd = &cobra.Command{
	Use:   "init [base-url]",
	Short: "Write a default config file",
	Long:  "Create ~/.worldsync/config.toml with default values, optionally pointing at a remote service.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		}

		cfg := worldsync.DefaultConfig()
		if len(args) == 1 {
			cfg.Remote.BaseURL = strings.TrimRight(args[0], "/")
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Config written to %s\n", path)
		return nil
	},
}
