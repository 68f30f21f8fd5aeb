package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/maxxine-systems/worldsync"
	"go.uber.org/zap"
)

// openEngine opens the engine from the config file. Degraded storage is
// reported on stderr but not treated as fatal. When a remote is configured
// the connectivity state is probed once so commands see the real state.
func openEngine(ctx context.Context) (*worldsync.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	eng, err := worldsync.Open(ctx, cfg, worldsync.WithLogger(logger))
	if err != nil {
		if eng == nil || !errors.Is(err, worldsync.ErrStorageUnavailable) {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Warning: local storage unavailable, changes will not survive this run (%v)\n", err)
	}

	if eng.Config().Remote.BaseURL != "" {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		online, _ := eng.CheckConnectivity(pctx)
		cancel()
		logger.Debug("Connectivity probed", zap.Bool("online", online))
	}
	return eng, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
