// Package main implements the eventkeep command line tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/eventkeep/eventkeep/internal/app"
	"github.com/eventkeep/eventkeep/internal/config"
	"github.com/eventkeep/eventkeep/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	configFile  string
	dataDir     string
	storageType string
	envFile     string
	logLevel    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventkeep",
	Short: "eventkeep - event storage, indexing and aggregation",
	Long: `eventkeep stores classified events in a wide-column backend and answers
time-range, count and bucketed statistics queries per channel and per
configured index projection.

Environment Variables:
  EVENTKEEP_DATA_DIR       Base directory for data files
  EVENTKEEP_STORAGE_TYPE   Storage backend (sqlite, badger, memory)
  EVENTKEEP_STORAGE_PATH   Database file or directory
  EVENTKEEP_BACKUP_TYPE    Backup target (local, s3)
  EVENTKEEP_S3_*           S3 bucket, region, endpoint, use_path_style
  EVENTKEEP_LOG_LEVEL      debug, info, warn, error`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	rootCmd.PersistentFlags().StringVar(&storageType, "storage", "", "Storage backend: sqlite, badger, memory")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before EVENTKEEP_* variables are read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}

	// Environment overrides file
	config.LoadFromEnv(cfg)

	// Flags override environment
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}

// openApp loads configuration and opens the store. The returned function
// writes --metrics-out, if set, and closes it.
func openApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.InitWriter(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)

	a, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := a.Open(ctx); err != nil {
		return nil, nil, err
	}
	return a, func() {
		if metricsOut != "" {
			if err := dumpMetrics(metricsOut, a.Registry()); err != nil {
				logging.Component("cli").Error("metrics dump failed", "path", metricsOut, "error", err)
			}
		}
		a.Close()
	}, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts RFC3339 or epoch milliseconds. Empty means zero.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want RFC3339 or epoch milliseconds", s)
	}
	return t.UnixMilli(), nil
}

// parseFilters turns repeated field=value flags into a filter map.
func parseFilters(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	filter := make(map[string]string, len(flags))
	for _, f := range flags {
		field, value, ok := strings.Cut(f, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid filter %q: want field=value", f)
		}
		filter[field] = value
	}
	return filter, nil
}
