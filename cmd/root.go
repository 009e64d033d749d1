// Package cmd provides the flowsync CLI: inspection surfaces over the
// action queue and conflict history, the broadcast hub, and effective
// configuration.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/adalundhe/flowsync/core/config"
	"github.com/adalundhe/flowsync/core/storage"
)

var rootCmd = &cobra.Command{
	Use:   "flowsync",
	Short: "FlowSync - offline-first sync core for task/flowchart documents",
	Long: `FlowSync keeps one user's task/flowchart documents consistent across
devices and app instances under unreliable connectivity. This CLI inspects
the outbound action queue and the conflict audit trail, runs the local
broadcast hub, and shows effective configuration.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: XDG config dir)")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves XDG directories and loads the effective configuration
// (defaults, then file, then FLOWSYNC_* environment overrides).
func loadConfig() (*config.Manager, *storage.Dirs, error) {
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving directories: %w", err)
	}

	manager := config.NewManager(dirs)
	if configPath != "" {
		manager.SetConfigPath(configPath)
	}
	if err := manager.Load(); err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return manager, dirs, nil
}

// newLogger builds the slog logger the commands hand to components.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
