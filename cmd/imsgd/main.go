package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/imsgd/internal/config"
)

var version = "dev"

var (
	noColor    bool
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:           "imsgd",
	Short:         "Local daemon serving iMessage history over a Unix socket",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (overrides daemon.socket_path)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, callCmd, mcpCmd, configCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if socketPath != "" {
		cfg.Daemon.SocketPath = socketPath
	}
	return cfg, nil
}

// setupLogging installs the default logger. Logs always go to stderr so
// that stdout stays clean for command output and the MCP stdio transport.
func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
