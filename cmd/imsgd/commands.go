package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/imsgd/internal/api"
	"github.com/kalambet/imsgd/internal/config"
	"github.com/kalambet/imsgd/internal/daemon"
)

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve MCP tools over stdio.

By default every tool call is forwarded to the running daemon. With
--in-process the message store is opened directly and no daemon is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inProcess, _ := cmd.Flags().GetBool("in-process")
		return runMCP(inProcess)
	},
}

func init() {
	mcpCmd.Flags().Bool("in-process", false, "open the message store directly instead of using the daemon")
}

func runMCP(inProcess bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dispatcher daemon.Dispatcher = remoteDispatcher{
		client: newDaemonClient(cfg.Daemon.SocketPath, cfg.Client.Timeout),
	}
	if inProcess {
		svc, cleanup, err := openService(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		// Tool calls may arrive concurrently; the queue keeps the service
		// on one goroutine.
		queue := daemon.NewQueue(svc, queueDepth, slog.Default())
		go queue.Run(ctx)
		dispatcher = queue
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Dispatcher: dispatcher, Version: version})
	slog.Info("MCP server started (stdio transport)", "in_process", inProcess)
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the HTTP bridge bearer token, creating it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := config.EnsureHTTPToken(config.NewKeychain())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		if p := config.ContactsPath(cfg); p != "" {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, "contacts (resolved)"), p)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			printError("valid keys: %v", config.ValidKeys())
			return err
		}

		printSuccess("Set %s = %s", key, value)
		printStep("Restart the daemon for the change to take effect")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
