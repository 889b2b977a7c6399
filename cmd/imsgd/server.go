package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/imsgd/internal/api"
	"github.com/kalambet/imsgd/internal/chatdb"
	"github.com/kalambet/imsgd/internal/config"
	"github.com/kalambet/imsgd/internal/contacts"
	"github.com/kalambet/imsgd/internal/daemon"
	"github.com/kalambet/imsgd/internal/service"
)

// queueDepth is how many bridge calls may wait for the dispatch worker.
const queueDepth = 16

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the imsgd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running imsgd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openService opens the row source and contact table and builds a ready
// Service. The returned cleanup closes the row source.
func openService(cfg config.Config) (*service.Service, func(), error) {
	store, err := chatdb.Open(cfg.Source.ChatDB)
	if err != nil {
		if errors.Is(err, chatdb.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w (set source.chat_db or IMSGD_CHAT_DB)", err)
		}
		return nil, nil, fmt.Errorf("opening message store: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("checking message store: %w", err)
	}

	contactsPath := config.ContactsPath(cfg)
	dir, err := contacts.Load(contactsPath)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("loading contacts: %w", err)
	}
	slog.Info("contacts loaded", "path", contactsPath, "count", dir.Len())

	svc, err := service.New(service.Deps{
		Rows:     store,
		Contacts: dir,
		Version:  version,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	cleanup := func() {
		svc.Close()
		if err := store.Close(); err != nil {
			slog.Warn("closing message store", "error", err)
		}
	}
	return svc, cleanup, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	slog.Info("starting imsgd", "version", version)

	svc, cleanup, err := openService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without bridges the socket server is the only caller, so it can own the
	// service directly. With bridges every transport goes through the queue.
	var (
		dispatcher daemon.Dispatcher = svc
		queue      *daemon.Queue
	)
	if cfg.HTTP.Port > 0 {
		queue = daemon.NewQueue(svc, queueDepth, slog.Default())
		dispatcher = queue
	}

	srv := daemon.NewServer(daemon.ServerConfig{
		SocketPath:  cfg.Daemon.SocketPath,
		ReadTimeout: cfg.Daemon.ReadTimeout,
	}, dispatcher)
	if err := srv.Listen(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			printWarning("imsgd is already running on %s", cfg.Daemon.SocketPath)
		}
		return err
	}
	defer srv.Close()

	pidPath := config.PIDFilePath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if queue == nil {
		err = srv.Serve(ctx)
	} else {
		err = serveWithBridges(ctx, cfg, srv, queue)
	}
	slog.Info("imsgd stopped")
	return err
}

func serveWithBridges(ctx context.Context, cfg config.Config, srv *daemon.Server, queue *daemon.Queue) error {
	token := cfg.HTTP.Token
	if token == "" {
		t, err := config.EnsureHTTPToken(config.NewKeychain())
		if err != nil {
			return fmt.Errorf("initializing HTTP token: %w", err)
		}
		token = t
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTP.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler: api.NewHTTPHandler(api.HTTPDeps{
			Dispatcher: queue,
			Token:      token,
			RateLimit:  float64(cfg.HTTP.RateLimit),
			Burst:      2 * cfg.HTTP.RateLimit,
		}),
		ReadHeaderTimeout: cfg.Daemon.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		slog.Info("HTTP bridge listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP bridge: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := config.PIDFilePath(cfg)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("imsgd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop imsgd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to imsgd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	printStatus("Socket", "%s", cfg.Daemon.SocketPath)
	printStatus("Message store", "%s", cfg.Source.ChatDB)

	client := newDaemonClient(cfg.Daemon.SocketPath, cfg.Client.Timeout)
	var health service.HealthResult
	if err := client.CallResult(ctx, "health", nil, &health); err != nil {
		switch {
		case errors.Is(err, daemon.ErrUnavailable):
			printStatus("Daemon", "stopped")
		case errors.Is(err, daemon.ErrTimeout):
			printStatus("Daemon", "not responding (%v)", err)
		default:
			printStatus("Daemon", "error: %v", err)
		}
		return nil
	}

	printStatus("Daemon", "running (PID %d, version %s)", health.PID, health.Version)
	printStatus("Started", "%s", health.StartedAt)
	printStatus("Uptime", "%s", (time.Duration(health.UptimeS * float64(time.Second))).Round(time.Second))
	printStatus("Contacts", "%d loaded", health.ContactsLoaded)
	if cfg.HTTP.Port > 0 {
		printStatus("HTTP bridge", "127.0.0.1:%d", cfg.HTTP.Port)
	}
	return nil
}
