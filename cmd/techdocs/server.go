package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/techdocs/internal/api"
	"github.com/kalambet/techdocs/internal/config"
	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and ingestion workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		inbox, _ := cmd.Flags().GetString("inbox")
		return runServer(withMCP, inbox)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
	serveCmd.Flags().String("inbox", "", "watch this directory for PDFs (overrides ingest.inbox_dir)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "techdocs.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func serverAddr(cfg config.ServerConfig) string {
	bind := cfg.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	return net.JoinHostPort(bind, strconv.Itoa(cfg.Port))
}

func runServer(withMCP bool, inboxDir string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log)
	logger.Info("starting techdocs", "version", version)

	addr := serverAddr(cfg.Server)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		return fmt.Errorf("server already running on %s", addr)
	}
	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	token, err := config.GetAPIToken(cfg, config.NewSecretStore())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing resources", "error", err)
		}
	}()

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Store:          a.store,
			Ingest:         a.svc,
			Query:          a.engine,
			Vectors:        a.vectors,
			Token:          token,
			MaxUploadBytes: cfg.Ingest.MaxFileBytes(),
			Logger:         logger.With("component", "api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	pool := ingest.NewPool(a.store, a.orch, cfg.Ingest.Workers, cfg.Ingest.PollInterval, logger.With("component", "worker"))
	g.Go(func() error { return pool.Run(gctx) })

	if inboxDir == "" {
		inboxDir = cfg.Ingest.InboxDir
	}
	if inboxDir != "" {
		inbox := watch.New(inboxDir, a.svc, watch.DefaultSettle, logger.With("component", "inbox"))
		g.Go(func() error { return inbox.Run(gctx) })
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:   a.store,
			Ingest:  a.svc,
			Query:   a.engine,
			Version: version,
		})
		stdio := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		logger.Info("techdocs listening", "addr", addr, "inbox", inboxDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	addr := serverAddr(cfg.Server)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on %s", addr)
		} else {
			printStatus("Server", "degraded (HTTP %d)", resp.StatusCode)
		}
	}
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus("PID", "%d", pid)
	}

	printStatus("Embeddings", "%s/%s (dim %d)", cfg.Embed.Provider, cfg.Embed.Model, cfg.Embed.Dimension)
	printStatus("Generation", "%s/%s", cfg.Generate.Provider, cfg.Generate.Model)
	printStatus("Vector store", "%s (%s)", cfg.Store.Backend, cfg.Store.Collection)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	if cfg.Ingest.InboxDir != "" {
		printStatus("Inbox", "%s", cfg.Ingest.InboxDir)
	}

	if !running {
		return nil
	}
	c, err := newAPIClient()
	if err != nil {
		return nil
	}
	var st statsResponse
	if err := c.getJSON(context.Background(), "/stats", &st); err == nil {
		printStatus("Documents", "%d", len(st.Documents))
		printStatus("Points", "%d", st.Points)
		for status, n := range st.Tasks {
			printStatus("Tasks "+status, "%d", n)
		}
	}
	return nil
}
