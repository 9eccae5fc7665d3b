package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/engine"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/mcpserver"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/sessionarchive"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/sessiondir"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the MCP server, listening on stdio and/or HTTP as configured, and
mediate AI-client tool calls against one or more CDB debugging sessions.`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	printBanner(version)

	logPath := cfg.LogPath
	if isDebug() {
		log.SetMinLevel(log.LevelDebug)
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	log.Info(log.CatConfig, "mcp-nexus starting", "version", version, "cdbPath", cfg.CDBPath)

	shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	var dirOpts []sessiondir.DirectoryOption
	var archive *sessionarchive.Archive
	if cfg.Archive.Enabled {
		archive, err = sessionarchive.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("opening session archive: %w", err)
		}
		defer func() { _ = archive.Close() }()
		dirOpts = append(dirOpts, sessiondir.WithArchive(archive))
		log.Info(log.CatArchive, "session archive enabled", "path", cfg.Archive.Path)
	}

	dumpWatcher, err := sessiondir.NewDumpWatcher()
	if err != nil {
		return fmt.Errorf("starting dump watcher: %w", err)
	}
	defer func() { _ = dumpWatcher.Close() }()
	dirOpts = append(dirOpts, sessiondir.WithDumpWatcher(dumpWatcher))

	dir := sessiondir.NewDirectory(cfg, func(cdbPath, sessionID string) engine.Adapter {
		return engine.NewCDBAdapter(cdbPath, sessionID, engine.DefaultCmdFactory,
			cfg.AdapterStartupWindow, cfg.AdapterBreakGrace, cfg.AdapterStopGrace)
	}, dirOpts...)

	sink := engine.MultiSink{engine.LogSink{}}

	server := mcpserver.NewServer("mcp-nexus", version,
		mcpserver.WithInstructions("Open a CDB session with open_session, then submit_command/get_result to run debugger commands."))
	mcpserver.RegisterSessionTools(server, dir, sink)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	if cfg.Transport.Stdio {
		go func() {
			if err := server.Serve(os.Stdin, os.Stdout); err != nil {
				errCh <- fmt.Errorf("stdio transport: %w", err)
			}
		}()
	}

	var httpServer *http.Server
	if cfg.Transport.HTTPAddr != "" {
		httpServer = &http.Server{Addr: cfg.Transport.HTTPAddr, Handler: server.ServeHTTP()}
		go func() {
			log.Info(log.CatMCP, "http transport listening", "addr", cfg.Transport.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http transport: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info(log.CatConfig, "shutdown signal received")
	case err := <-errCh:
		log.Error(log.CatMCP, "transport error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Stop()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	dir.CloseAll()
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}

	log.Info(log.CatConfig, "mcp-nexus stopped")
	return nil
}
