package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/internal/logging"
	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/core/realtime/gemini"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-live-bridge/pkg/gateway/server"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/store"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/builtins"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/mcptools"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newConnector func(context.Context, config.Config, *zap.Logger) (realtime.Connector, error)
	openStore    func(context.Context, string, *zap.Logger) (*store.Store, error)
	connectMCP   func(context.Context, config.Config, *zap.Logger) (*mcptools.Client, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newConnector: func(ctx context.Context, cfg config.Config, logger *zap.Logger) (realtime.Connector, error) {
			return gemini.NewConnector(ctx, cfg.GoogleAPIKey, nil, logger)
		},
		openStore:  store.Open,
		connectMCP: connectMCP,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func connectMCP(ctx context.Context, cfg config.Config, logger *zap.Logger) (*mcptools.Client, error) {
	switch {
	case cfg.MCPServerURL != "":
		return mcptools.ConnectURL(ctx, cfg.MCPServerURL, nil, logger)
	case cfg.MCPServerCommand != "":
		return mcptools.ConnectCommand(ctx, cfg.MCPServerCommand, logger)
	default:
		return nil, nil
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// buildDependencies opens the shared collaborators. The returned cleanup
// closes whatever was opened, including on error.
func buildDependencies(ctx context.Context, cfg config.Config, logger *zap.Logger, deps bridgeDeps) (gatewayserver.Dependencies, func(), error) {
	var (
		out      gatewayserver.Dependencies
		closers  []func()
		teardown = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	connector, err := deps.newConnector(ctx, cfg, logger)
	if err != nil {
		return out, teardown, fmt.Errorf("create realtime connector: %w", err)
	}
	out.Connector = connector

	if cfg.DatabaseURL != "" {
		st, err := deps.openStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return out, teardown, fmt.Errorf("open store: %w", err)
		}
		closers = append(closers, st.Close)
		out.Store = st
		out.Leads = st
	} else {
		logger.Warn("DATABASE_URL not set, messages will only be logged", zap.String("leads_csv", cfg.LeadsCSVPath))
		out.Leads = &builtins.CSVSink{Path: cfg.LeadsCSVPath}
	}

	client, err := deps.connectMCP(ctx, cfg, logger)
	if err != nil {
		return out, teardown, fmt.Errorf("connect mcp server: %w", err)
	}
	if client != nil {
		closers = append(closers, func() { _ = client.Close() })
		remote, err := client.Tools(ctx)
		if err != nil {
			return out, teardown, fmt.Errorf("list mcp tools: %w", err)
		}
		out.RemoteTools = remote
		logger.Info("mcp tools mounted", zap.Strings("tools", tools.NewRegistry(remote...).Names()))
	}

	return out, teardown, nil
}

func runBridge(ctx context.Context, logger *zap.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newConnector == nil || deps.openStore == nil || deps.connectMCP == nil {
		return errors.New("missing collaborator dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shared, cleanup, err := buildDependencies(ctx, cfg, logger, deps)
	defer cleanup()
	if err != nil {
		return err
	}

	gw := gatewayserver.New(cfg, logger, shared)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting live bridge",
		zap.String("addr", cfg.Addr),
		zap.String("model", cfg.Model),
		zap.Bool("database", shared.Store != nil),
		zap.Int("remote_tools", len(shared.RemoteTools)),
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	gw.SetDraining()
	gw.WarnLiveSessionsDraining()

	// Hijacked websocket connections are not tracked by Shutdown; the
	// session tracker covers them below.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
		finalCtx, finalCancel := context.WithTimeout(context.Background(), cfg.TeardownTimeout)
		defer finalCancel()
		gw.WaitLiveSessions(finalCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("live bridge stopped")
	return nil
}

func loadDotenv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := loadDotenv(".env"); err != nil {
		fmt.Fprintf(stderr, "live-bridge: %v\n", err)
		return 1
	}
	logger := logging.New(os.Getenv("LOG_LEVEL"), stderr)
	defer func() { _ = logger.Sync() }()

	if err := runBridge(ctx, logger, deps); err != nil {
		logger.Error("live bridge failed", zap.Error(err))
		fmt.Fprintf(stderr, "live-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
