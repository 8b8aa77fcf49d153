package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentrouter/internal/bus"
	"github.com/basket/agentrouter/internal/capability"
	"github.com/basket/agentrouter/internal/catalog"
	"github.com/basket/agentrouter/internal/config"
	"github.com/basket/agentrouter/internal/conversation"
	"github.com/basket/agentrouter/internal/gateway"
	"github.com/basket/agentrouter/internal/llm"
	"github.com/basket/agentrouter/internal/maintenance"
	otelPkg "github.com/basket/agentrouter/internal/otel"
	"github.com/basket/agentrouter/internal/telemetry"
	"github.com/basket/agentrouter/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the interactive routing console

DAEMON MODE:
  %s -daemon                  Start the gateway daemon (no console, logs to stdout)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s pull <url-or-file>       Ingest a catalog YAML into the running daemon
                              Example: agentrouter pull https://example.com/catalog.yaml

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTROUTER_HOME        Data directory (default: ~/.agentrouter)
  AGENTROUTER_NO_TUI      Set to 1 to disable the console (use with -daemon)
  AGENTROUTER_AUTH_TOKEN  Bearer token for the HTTP/WS gateway
  GEMINI_API_KEY          Required for the Google provider
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENTROUTER_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no interactive console, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) in interactive mode so the console stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "pull":
			os.Exit(runPullCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: "agentrouter",
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := catalog.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_CATALOG_OPEN", err)
	}
	defer store.Close()
	store.SetMetrics(metrics)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	provider, model, apiKey := cfg.ResolveLLMConfig()
	llmCfg := llm.Config{
		Provider:                 provider,
		Model:                    model,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		EmbedModel:               cfg.LLM.EmbedModel,
	}
	gen := llm.NewGenkitGenerator(ctx, llmCfg, logger)
	indexer := catalog.NewIndexer(store, llm.NewEmbedder(llmCfg))

	agentCount, err := store.CountAgents(ctx)
	if err != nil {
		fatalStartup(logger, "E_CATALOG_COUNT", err)
	}
	if agentCount == 0 {
		seedStarterCatalog(ctx, indexer, logger)
	}

	var caps *capability.Set
	if gen.Enabled() {
		caps = capability.NewLiveSet(llm.Instrument(gen, metrics), logger)
		logger.Info("startup phase", "phase", "llm_ready", "provider", provider, "model", model)
	} else {
		caps = capability.NewStubSet()
		logger.Warn("no LLM provider configured; routing with lexical capability stubs")
	}

	sessions := conversation.NewStore(
		time.Duration(cfg.Sessions.TTLMinutes)*time.Minute,
		cfg.Sessions.MaxSessions,
		eventBus, metrics, logger,
	)
	router := conversation.NewRouter(sessions, store, indexer, caps, conversation.Options{
		ValidateQueries:     cfg.Routing.ValidateQueries,
		ConfidenceThreshold: cfg.Routing.ConfidenceThreshold,
	}, eventBus, metrics, logger)

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	maint, err := maintenance.New(maintenance.Config{
		Sessions:         sessions,
		Indexer:          indexer,
		SessionSweepSpec: cfg.Maintenance.SessionSweepSpec,
		ReindexSpec:      cfg.Maintenance.ReindexSpec,
		Logger:           logger,
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	maint.Start()
	defer maint.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			router.SetOptions(conversation.Options{
				ValidateQueries:     newCfg.Routing.ValidateQueries,
				ConfidenceThreshold: newCfg.Routing.ConfidenceThreshold,
			})
			if newCfg.BindAddr != cfg.BindAddr {
				logger.Warn("bind_addr changed; restart required to apply", "bind_addr", newCfg.BindAddr)
			}
			if newCfg.Sessions != cfg.Sessions {
				logger.Warn("session bounds changed; restart required to apply",
					"ttl_minutes", newCfg.Sessions.TTLMinutes, "max_sessions", newCfg.Sessions.MaxSessions)
			}
			cfg.Routing = newCfg.Routing
			logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
		}
	}()

	gw := gateway.New(gateway.Config{
		Router:            router,
		Sessions:          sessions,
		Catalog:           store,
		Indexer:           indexer,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		ConversationMode:  cfg.Routing.ConversationMode,
		Logger:            logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if interactive {
		// Run the console. When it exits, cancel the context to shut down.
		go func() {
			if err := tui.Run(ctx, tui.ConsoleConfig{
				Router:  router,
				Catalog: store,
				Model:   model,
			}, stop); err != nil && ctx.Err() == nil {
				logger.Error("console exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// seedStarterCatalog ingests the default agents into an empty catalog.
func seedStarterCatalog(ctx context.Context, indexer *catalog.Indexer, logger *slog.Logger) {
	for _, a := range config.StarterCatalog() {
		agentID, err := indexer.IngestAgent(ctx, a.Name, a.Description, a.Capabilities)
		if err != nil {
			logger.Warn("failed to seed starter agent", "agent", a.Name, "error", err)
			continue
		}
		for _, s := range a.Subagents {
			if _, err := indexer.IngestSubagent(ctx, agentID, s.Name, s.Description, nil); err != nil {
				logger.Warn("failed to seed starter subagent", "agent", a.Name, "subagent", s.Name, "error", err)
			}
		}
	}
	logger.Info("catalog seeded with starter agents")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// writeDefaultConfig writes a config.yaml with defaults on first run.
func writeDefaultConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg := config.Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Routing: config.RoutingConfig{
			ConversationMode:    true,
			ValidateQueries:     true,
			ConfidenceThreshold: 0.7,
		},
		Sessions: config.SessionConfig{
			TTLMinutes:  30,
			MaxSessions: 1000,
		},
		Otel: config.OtelConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
		Maintenance: config.MaintenanceConfig{
			SessionSweepSpec: "@every 1m",
			ReindexSpec:      "@every 1h",
		},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// loadAuthToken resolves the gateway bearer token: env, then config, then a
// persisted auth.token file generated on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if raw := strings.TrimSpace(cfg.AuthToken); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
