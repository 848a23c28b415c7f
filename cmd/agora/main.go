// Command agora runs the multi-agent orchestration server: the MCP
// tool endpoint, the event streams, and the dashboard API, backed by a
// durable sqlite task store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agoralab/agora/internal/agents"
	"github.com/agoralab/agora/internal/consensus"
	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/mcp"
	"github.com/agoralab/agora/internal/metrics"
	natslib "github.com/agoralab/agora/internal/nats"
	"github.com/agoralab/agora/internal/orchestrator"
	"github.com/agoralab/agora/internal/registry"
	"github.com/agoralab/agora/internal/routing"
	"github.com/agoralab/agora/internal/server"
	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/types"
)

// Exit codes: 1 config error, 2 store error, 3 listener bind failure.
const (
	exitConfig = 1
	exitStore  = 2
	exitBind   = 3
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	dbPath := flag.String("db", "", "sqlite database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	contextURL := flag.String("context-url", "", "context retrieval service base URL (optional)")
	withNATS := flag.Bool("nats", false, "start the embedded NATS event mirror (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agora %s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}
	applyFlagOverrides(cfg, *host, *port, *dbPath, *logLevel, *withNATS)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}
	defer logger.Sync()

	logger.Info("starting agora",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("db", cfg.Store.Path))

	// Durable store. Events and tasks survive restarts; the bus resumes
	// sequence numbering from the last persisted event.
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("store open failed", zap.Error(err))
		os.Exit(exitStore)
	}
	defer st.Close()

	bus := events.NewBus(st, cfg.Bus.QueueSize, logger)
	defer bus.Close()
	if seq, err := st.LastEventSeq(); err != nil {
		logger.Error("store read failed", zap.Error(err))
		os.Exit(exitStore)
	} else {
		bus.ResumeAt(seq)
	}

	endpoints := make(map[string]string, len(cfg.Agents))
	for _, a := range cfg.Agents {
		endpoints[a.ID] = a.Endpoint
	}
	transport := agents.NewHTTPTransport(endpoints, cfg.Consensus.SoloTimeout.Std())

	reg := registry.New(transport, bus, registry.Config{
		ProbeInterval: cfg.Registry.ProbeInterval.Std(),
		ProbeTimeout:  cfg.Registry.ProbeTimeout.Std(),
		OfflineAfter:  cfg.Registry.OfflineAfter,
	}, logger)
	reg.SetLog(st)
	for _, a := range cfg.Agents {
		reg.Register(registry.Spec{ID: a.ID, Name: a.Name, Capabilities: a.Capabilities})
	}

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go reg.HealthLoop(healthCtx)

	router := routing.New(reg, routing.Config{
		SoloMaxComplexity:      cfg.Routing.SoloMaxComplexity,
		SoloMaxRisk:            cfg.Routing.SoloMaxRisk,
		ConsensusMinComplexity: cfg.Routing.ConsensusMinComplexity,
		ConsensusMinRisk:       cfg.Routing.ConsensusMinRisk,
		ParallelTopK:           cfg.Routing.ParallelTopK,
		ConsensusMaxAgents:     cfg.Routing.ConsensusMaxAgents,
	}, logger)

	var provider agents.ContextProvider
	if *contextURL != "" {
		provider = agents.NewHTTPContextProvider(*contextURL, 10*time.Second)
	}

	orch := orchestrator.Build(st, reg, router, transport, provider, bus,
		consensus.NewStrategyRegistry(),
		consensus.Params{
			ApprovalThreshold: cfg.Consensus.ApprovalThreshold,
			QualityMargin:     cfg.Consensus.QualityMargin,
		},
		orchestrator.Config{
			DefaultStrategy:  cfg.Consensus.DefaultStrategy,
			MaxRounds:        cfg.Consensus.MaxRounds,
			RoundTimeout:     cfg.Consensus.RoundTimeout.Std(),
			SoloTimeout:      cfg.Consensus.SoloTimeout.Std(),
			MaxRetries:       cfg.Orchestrator.MaxRetries,
			RetryBackoff:     cfg.Orchestrator.RetryBackoff.Std(),
			UpgradeThreshold: cfg.Orchestrator.UpgradeThreshold,
		}, logger)
	defer orch.Close()

	rec := metrics.New(st, bus, cfg.Store.EventsRetention, time.Minute, logger)
	defer rec.Close()

	mcpServer := mcp.NewServer(logger)
	mcpServer.SetToolCallCallback(rec.RecordToolCall)
	mcp.NewHandlers(orch, reg, transport).RegisterAll(mcpServer)

	srv := server.New(cfg.Server, bus, orch, reg, mcpServer, rec, logger)
	if err := srv.Start(); err != nil {
		logger.Error("listener bind failed", zap.Error(err))
		os.Exit(exitBind)
	}

	// Optional NATS mirror for out-of-process event consumers.
	var natsServer *natslib.EmbeddedServer
	var natsClient *natslib.Client
	var bridge *server.NATSBridge
	if cfg.NATS.Enabled {
		natsServer = natslib.NewEmbeddedServer(natslib.EmbeddedConfig{
			Host: cfg.NATS.Host,
			Port: cfg.NATS.Port,
		})
		if err := natsServer.Start(); err != nil {
			logger.Warn("embedded nats start failed, mirror disabled", zap.Error(err))
			natsServer = nil
		} else if natsClient, err = natslib.NewClient(natsServer.URL(), "agora-server", logger); err != nil {
			logger.Warn("nats client connect failed, mirror disabled", zap.Error(err))
		} else {
			bridge = server.NewNATSBridge(bus, natsClient, logger)
			logger.Info("nats event mirror started", zap.String("url", natsServer.URL()))
		}
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if bridge != nil {
		bridge.Close()
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if natsServer != nil {
		natsServer.Shutdown()
	}
}

// loadConfig reads the config file, or returns defaults when no path
// is given and the default file is absent.
func loadConfig(path string) (*types.Config, error) {
	if path == "" {
		const fallback = "configs/agora.yaml"
		if _, err := os.Stat(fallback); err == nil {
			return types.Load(fallback)
		}
		return types.Default(), nil
	}
	return types.Load(path)
}

func applyFlagOverrides(cfg *types.Config, host string, port int, dbPath, logLevel string, withNATS bool) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if withNATS {
		cfg.NATS.Enabled = true
	}
}

func buildLogger(cfg types.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if !cfg.JSON {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
