// Tacitd is the tacit daemon: the REST API, the extraction pipeline and
// the GitHub webhook receiver in one process.
//
// Configuration is loaded from ~/.config/tacit/config.yaml (or -config)
// and overridden by TACIT_-prefixed environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	tacitd
//
//	# Configure via environment
//	TACIT_SERVER_PORT=9090 TACIT_AGENT_PROVIDER=anthropic TACIT_AGENT_API_KEY=... tacitd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/codehost"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/consensus"
	"github.com/fyrsmithlabs/tacit/internal/events"
	"github.com/fyrsmithlabs/tacit/internal/http"
	"github.com/fyrsmithlabs/tacit/internal/incremental"
	"github.com/fyrsmithlabs/tacit/internal/logging"
	"github.com/fyrsmithlabs/tacit/internal/onboarding"
	"github.com/fyrsmithlabs/tacit/internal/pipeline"
	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/provenance"
	"github.com/fyrsmithlabs/tacit/internal/redact"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
	"github.com/fyrsmithlabs/tacit/internal/telemetry"
	"github.com/fyrsmithlabs/tacit/internal/tools"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/tacit/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  tacitd [-config path]   Start the tacit daemon\n")
			fmt.Fprintf(os.Stderr, "  tacitd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("tacitd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the store and the event bus
//  4. Wires the agent, matcher, proposal service and pipeline
//  5. Serves HTTP until ctx is done, then shuts down gracefully
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	lg, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = lg.Sync() // Best-effort sync on shutdown
	}()
	logger := lg.Underlying()

	if degraded, reason := tel.Degraded(); degraded && tel.Enabled() {
		logger.Warn("telemetry degraded", zap.String("reason", reason))
	}
	logger.Info("Starting tacitd",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("store", cfg.Store.Path),
		zap.String("agent", cfg.Agent.Provider))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svc, err := initServices(cfg, deps, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	apiDeps := http.Deps{
		Store:        deps.store,
		Recorder:     svc.recorder,
		Orchestrator: svc.orchestrator,
		Proposals:    svc.proposals,
		Extractor:    svc.extractor,
		Hosts:        svc.hosts,
		Sessions:     svc.sessions,
		Onboarding:   svc.onboarding,
	}
	if deps.broadcaster != nil {
		apiDeps.Events = deps.broadcaster
	}
	srv, err := http.NewServer(apiDeps, logger, &http.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		WebhookRate:   rate.Limit(1),
		WebhookBurst:  10,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	if !cfg.GitHub.WebhookSecret.IsSet() {
		logger.Warn("webhook secret not configured, deliveries are not authenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s/health", cfg.Addr())),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/api/v1/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.ServiceVersion = version
	if err := cfg.Unmarshal("telemetry", telCfg); err != nil {
		return nil, err
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if err := cfg.Unmarshal("logging", logCfg); err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, global.GetLoggerProvider())
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	store       *store.Store
	natsServer  *natsserver.Server
	natsConn    *nats.Conn
	broadcaster *events.Broadcaster
	redactor    *redact.Redactor
	agent       agent.Agent
	logger      *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
}

// initDependencies opens the store, starts or dials NATS, and builds the
// redactor and the agent. On error everything opened so far is closed.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.store, err = store.Open(ctx, store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	logger.Info("Store opened", zap.String("path", cfg.Store.Path))

	natsURL := cfg.Events.NATSURL
	if natsURL == "" && cfg.Events.Embedded {
		d.natsServer, err = events.StartEmbedded(events.EmbeddedOptions{})
		if err != nil {
			return nil, err
		}
		natsURL = d.natsServer.ClientURL()
		logger.Info("Embedded NATS started", zap.String("url", natsURL))
	}
	if natsURL != "" {
		d.natsConn, err = events.Connect(natsURL, logger)
		if err != nil {
			return nil, err
		}
		d.broadcaster = events.NewBroadcaster(d.natsConn, logger)
	} else {
		logger.Warn("event bus disabled, run event streams are unavailable")
	}

	var allowlist *redact.Allowlist
	if cfg.Redaction.AllowlistPath != "" {
		if allowlist, err = redact.LoadAllowlist(cfg.Redaction.AllowlistPath); err != nil {
			return nil, err
		}
	}
	d.redactor, err = redact.New(cfg.Redaction.Enabled, allowlist, logger)
	if err != nil {
		return nil, err
	}

	d.agent, err = agent.New(cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return d, nil
}

// services holds the business services.
type services struct {
	recorder     *provenance.Recorder
	proposals    *proposals.Service
	orchestrator *pipeline.Orchestrator
	extractor    *incremental.Extractor
	sessions     *pipeline.SessionMiner
	onboarding   *onboarding.Generator
	hosts        codehost.Factory
}

func initServices(cfg *config.Config, d *dependencies, lg *logging.Logger) (*services, error) {
	logger := lg.Underlying()

	comparer, err := similarity.NewComparer(cfg.Similarity, cfg.Agent, d.agent)
	if err != nil {
		return nil, err
	}
	matcher := similarity.NewMatcher(comparer, logger.Named("similarity"))
	matcher.Timeout = cfg.Similarity.Timeout.Duration()

	recorder := provenance.NewRecorder(d.store, logger.Named("provenance"))
	props := proposals.NewService(d.store, matcher, d.redactor, logger.Named("proposals"))

	toolset := &tools.Toolset{
		Store:    d.store,
		Redactor: d.redactor,
		LogsDir:  cfg.Extraction.LogsDir,
	}
	hosts := codehost.NewFactory(cfg.GitHub.BaseURL, cfg.GitHub.Token, logger.Named("codehost"))
	threads := &pipeline.ThreadAnalyzer{Agent: d.agent, Toolset: toolset, Logger: logger}

	var publisher events.Publisher = events.Nop{}
	if d.broadcaster != nil {
		publisher = d.broadcaster
	}

	synth := consensus.NewSynthesizer(d.store, recorder, logger.Named("consensus"))
	synth.DuplicateThreshold = cfg.Extraction.DuplicateThreshold

	orch := &pipeline.Orchestrator{
		Store:        d.store,
		Hosts:        hosts,
		Recorder:     recorder,
		Synthesizer:  synth,
		Analyzers:    pipeline.DefaultAnalyzers(d.agent, toolset, logger),
		Scanner:      &pipeline.AgentScanner{Agent: d.agent, Toolset: toolset},
		ItemAnalyzer: threads,
		Local:        &pipeline.LocalExtractor{Agent: d.agent, Toolset: toolset, Logger: logger},
		Broadcaster:  publisher,
		Logger:       lg.Named("pipeline"),
		ItemURL:      itemURL(cfg.GitHub.BaseURL),
		MaxItems:     cfg.Extraction.MaxItems,
		Concurrency:  cfg.Extraction.Concurrency,
	}

	ext := &incremental.Extractor{
		Store:                d.store,
		Recorder:             recorder,
		Proposals:            props,
		Analyzer:             threads,
		Hosts:                hosts,
		Logger:               logger.Named("incremental"),
		AutoApproveThreshold: cfg.Extraction.AutoApproveThreshold,
		DuplicateThreshold:   cfg.Extraction.DuplicateThreshold,
	}

	sessions := &pipeline.SessionMiner{
		Store:       d.store,
		Recorder:    recorder,
		Analyzer:    &pipeline.SessionExtractor{Agent: d.agent, Toolset: toolset, Logger: logger.Named("sessions")},
		Transcripts: toolset,
		Logger:      lg.Named("sessions"),
	}

	return &services{
		recorder:     recorder,
		proposals:    props,
		orchestrator: orch,
		extractor:    ext,
		sessions:     sessions,
		onboarding:   &onboarding.Generator{Agent: d.agent, Logger: logger.Named("onboarding")},
		hosts:        hosts,
	}, nil
}

// itemURL links pull requests on github.com unless an Enterprise API base
// URL is configured, in which case the web host is derived from it.
func itemURL(baseURL string) func(string, int) string {
	if baseURL == "" {
		return pipeline.GitHubItemURL
	}
	web := codehost.WebURL(baseURL)
	return func(repo string, number int) string {
		return fmt.Sprintf("%s/%s/pull/%d", web, repo, number)
	}
}
