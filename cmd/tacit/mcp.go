package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/mcp"
	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/redact"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

var (
	mcpConfigPath string
	mcpReadOnly   bool
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpServeCmd)

	mcpServeCmd.Flags().StringVar(&mcpConfigPath, "config", "", "path to config file (default ~/.config/tacit/config.yaml)")
	mcpServeCmd.Flags().BoolVar(&mcpReadOnly, "read-only", false, "do not expose the contribute_rule tool")
}

// mcpCmd is the parent command for the MCP knowledge server
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the rule store to coding assistants over MCP",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP knowledge server on stdio",
	Long: `Run an MCP server on stdin/stdout backed by the local tacit store.

Register it with a coding assistant, for example:
  claude mcp add tacit -- tacit mcp serve

Logs go to stderr; stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: runMCPServe,
}

func runMCPServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(mcpConfigPath)
	if err != nil {
		return err
	}
	logger := stderrLogger()
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(ctx, store.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout.Duration()})
	if err != nil {
		return err
	}
	defer st.Close()

	var contributor mcp.Contributor
	if !mcpReadOnly {
		if contributor, err = newContributor(cfg, st, logger); err != nil {
			return err
		}
	}

	mcpCfg := mcp.DefaultConfig()
	mcpCfg.Version = version
	mcpCfg.Logger = logger
	srv, err := mcp.NewServer(mcpCfg, st, contributor)
	if err != nil {
		return err
	}
	logger.Info("serving MCP on stdio", zap.String("store", cfg.Store.Path), zap.Bool("read_only", mcpReadOnly))
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func newContributor(cfg *config.Config, st *store.Store, logger *zap.Logger) (*proposals.Service, error) {
	a, err := agent.New(cfg.Agent)
	if err != nil {
		return nil, err
	}
	comparer, err := similarity.NewComparer(cfg.Similarity, cfg.Agent, a)
	if err != nil {
		return nil, err
	}
	matcher := similarity.NewMatcher(comparer, logger)
	matcher.Timeout = cfg.Similarity.Timeout.Duration()

	var allowlist *redact.Allowlist
	if cfg.Redaction.AllowlistPath != "" {
		if allowlist, err = redact.LoadAllowlist(cfg.Redaction.AllowlistPath); err != nil {
			return nil, err
		}
	}
	redactor, err := redact.New(cfg.Redaction.Enabled, allowlist, logger)
	if err != nil {
		return nil, err
	}
	return proposals.NewService(st, matcher, redactor, logger), nil
}

func stderrLogger() *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	return zap.New(core).Named("mcp")
}

