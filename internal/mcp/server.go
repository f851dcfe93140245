package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

// Store is the read side of the rule base the server exposes.
type Store interface {
	ListRules(ctx context.Context, f store.RuleFilter) ([]rules.Rule, error)
	GetRule(ctx context.Context, id int64) (*rules.Rule, error)
	ListTrail(ctx context.Context, ruleID int64) ([]rules.TrailEntry, error)
	FindRepository(ctx context.Context, fullName string) (*rules.Repository, error)
}

// Contributor accepts federated contributions.
type Contributor interface {
	Contribute(ctx context.Context, c proposals.Contribution) (*proposals.ContributeResult, error)
}

// Server is the knowledge MCP server.
type Server struct {
	mcp         *mcp.Server
	store       Store
	contributor Contributor
	metrics     *Metrics
	sessionID   string
	logger      *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "tacit").
	Name string

	// Version is the server version (default: "1.0.0").
	Version string

	Logger *zap.Logger

	// Metrics records tool invocations. Nil uses the global meter.
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "tacit",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a knowledge server. contributor may be nil, in which
// case contribute_rule is not registered.
func NewServer(cfg *Config, s Store, contributor Contributor) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "tacit"
	}
	if version == "" {
		version = "1.0.0"
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(logger)
	}

	srv := &Server{
		mcp:         mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		store:       s,
		contributor: contributor,
		metrics:     metrics,
		sessionID:   uuid.NewString(),
		logger:      logger,
	}
	srv.registerTools()
	return srv, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.String("session_id", s.sessionID))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
