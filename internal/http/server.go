// Package http provides the REST API for tacit.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/tacit/internal/codehost"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/events"
	"github.com/fyrsmithlabs/tacit/internal/incremental"
	"github.com/fyrsmithlabs/tacit/internal/onboarding"
	"github.com/fyrsmithlabs/tacit/internal/pipeline"
	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

// Store is the persistence the API reads and writes directly.
type Store interface {
	CreateRepository(ctx context.Context, owner, name string, token config.Secret) (*rules.Repository, error)
	ListRepositories(ctx context.Context) ([]rules.Repository, error)
	GetRepository(ctx context.Context, id int64) (*rules.Repository, error)
	FindRepository(ctx context.Context, fullName string) (*rules.Repository, error)
	UpdateRepositoryToken(ctx context.Context, id int64, token config.Secret) error
	DeleteRepository(ctx context.Context, id int64) error

	GetRun(ctx context.Context, id int64) (*rules.Run, error)
	ListRuns(ctx context.Context, repoID *int64) ([]rules.Run, error)

	ListRules(ctx context.Context, f store.RuleFilter) ([]rules.Rule, error)
	GetRule(ctx context.Context, id int64) (*rules.Rule, error)
	InsertRule(ctx context.Context, r rules.Rule) (*rules.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	IncrementFeedback(ctx context.Context, id int64, delta int) (int, error)
	ListTrail(ctx context.Context, ruleID int64) ([]rules.TrailEntry, error)
	SourceQuality(ctx context.Context, repoID *int64) ([]store.SourceQuality, error)

	ListTeamMembers(ctx context.Context) ([]rules.TeamMember, error)
	CreateTeamMember(ctx context.Context, m rules.TeamMember) (*rules.TeamMember, error)

	ListMinedSessions(ctx context.Context) ([]rules.MinedSession, error)
}

// Recorder writes trail entries for rules changed through the API.
type Recorder interface {
	Created(ctx context.Context, rule *rules.Rule) (*rules.TrailEntry, error)
	Feedback(ctx context.Context, rule *rules.Rule, delta int, note string) (*rules.TrailEntry, error)
}

// Orchestrator starts extraction runs.
type Orchestrator interface {
	Run(ctx context.Context, req pipeline.Request) (<-chan events.Event, *rules.Run, error)
	RunLocal(ctx context.Context, projectPath string) (<-chan events.Event, error)
}

// Proposals is the review and contribution service.
type Proposals interface {
	Create(ctx context.Context, np proposals.NewProposal) (*rules.Proposal, error)
	ContributeBatch(ctx context.Context, b proposals.Batch) ([]proposals.ContributeResult, error)
	Approve(ctx context.Context, id int64, reviewer, note string) (*rules.Rule, *rules.Proposal, error)
	Reject(ctx context.Context, id int64, reviewer, note string) (*rules.Proposal, error)
	List(ctx context.Context, status rules.ProposalStatus) ([]rules.Proposal, error)
	Get(ctx context.Context, id int64) (*proposals.Detail, error)
}

// Extractor handles merged change requests delivered by webhooks.
type Extractor interface {
	Extract(ctx context.Context, ev incremental.Event) (incremental.Result, error)
}

// Sessions mines coding-assistant session transcripts.
type Sessions interface {
	MineTranscript(ctx context.Context, path, sessionID string) (pipeline.SessionResult, error)
	MineAll(ctx context.Context) (pipeline.MiningReport, error)
}

// Onboarder writes onboarding guides.
type Onboarder interface {
	Generate(ctx context.Context, req onboarding.Request, rs []rules.Rule) (onboarding.Guide, error)
}

// Subscriber streams the events of one run.
type Subscriber interface {
	Subscribe(runID int64) (<-chan events.Event, func(), error)
}

// Deps are the services behind the API. Extractor, Events, Hosts and
// Sessions are optional; the endpoints that need them answer 503 without
// them. Onboarding defaults to the template-only generator.
type Deps struct {
	Store        Store
	Recorder     Recorder
	Orchestrator Orchestrator
	Proposals    Proposals
	Extractor    Extractor
	Events       Subscriber
	Hosts        codehost.Factory
	Sessions     Sessions
	Onboarding   Onboarder
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// WebhookSecret enables signature validation of webhook deliveries.
	WebhookSecret config.Secret

	// Heartbeat is the SSE keep-alive interval (default: 15s).
	Heartbeat time.Duration

	// WebhookRate and WebhookBurst bound webhook deliveries per client IP
	// (default: 1/s, burst 10).
	WebhookRate  rate.Limit
	WebhookBurst int
}

// Server provides HTTP endpoints for tacit.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	config  *Config
	logger  *zap.Logger
	metrics *HTTPMetrics

	limiters *ipLimiters

	// background tracks work that outlives its request.
	background sync.WaitGroup
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if deps.Proposals == nil {
		return nil, errors.New("proposal service is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if deps.Onboarding == nil {
		deps.Onboarding = &onboarding.Generator{Logger: logger.Named("onboarding")}
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8420}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.WebhookRate == 0 {
		cfg.WebhookRate = rate.Limit(1)
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = 10
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		deps:     deps,
		config:   cfg,
		logger:   logger,
		metrics:  NewHTTPMetrics(logger),
		limiters: newIPLimiters(cfg.WebhookRate, cfg.WebhookBurst),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1.POST("/repos", s.handleCreateRepo)
	v1.GET("/repos", s.handleListRepos)
	v1.GET("/repos/:id", s.handleGetRepo)
	v1.PUT("/repos/:id/token", s.handleRotateToken)
	v1.DELETE("/repos/:id", s.handleDeleteRepo)

	v1.POST("/extract", s.handleExtract)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/events", s.handleRunEvents)
	v1.POST("/local-extract", s.handleLocalExtract)

	v1.GET("/rules", s.handleListRules)
	v1.POST("/rules", s.handleCreateRule)
	v1.GET("/rules/:id", s.handleGetRule)
	v1.DELETE("/rules/:id", s.handleDeleteRule)
	v1.POST("/rules/:id/feedback", s.handleFeedback)
	v1.GET("/rules/:id/trail", s.handleTrail)
	v1.GET("/stats/source-quality", s.handleSourceQuality)

	v1.POST("/proposals", s.handleCreateProposal)
	v1.GET("/proposals", s.handleListProposals)
	v1.GET("/proposals/:id", s.handleGetProposal)
	v1.POST("/proposals/:id/approve", s.handleApprove)
	v1.POST("/proposals/:id/reject", s.handleReject)
	v1.POST("/contribute", s.handleContribute)

	v1.GET("/claude-md/:repo_id", s.handleClaudeMD)
	v1.GET("/claude-md/:repo_id/diff", s.handleClaudeMDDiff)
	v1.GET("/claude-rules/:repo_id", s.handleClaudeRules)
	v1.GET("/patterns/cross-repo", s.handleCrossRepo)

	v1.POST("/onboarding/generate", s.handleOnboarding)

	v1.POST("/hooks/capture", s.handleHookCapture)
	v1.POST("/mine-sessions", s.handleMineSessions)
	v1.GET("/sessions", s.handleListSessions)

	v1.GET("/team", s.handleListTeam)
	v1.POST("/team", s.handleCreateTeamMember)

	v1.POST("/webhook/github", s.handleWebhook)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, then waits for background work
// started by requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background work: %w", ctx.Err())
	}
}

// Wait blocks until background work started by requests has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
