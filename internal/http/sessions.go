package http

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/onboarding"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

// handleHookCapture accepts a transcript from the session-end hook and
// mines it in the background.
func (s *Server) handleHookCapture(c echo.Context) error {
	if s.deps.Sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session mining is not configured")
	}
	var req HookCaptureRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	path := strings.TrimSpace(req.TranscriptPath)
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transcript_path is required")
	}
	if filepath.Ext(path) != ".jsonl" {
		return echo.NewHTTPError(http.StatusBadRequest, "transcript_path must be a .jsonl file")
	}

	ctx := context.WithoutCancel(c.Request().Context())
	log := s.logger.With(zap.String("transcript_path", path), zap.String("session_id", req.SessionID))
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		res, err := s.deps.Sessions.MineTranscript(ctx, path, req.SessionID)
		if err != nil {
			log.Error("hook capture failed", zap.Error(err))
			return
		}
		log.Info("hook capture complete",
			zap.String("project", res.Project),
			zap.Bool("skipped", res.Skipped),
			zap.Int("rules_found", res.RulesFound))
	}()
	return c.JSON(http.StatusAccepted, HookCaptureResponse{Accepted: true, TranscriptPath: path})
}

func (s *Server) handleMineSessions(c echo.Context) error {
	if s.deps.Sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session mining is not configured")
	}
	report, err := s.deps.Sessions.MineAll(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions, err := s.deps.Store.ListMinedSessions(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: sessions, Total: len(sessions)})
}

func (s *Server) handleOnboarding(c echo.Context) error {
	var req onboarding.Request
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	rs, err := s.deps.Store.ListRules(ctx, store.RuleFilter{})
	if err != nil {
		return err
	}
	guide, err := s.deps.Onboarding.Generate(ctx, req, rs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, guide)
}
