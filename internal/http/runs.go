package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/events"
	"github.com/fyrsmithlabs/tacit/internal/pipeline"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

func (s *Server) handleExtract(c echo.Context) error {
	var req ExtractRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	repo := strings.TrimSpace(req.Repo)
	if req.RepoID > 0 {
		r, err := s.deps.Store.GetRepository(ctx, req.RepoID)
		if err != nil {
			return err
		}
		repo = r.FullName
	}
	if repo == "" {
		return fmt.Errorf("%w: repo or repo_id is required", rules.ErrValidation)
	}

	// The run outlives the request.
	ch, run, err := s.deps.Orchestrator.Run(context.WithoutCancel(ctx), pipeline.Request{
		Repo:     repo,
		Token:    req.GitHubToken,
		MaxItems: req.MaxItems,
	})
	if err != nil {
		return err
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		for range ch {
		}
	}()

	s.logger.Info("extraction started", zap.String("repo", repo), zap.Int64("run_id", run.ID))
	return c.JSON(http.StatusAccepted, ExtractResponse{
		RunID:  run.ID,
		Status: "started",
		Events: fmt.Sprintf("/api/v1/runs/%d/events", run.ID),
	})
}

func (s *Server) handleListRuns(c echo.Context) error {
	repoID, err := optionalID(c, "repo_id")
	if err != nil {
		return err
	}
	runs, err := s.deps.Store.ListRuns(c.Request().Context(), repoID)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []rules.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	run, err := s.deps.Store.GetRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// handleRunEvents streams the progress events of a run via Server-Sent
// Events until a terminal event arrives or the client disconnects. A run
// that has already finished yields one terminal event built from its
// record.
func (s *Server) handleRunEvents(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if s.deps.Events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not configured")
	}
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetRun(ctx, id); err != nil {
		return err
	}

	sub, unsubscribe, err := s.deps.Events.Subscribe(id)
	if err != nil {
		return err
	}
	defer unsubscribe()

	// Re-read after subscribing so a run finishing in between is not missed.
	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		return err
	}

	startSSE(c)
	if run.Status != rules.RunRunning {
		return writeSSE(c, finishedEvent(run))
	}
	return s.streamSSE(ctx, c, sub)
}

func finishedEvent(run *rules.Run) events.Event {
	if run.Status == rules.RunFailed {
		return events.Event{
			Type:    events.Error,
			Stage:   "error",
			Message: fmt.Sprintf("Run %d failed", run.ID),
		}
	}
	return events.Event{
		Type:    events.Complete,
		Stage:   "complete",
		Message: fmt.Sprintf("Run %d already completed", run.ID),
		Data: map[string]any{
			"total_rules":  run.RulesFound,
			"prs_analyzed": run.ItemsAnalyzed,
		},
	}
}

func (s *Server) handleLocalExtract(c echo.Context) error {
	var req LocalExtractRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	ch, err := s.deps.Orchestrator.RunLocal(ctx, req.ProjectPath)
	if err != nil {
		return err
	}

	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
		startSSE(c)
		return s.streamSSE(ctx, c, ch)
	}

	resp := LocalExtractResponse{Events: []events.Event{}}
	for e := range ch {
		resp.Events = append(resp.Events, e)
	}
	return c.JSON(http.StatusOK, resp)
}

func startSSE(c echo.Context) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
}

func writeSSE(c echo.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// streamSSE forwards events until a terminal event, a closed channel or a
// disconnect.
func (s *Server) streamSSE(ctx context.Context, c echo.Context, ch <-chan events.Event) error {
	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeSSE(c, e); err != nil {
				return ignoreDisconnect(err)
			}
			if e.Terminal() {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": heartbeat\n\n"); err != nil {
				return ignoreDisconnect(err)
			}
			c.Response().Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func ignoreDisconnect(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
