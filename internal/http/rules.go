package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/tacit/internal/codehost"
	"github.com/fyrsmithlabs/tacit/internal/emitter"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

func (s *Server) handleListRules(c echo.Context) error {
	repoID, err := optionalID(c, "repo_id")
	if err != nil {
		return err
	}
	f := store.RuleFilter{
		RepoID: repoID,
		Query:  c.QueryParam("q"),
	}
	if v := c.QueryParam("category"); v != "" {
		f.Category = rules.ParseCategory(v)
	}
	if v := c.QueryParam("min_confidence"); v != "" {
		if f.MinConfidence, err = strconv.ParseFloat(v, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid min_confidence")
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	found, err := s.deps.Store.ListRules(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if found == nil {
		found = []rules.Rule{}
	}
	return c.JSON(http.StatusOK, found)
}

func (s *Server) handleGetRule(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err := s.deps.Store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	trail, err := s.deps.Store.ListTrail(ctx, id)
	if err != nil {
		return err
	}
	if trail == nil {
		trail = []rules.TrailEntry{}
	}
	return c.JSON(http.StatusOK, RuleDetail{Rule: r, Trail: trail})
}

func (s *Server) handleCreateRule(c echo.Context) error {
	var req CreateRuleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	source := req.SourceType
	if source == "" {
		source = rules.SourceConversation
	}
	ctx := c.Request().Context()
	r, err := rules.NewRule(rules.Candidate{
		Text:              req.Text,
		Category:          rules.Category(req.Category),
		Confidence:        req.Confidence,
		ApplicablePaths:   req.ApplicablePaths,
		ProvenanceURL:     req.ProvenanceURL,
		ProvenanceSummary: req.ProvenanceSummary,
	}, source, req.SourceRef, req.RepoID)
	if err != nil {
		return err
	}
	saved, err := s.deps.Store.InsertRule(ctx, r)
	if err != nil {
		return err
	}
	if s.deps.Recorder != nil {
		if _, err := s.deps.Recorder.Created(ctx, saved); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleDeleteRule(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.deps.Store.DeleteRule(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFeedback(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req FeedbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	var delta int
	switch strings.ToLower(req.Vote) {
	case "up":
		delta = 1
	case "down":
		delta = -1
	default:
		return fmt.Errorf("%w: vote must be up or down, got %q", rules.ErrValidation, req.Vote)
	}

	ctx := c.Request().Context()
	r, err := s.deps.Store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	score, err := s.deps.Store.IncrementFeedback(ctx, id, delta)
	if err != nil {
		return err
	}
	if s.deps.Recorder != nil {
		if _, err := s.deps.Recorder.Feedback(ctx, r, delta, req.Note); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, FeedbackResponse{RuleID: id, FeedbackScore: score})
}

func (s *Server) handleTrail(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetRule(ctx, id); err != nil {
		return err
	}
	trail, err := s.deps.Store.ListTrail(ctx, id)
	if err != nil {
		return err
	}
	if trail == nil {
		trail = []rules.TrailEntry{}
	}
	return c.JSON(http.StatusOK, trail)
}

func (s *Server) handleSourceQuality(c echo.Context) error {
	repoID, err := optionalID(c, "repo_id")
	if err != nil {
		return err
	}
	stats, err := s.deps.Store.SourceQuality(c.Request().Context(), repoID)
	if err != nil {
		return err
	}
	if stats == nil {
		stats = []store.SourceQuality{}
	}
	return c.JSON(http.StatusOK, SourceQualityResponse{SourceQuality: stats})
}

// emittable returns the rules of a repository plus the rules that belong
// to no repository.
func (s *Server) emittable(ctx context.Context, repoID int64) ([]rules.Rule, error) {
	if _, err := s.deps.Store.GetRepository(ctx, repoID); err != nil {
		return nil, err
	}
	own, err := s.deps.Store.ListRules(ctx, store.RuleFilter{RepoID: &repoID})
	if err != nil {
		return nil, err
	}
	all, err := s.deps.Store.ListRules(ctx, store.RuleFilter{})
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.RepoID == nil {
			own = append(own, r)
		}
	}
	return own, nil
}

func (s *Server) handleClaudeMD(c echo.Context) error {
	id, err := idParam(c, "repo_id")
	if err != nil {
		return err
	}
	rs, err := s.emittable(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(emitter.ClaudeMD(rs)))
}

// handleClaudeMDDiff compares the CLAUDE.md on the repository's default
// branch with the generated one. A missing file diffs as empty.
func (s *Server) handleClaudeMDDiff(c echo.Context) error {
	id, err := idParam(c, "repo_id")
	if err != nil {
		return err
	}
	if s.deps.Hosts == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "code host access is not configured")
	}
	ctx := c.Request().Context()
	repo, err := s.deps.Store.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	rs, err := s.emittable(ctx, id)
	if err != nil {
		return err
	}
	generated := emitter.ClaudeMD(rs)

	existing, err := s.deps.Hosts(ctx, repo.Token).FileContent(ctx, repo.FullName, "CLAUDE.md")
	if err != nil {
		if !errors.Is(err, codehost.ErrNotFound) {
			return fmt.Errorf("fetching CLAUDE.md of %s: %w", repo.FullName, err)
		}
		existing = ""
	}
	lines, err := emitter.Diff(existing, generated)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ClaudeMDDiffResponse{
		RepoID:    id,
		Existing:  existing,
		Generated: generated,
		DiffLines: lines,
	})
}

func (s *Server) handleClaudeRules(c echo.Context) error {
	id, err := idParam(c, "repo_id")
	if err != nil {
		return err
	}
	rs, err := s.emittable(c.Request().Context(), id)
	if err != nil {
		return err
	}
	files, err := emitter.Modular(rs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ClaudeRulesResponse{RepoID: id, Files: files})
}

func (s *Server) handleCrossRepo(c echo.Context) error {
	ctx := c.Request().Context()
	all, err := s.deps.Store.ListRules(ctx, store.RuleFilter{})
	if err != nil {
		return err
	}
	repos, err := s.deps.Store.ListRepositories(ctx)
	if err != nil {
		return err
	}
	names := make(map[int64]string, len(repos))
	for _, r := range repos {
		names[r.ID] = r.FullName
	}
	patterns := similarity.CrossRepoPatterns(all, names)
	if patterns == nil {
		patterns = []similarity.Pattern{}
	}
	return c.JSON(http.StatusOK, PatternsResponse{Patterns: patterns})
}
