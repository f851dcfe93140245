package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

func (s *Server) handleCreateRepo(c echo.Context) error {
	var req CreateRepoRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	owner, name := strings.TrimSpace(req.Owner), strings.TrimSpace(req.Name)
	if req.FullName != "" {
		var ok bool
		if owner, name, ok = rules.SplitFullName(req.FullName); !ok {
			return fmt.Errorf("%w: repository must be owner/name, got %q", rules.ErrValidation, req.FullName)
		}
	}
	repo, err := s.deps.Store.CreateRepository(c.Request().Context(), owner, name, req.GitHubToken)
	if err != nil {
		return err
	}
	s.logger.Info("repository connected", zap.String("repo", repo.FullName), zap.Bool("has_token", repo.HasToken))
	return c.JSON(http.StatusCreated, repo)
}

func (s *Server) handleListRepos(c echo.Context) error {
	repos, err := s.deps.Store.ListRepositories(c.Request().Context())
	if err != nil {
		return err
	}
	if repos == nil {
		repos = []rules.Repository{}
	}
	return c.JSON(http.StatusOK, repos)
}

func (s *Server) handleGetRepo(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	repo, err := s.deps.Store.GetRepository(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, repo)
}

func (s *Server) handleRotateToken(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req TokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.deps.Store.UpdateRepositoryToken(ctx, id, req.GitHubToken); err != nil {
		return err
	}
	repo, err := s.deps.Store.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("repository token rotated", zap.String("repo", repo.FullName), zap.Bool("has_token", repo.HasToken))
	return c.JSON(http.StatusOK, repo)
}

func (s *Server) handleDeleteRepo(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.deps.Store.DeleteRepository(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListTeam(c echo.Context) error {
	members, err := s.deps.Store.ListTeamMembers(c.Request().Context())
	if err != nil {
		return err
	}
	if members == nil {
		members = []rules.TeamMember{}
	}
	return c.JSON(http.StatusOK, members)
}

func (s *Server) handleCreateTeamMember(c echo.Context) error {
	var m rules.TeamMember
	if err := bind(c, &m); err != nil {
		return err
	}
	saved, err := s.deps.Store.CreateTeamMember(c.Request().Context(), m)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}
