package http

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

func (s *Server) handleCreateProposal(c echo.Context) error {
	var np proposals.NewProposal
	if err := bind(c, &np); err != nil {
		return err
	}
	p, err := s.deps.Proposals.Create(c.Request().Context(), np)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListProposals(c echo.Context) error {
	status := rules.ProposalStatus(c.QueryParam("status"))
	if status != "" && !status.IsValid() {
		return fmt.Errorf("%w: unknown proposal status %q", rules.ErrValidation, status)
	}
	list, err := s.deps.Proposals.List(c.Request().Context(), status)
	if err != nil {
		return err
	}
	if list == nil {
		list = []rules.Proposal{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetProposal(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	detail, err := s.deps.Proposals.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleApprove(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req ReviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	rule, p, err := s.deps.Proposals.Approve(c.Request().Context(), id, req.ReviewedBy, req.Feedback)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ApproveResponse{Rule: rule, Proposal: p})
}

func (s *Server) handleReject(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req ReviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := s.deps.Proposals.Reject(c.Request().Context(), id, req.ReviewedBy, req.Feedback)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleContribute(c echo.Context) error {
	var b proposals.Batch
	if err := bind(c, &b); err != nil {
		return err
	}
	if len(b.Rules) == 0 {
		return fmt.Errorf("%w: at least one rule is required", rules.ErrValidation)
	}
	results, err := s.deps.Proposals.ContributeBatch(c.Request().Context(), b)
	if err != nil {
		return err
	}

	resp := ContributeResponse{Contributor: b.ContributorName, Results: results}
	for _, r := range results {
		if r.Action == proposals.ActionMerged {
			resp.Merged++
		} else {
			resp.Created++
		}
	}
	s.logger.Info("contribution received",
		zap.String("contributor", b.ContributorName),
		zap.Int("merged", resp.Merged),
		zap.Int("created", resp.Created))
	return c.JSON(http.StatusOK, resp)
}
