package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/tacit/internal/incremental"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

const (
	maxWebhookBody = 1 << 20
	limiterTTL     = time.Hour
)

// ipLimiters hands out one token bucket per client IP. The set is reset
// every limiterTTL so idle clients do not accumulate.
type ipLimiters struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

func newIPLimiters(limit rate.Limit, burst int) *ipLimiters {
	return &ipLimiters{
		limit:       limit,
		burst:       burst,
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) > limiterTTL {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastCleanup = time.Now()
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// handleWebhook accepts GitHub deliveries. Only merged pull requests of
// connected repositories are processed, in the background.
func (s *Server) handleWebhook(c echo.Context) error {
	r := c.Request()
	ctx := r.Context()

	deliveryID := github.DeliveryID(r)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	log := s.logger.With(zap.String("delivery_id", deliveryID))

	ip := c.RealIP()
	if !s.limiters.get(ip).Allow() {
		log.Warn("rate limit exceeded", zap.String("ip", ip))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	if s.deps.Extractor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "incremental extraction is not configured")
	}

	r.Body = http.MaxBytesReader(c.Response(), r.Body, maxWebhookBody)
	payload, err := github.ValidatePayload(r, []byte(s.config.WebhookSecret.Value()))
	if err != nil {
		log.Warn("invalid webhook delivery", zap.Error(err))
		return fmt.Errorf("%w: %v", errBadSignature, err)
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		log.Warn("failed to parse webhook", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	pr, ok := event.(*github.PullRequestEvent)
	if !ok {
		log.Debug("ignoring event type", zap.String("type", github.WebHookType(r)))
		return c.JSON(http.StatusOK, WebhookResponse{Ignored: true, Reason: "unsupported event", DeliveryID: deliveryID})
	}
	if pr.GetAction() != "closed" || !pr.GetPullRequest().GetMerged() {
		return c.JSON(http.StatusOK, WebhookResponse{Ignored: true, Reason: "not a merged pull request", DeliveryID: deliveryID})
	}

	fullName := pr.GetRepo().GetFullName()
	number := pr.GetPullRequest().GetNumber()
	if _, err := s.deps.Store.FindRepository(ctx, fullName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusOK, WebhookResponse{Ignored: true, Reason: "repository not connected", Repo: fullName, DeliveryID: deliveryID})
		}
		return err
	}

	ev := incremental.Event{
		Repo:   fullName,
		Number: number,
		URL:    pr.GetPullRequest().GetHTMLURL(),
		Title:  pr.GetPullRequest().GetTitle(),
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		res, err := s.deps.Extractor.Extract(context.WithoutCancel(ctx), ev)
		if err != nil {
			log.Error("webhook extraction failed",
				zap.String("repo", ev.Repo), zap.Int("pr_number", ev.Number), zap.Error(err))
			return
		}
		log.Info("webhook extraction complete",
			zap.String("repo", ev.Repo),
			zap.Int("pr_number", ev.Number),
			zap.Int("auto_approved", res.AutoApproved),
			zap.Int("proposals", res.ProposalsCreated),
			zap.Int("discarded", res.Discarded))
	}()

	log.Info("processing merged pull request", zap.String("repo", fullName), zap.Int("pr_number", number))
	return c.JSON(http.StatusAccepted, WebhookResponse{
		Accepted:   true,
		Repo:       fullName,
		Number:     number,
		DeliveryID: deliveryID,
	})
}
