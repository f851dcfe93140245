// Package pipeline orchestrates multi-source extraction runs.
//
// A run has four phases:
//
//  1. every source Analyzer starts in its own goroutine
//  2. the Scanner picks change requests and an ItemAnalyzer analyzes each
//     under a concurrency limit
//  3. a barrier waits for the Phase-1 analyzers and reports each outcome
//  4. synthesis deduplicates the repository's rules across sources
//
// Collaborator and parse failures of an analyzer or an item are logged and
// reported as progress, never fatal. A store.PersistenceError anywhere,
// including inside a task, cancels the remaining work and fails the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/tacit/internal/codehost"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/consensus"
	"github.com/fyrsmithlabs/tacit/internal/events"
	"github.com/fyrsmithlabs/tacit/internal/logging"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/tacit/internal/pipeline")

const (
	DefaultMaxItems    = 10
	DefaultConcurrency = 3

	// eventBuffer exceeds the number of events a run can emit.
	eventBuffer = 64

	maxErrorChars = 100
)

// fallbackItems are analyzed when the scanner's selection is unusable.
var fallbackItems = []int{1, 2, 3, 4, 5}

// Store is the persistence the orchestrator needs.
type Store interface {
	EnsureRepository(ctx context.Context, fullName string, token config.Secret) (*rules.Repository, error)
	CreateRun(ctx context.Context, repoID int64) (*rules.Run, error)
	UpdateRun(ctx context.Context, id int64, u store.RunUpdate) error
	InsertRule(ctx context.Context, r rules.Rule) (*rules.Rule, error)
	ListRules(ctx context.Context, f store.RuleFilter) ([]rules.Rule, error)
}

// Recorder writes the creation trail entry of every persisted rule.
type Recorder interface {
	Created(ctx context.Context, rule *rules.Rule) (*rules.TrailEntry, error)
}

// Synthesizer deduplicates a repository's rules.
type Synthesizer interface {
	Synthesize(ctx context.Context, repoID int64) (consensus.SynthesisReport, error)
}

// Request starts an extraction run.
type Request struct {
	Repo        string
	Token       config.Secret
	MaxItems    int
	Concurrency int
}

// Orchestrator runs extraction pipelines.
type Orchestrator struct {
	Store        Store
	Hosts        codehost.Factory
	Recorder     Recorder
	Synthesizer  Synthesizer
	Analyzers    []Analyzer
	Scanner      Scanner
	ItemAnalyzer ItemAnalyzer
	Local        LocalAnalyzer
	Broadcaster  events.Publisher
	Logger       *logging.Logger

	// ItemURL links a change request. Defaults to github.com.
	ItemURL func(repo string, number int) string

	// MaxItems and Concurrency apply to requests that leave them unset.
	MaxItems    int
	Concurrency int
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// GitHubItemURL returns the github.com URL of a pull request.
func GitHubItemURL(repo string, number int) string {
	return fmt.Sprintf("https://github.com/%s/pull/%d", repo, number)
}

func (o *Orchestrator) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.NewNop()
	}
	return o.Logger
}

func (o *Orchestrator) itemURL(repo string, number int) string {
	if o.ItemURL != nil {
		return o.ItemURL(repo, number)
	}
	return GitHubItemURL(repo, number)
}

// run is the state of one execution.
type run struct {
	id     int64
	target Target
	req    Request
	ch     chan events.Event
}

// Run registers the repository and the run, then executes the pipeline in
// the background. The returned channel receives every event and is closed
// when the run ends, successfully or not. Registration failures are
// returned directly and no channel is created.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan events.Event, *rules.Run, error) {
	if _, _, ok := rules.SplitFullName(req.Repo); !ok {
		return nil, nil, fmt.Errorf("%w: repository must be owner/name, got %q", rules.ErrValidation, req.Repo)
	}
	if req.MaxItems <= 0 {
		req.MaxItems = orDefault(o.MaxItems, DefaultMaxItems)
	}
	if req.Concurrency <= 0 {
		req.Concurrency = orDefault(o.Concurrency, DefaultConcurrency)
	}

	repo, err := o.Store.EnsureRepository(ctx, req.Repo, req.Token)
	if err != nil {
		return nil, nil, err
	}
	rec, err := o.Store.CreateRun(ctx, repo.ID)
	if err != nil {
		return nil, nil, err
	}

	token := req.Token.Or(repo.Token)
	var host codehost.Host
	if o.Hosts != nil {
		host = o.Hosts(ctx, token)
	}
	r := &run{
		id:     rec.ID,
		req:    req,
		target: Target{Repo: repo.FullName, RepoID: repo.ID, Host: host, Token: token},
		ch:     make(chan events.Event, eventBuffer),
	}

	go o.execute(ctx, r)
	return r.ch, rec, nil
}

func (o *Orchestrator) emit(ctx context.Context, r *run, e events.Event) {
	r.ch <- e
	if o.Broadcaster == nil {
		return
	}
	if err := o.Broadcaster.Publish(r.id, e); err != nil {
		o.logger().Warn(ctx, "broadcasting event failed", zap.String("event_type", string(e.Type)), zap.Error(err))
	}
}

func (o *Orchestrator) setStage(ctx context.Context, r *run, stage string) error {
	return o.Store.UpdateRun(ctx, r.id, store.RunUpdate{Stage: &stage})
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer close(r.ch)
	start := time.Now()
	ctx = logging.WithRunID(logging.WithRepo(ctx, r.target.Repo), r.id)

	ctx, span := tracer.Start(ctx, "Orchestrator.Run")
	defer span.End()
	span.SetAttributes(attribute.String("repo", r.target.Repo), attribute.Int64("run_id", r.id))

	o.logger().Info(ctx, "extraction run started",
		zap.Int("max_items", r.req.MaxItems), zap.Int("concurrency", r.req.Concurrency))

	if err := o.phases(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(ctx, r, err)
		runsTotal.WithLabelValues(string(rules.RunFailed)).Inc()
	} else {
		runsTotal.WithLabelValues(string(rules.RunCompleted)).Inc()
	}
	runDuration.Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) {
	o.logger().Error(ctx, "extraction run failed", zap.Error(err))

	// The caller's context may be what failed; the run record must still
	// be closed out.
	cleanup := context.WithoutCancel(ctx)
	status, stage := rules.RunFailed, "error"
	if uerr := o.Store.UpdateRun(cleanup, r.id, store.RunUpdate{Status: &status, Stage: &stage}); uerr != nil {
		o.logger().Error(ctx, "marking run failed", zap.Error(uerr))
	}
	o.emit(ctx, r, events.Event{
		Type:    events.Error,
		Stage:   "error",
		Message: "Extraction failed: " + err.Error(),
	})
}

// isFatal reports whether a task error must end the run.
func isFatal(err error) bool {
	var pe *store.PersistenceError
	return errors.As(err, &pe)
}

// phases runs the four phases. After a fatal task error the remaining work
// sees a cancelled context, so the task's error is reported instead of the
// cancellation it caused.
func (o *Orchestrator) phases(ctx context.Context, r *run) error {
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	err := o.runPhases(ctx, r, abort)
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); isFatal(cause) {
			return cause
		}
	}
	return err
}

func (o *Orchestrator) runPhases(ctx context.Context, r *run, abort context.CancelCauseFunc) error {
	// Phase 1
	o.emit(ctx, r, events.Event{
		Type:    events.StageChange,
		Stage:   "repo_analysis",
		Message: fmt.Sprintf("Analyzing repository structure, docs, and CI patterns for %s...", r.target.Repo),
	})
	if err := o.setStage(ctx, r, "repo_analysis"); err != nil {
		return err
	}

	phase1Ctx, phase1Span := tracer.Start(ctx, "pipeline.phase1")
	g, phase1Ctx := errgroup.WithContext(phase1Ctx)
	results := make([]error, len(o.Analyzers))
	names := make([]string, len(o.Analyzers))
	for i, a := range o.Analyzers {
		names[i] = a.Name()
		g.Go(func() error {
			err := o.runAnalyzer(phase1Ctx, r, a)
			if isFatal(err) {
				abort(err)
				return err
			}
			results[i] = err
			return nil
		})
	}
	o.emit(ctx, r, events.Event{
		Type:    events.Progress,
		Stage:   "repo_analysis",
		Message: "Launched parallel analysis: " + strings.ToLower(strings.Join(names, ", ")),
		Data:    map[string]any{"parallel_tasks": names},
	})

	// Phase 2
	items, err := o.analyzeItems(ctx, r, abort)
	if err != nil {
		_ = g.Wait()
		phase1Span.End()
		return err
	}

	// Phase 3
	o.emit(ctx, r, events.Event{
		Type:    events.Progress,
		Stage:   "analyzing",
		Message: "Waiting for parallel analysis tasks to complete...",
	})
	err = g.Wait()
	phase1Span.End()
	if err != nil {
		return err
	}

	for i, name := range names {
		msg := name + " completed successfully"
		if results[i] != nil {
			msg = fmt.Sprintf("%s encountered an error (non-fatal): %s", name, truncate(results[i].Error(), maxErrorChars))
		}
		o.emit(ctx, r, events.Event{Type: events.Progress, Stage: "analyzing", Message: msg})
	}

	repoID := r.target.RepoID
	before, err := o.Store.ListRules(ctx, store.RuleFilter{RepoID: &repoID})
	if err != nil {
		return err
	}
	o.emit(ctx, r, events.Event{
		Type:    events.Progress,
		Stage:   "analyzing",
		Message: fmt.Sprintf("All sources analyzed: %d total rules before synthesis", len(before)),
		Data:    map[string]any{"total_rules": len(before)},
	})

	// Phase 4
	return o.synthesize(ctx, r, items)
}

// runAnalyzer runs one Phase-1 analyzer and persists its candidates.
func (o *Orchestrator) runAnalyzer(ctx context.Context, r *run, a Analyzer) error {
	ctx, span := tracer.Start(ctx, "pipeline.analyzer")
	defer span.End()
	span.SetAttributes(attribute.String("analyzer", a.Name()))

	candidates, err := a.Analyze(ctx, r.target)
	if err == nil {
		_, err = o.persist(ctx, candidates, a.SourceType(), r.target.Repo, "", &r.target.RepoID)
	}
	if err != nil {
		span.RecordError(err)
		analyzerFailures.WithLabelValues(a.Name()).Inc()
		o.logger().Warn(ctx, "analyzer failed", zap.String("analyzer", a.Name()), zap.Bool("fatal", isFatal(err)), zap.Error(err))
		return err
	}
	return nil
}

// analyzeItems runs Phase 2 and returns the number of items analyzed. A
// fatal item error aborts the whole run through abort.
func (o *Orchestrator) analyzeItems(ctx context.Context, r *run, abort context.CancelCauseFunc) (int, error) {
	ctx, span := tracer.Start(ctx, "pipeline.phase2")
	defer span.End()

	o.emit(ctx, r, events.Event{
		Type:    events.StageChange,
		Stage:   "scanning",
		Message: fmt.Sprintf("Scanning PRs in %s for knowledge-rich discussions...", r.target.Repo),
	})
	if err := o.setStage(ctx, r, "scanning"); err != nil {
		return 0, err
	}

	items := o.scan(ctx, r)
	o.emit(ctx, r, events.Event{
		Type:    events.Progress,
		Stage:   "scanning",
		Message: fmt.Sprintf("Found %d knowledge-rich PRs", len(items)),
		Data:    map[string]any{"item_count": len(items)},
	})

	o.emit(ctx, r, events.Event{
		Type:    events.StageChange,
		Stage:   "analyzing",
		Message: "Analyzing PR discussion threads...",
	})
	if err := o.setStage(ctx, r, "analyzing"); err != nil {
		return 0, err
	}
	o.emit(ctx, r, events.Event{
		Type:    events.Progress,
		Stage:   "analyzing",
		Message: fmt.Sprintf("Analyzing %d PRs (%d concurrent)...", len(items), r.req.Concurrency),
		Data:    map[string]any{"item_count": len(items)},
	})

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
		sem      = semaphore.NewWeighted(int64(r.req.Concurrency))
	)
	for _, n := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			err := o.analyzeItem(ctx, r, n)
			switch {
			case err == nil:
			case isFatal(err):
				abort(err)
			default:
				failures.Add(1)
				o.logger().Warn(ctx, "item analysis failed", zap.Int("number", n), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	span.SetAttributes(attribute.Int("items", len(items)), attribute.Int("failures", int(failures.Load())))
	if ctx.Err() != nil {
		return 0, context.Cause(ctx)
	}

	repoID := r.target.RepoID
	found, err := o.Store.ListRules(ctx, store.RuleFilter{RepoID: &repoID})
	if err != nil {
		return 0, err
	}
	o.emit(ctx, r, events.Event{
		Type:    events.RuleFound,
		Stage:   "analyzing",
		Message: fmt.Sprintf("PR analysis complete: %d rules found", len(found)),
		Data:    map[string]any{"total_rules": len(found)},
	})

	analyzed, total := len(items), len(found)
	if err := o.Store.UpdateRun(ctx, r.id, store.RunUpdate{ItemsAnalyzed: &analyzed, RulesFound: &total}); err != nil {
		return 0, err
	}
	return analyzed, nil
}

// scan asks the scanner for items, falling back to the first few numbers
// when the selection cannot be obtained.
func (o *Orchestrator) scan(ctx context.Context, r *run) []int {
	var (
		items []int
		err   error
	)
	if o.Scanner == nil {
		err = errors.New("no scanner configured")
	} else {
		items, err = o.Scanner.Scan(ctx, r.target, r.req.MaxItems)
	}
	if err != nil {
		o.logger().Warn(ctx, "scanner selection unusable, using fallback items", zap.Error(err))
		items = append([]int(nil), fallbackItems...)
	}
	if len(items) > r.req.MaxItems {
		items = items[:r.req.MaxItems]
	}
	return items
}

func (o *Orchestrator) analyzeItem(ctx context.Context, r *run, number int) error {
	if o.ItemAnalyzer == nil {
		return errors.New("no item analyzer configured")
	}
	candidates, err := o.ItemAnalyzer.AnalyzeItem(ctx, r.target, number)
	itemsAnalyzed.Inc()
	if err != nil {
		return err
	}
	ref := fmt.Sprintf("%s#%d", r.target.Repo, number)
	_, err = o.persist(ctx, candidates, rules.SourceChangeRequest, ref, o.itemURL(r.target.Repo, number), &r.target.RepoID)
	return err
}

// persist inserts candidates as rules with a created trail entry each.
func (o *Orchestrator) persist(ctx context.Context, candidates []rules.Candidate, source rules.SourceType,
	sourceRef, provenanceURL string, repoID *int64) (int, error) {
	return persistRules(ctx, o.Store, o.Recorder, o.logger(), candidates, source, sourceRef, provenanceURL, repoID)
}

// ruleInserter is the slice of the store that persistRules writes through.
type ruleInserter interface {
	InsertRule(ctx context.Context, r rules.Rule) (*rules.Rule, error)
}

// persistRules writes valid candidates and their creation trail. Invalid
// candidates are skipped; the first store error stops the loop.
func persistRules(ctx context.Context, st ruleInserter, rec Recorder, logger *logging.Logger,
	candidates []rules.Candidate, source rules.SourceType, sourceRef, provenanceURL string, repoID *int64) (int, error) {
	n := 0
	for _, c := range candidates {
		if c.ProvenanceURL == "" {
			c.ProvenanceURL = provenanceURL
		}
		r, err := rules.NewRule(c, source, sourceRef, repoID)
		if err != nil {
			logger.Debug(ctx, "skipping invalid candidate", zap.Error(err))
			continue
		}
		saved, err := st.InsertRule(ctx, r)
		if err != nil {
			return n, err
		}
		if rec != nil {
			if _, err := rec.Created(ctx, saved); err != nil {
				return n, err
			}
		}
		rulesPersisted.WithLabelValues(string(source)).Inc()
		n++
	}
	return n, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, r *run, items int) error {
	ctx, span := tracer.Start(ctx, "pipeline.synthesis")
	defer span.End()

	o.emit(ctx, r, events.Event{
		Type:    events.StageChange,
		Stage:   "synthesizing",
		Message: "Synthesizing rules across all sources (PRs, structure, docs, CI fixes)...",
	})
	if err := o.setStage(ctx, r, "synthesizing"); err != nil {
		return err
	}

	var report consensus.SynthesisReport
	if o.Synthesizer != nil {
		var err error
		if report, err = o.Synthesizer.Synthesize(ctx, r.target.RepoID); err != nil {
			return fmt.Errorf("synthesis: %w", err)
		}
	}

	repoID := r.target.RepoID
	final, err := o.Store.ListRules(ctx, store.RuleFilter{RepoID: &repoID})
	if err != nil {
		return err
	}
	status, stage, total, now := rules.RunCompleted, "complete", len(final), time.Now().UTC()
	if err := o.Store.UpdateRun(ctx, r.id, store.RunUpdate{
		Status:      &status,
		Stage:       &stage,
		RulesFound:  &total,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	bySource := make(map[string]int)
	for _, rule := range final {
		bySource[string(rule.SourceType)]++
	}
	o.logger().Info(ctx, "extraction run complete",
		zap.Int("rules", total), zap.Int("items", items), zap.Int("merged", report.Merged))
	o.emit(ctx, r, events.Event{
		Type:    events.Complete,
		Stage:   "complete",
		Message: fmt.Sprintf("Extraction complete: %d rules from %d PRs + structure + docs + CI fixes", total, items),
		Data: map[string]any{
			"total_rules":     total,
			"prs_analyzed":    items,
			"rules_by_source": bySource,
			"removed":         report.Removed,
			"merged":          report.Merged,
			"boosted":         report.Boosted,
		},
	})
	return nil
}

// RunLocal extracts rules from local conversation logs of projectPath.
// Rules are stored without a repository. No run record is created.
func (o *Orchestrator) RunLocal(ctx context.Context, projectPath string) (<-chan events.Event, error) {
	if strings.TrimSpace(projectPath) == "" {
		return nil, fmt.Errorf("%w: project path is required", rules.ErrValidation)
	}
	if o.Local == nil {
		return nil, errors.New("local extraction is not configured")
	}

	ch := make(chan events.Event, 4)
	go func() {
		defer close(ch)
		ctx, span := tracer.Start(ctx, "Orchestrator.RunLocal")
		defer span.End()

		ch <- events.Event{
			Type:    events.StageChange,
			Stage:   "local_extraction",
			Message: "Extracting knowledge from local logs: " + projectPath,
		}
		n, err := o.runLocal(ctx, projectPath)
		if err != nil {
			span.RecordError(err)
			o.logger().Error(ctx, "local extraction failed", zap.String("project", projectPath), zap.Error(err))
			ch <- events.Event{Type: events.Error, Stage: "error", Message: "Local extraction failed: " + err.Error()}
			return
		}
		ch <- events.Event{
			Type:    events.Complete,
			Stage:   "complete",
			Message: fmt.Sprintf("Local extraction complete: found %d rules", n),
			Data:    map[string]any{"total_rules": n},
		}
	}()
	return ch, nil
}

func (o *Orchestrator) runLocal(ctx context.Context, projectPath string) (int, error) {
	candidates, err := o.Local.AnalyzeLocal(ctx, projectPath)
	if err != nil {
		return 0, err
	}
	return o.persist(ctx, candidates, rules.SourceConversation, "local-logs:"+projectPath, "", nil)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
