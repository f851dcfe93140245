package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/tacit/internal/consensus")

const (
	// DefaultDuplicateThreshold is the ratio above which two rules are the
	// same convention.
	DefaultDuplicateThreshold = 0.70

	// DefaultMinWords is the shortest rule kept by synthesis.
	DefaultMinWords = 4
)

// genericPhrases mark rules too vague to guide anyone.
var genericPhrases = []string{
	"follow best practices",
	"write clean code",
	"use meaningful names",
	"keep code readable",
	"write good tests",
}

// RuleStore is the subset of the store synthesis needs.
type RuleStore interface {
	ListRules(ctx context.Context, f store.RuleFilter) ([]rules.Rule, error)
	UpdateRuleConfidence(ctx context.Context, id int64, confidence float64) error
	DeleteRule(ctx context.Context, id int64) error
}

// TrailRecorder writes the synthesis trail entries.
type TrailRecorder interface {
	ConfidenceBoost(ctx context.Context, rule *rules.Rule, from, to float64, sources []rules.SourceType) (*rules.TrailEntry, error)
	Merged(ctx context.Context, survivor *rules.Rule, absorbed []int64) (*rules.TrailEntry, error)
}

// SynthesisReport summarizes one Synthesize call.
type SynthesisReport struct {
	Removed   int `json:"removed"`
	Merged    int `json:"merged"`
	Boosted   int `json:"boosted"`
	Remaining int `json:"remaining"`
}

// Synthesizer deduplicates the rules of a repository across sources.
type Synthesizer struct {
	Store              RuleStore
	Recorder           TrailRecorder
	Logger             *zap.Logger
	DuplicateThreshold float64
	MinWords           int
}

// NewSynthesizer returns a Synthesizer with default thresholds.
func NewSynthesizer(s RuleStore, rec TrailRecorder, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		Store:              s,
		Recorder:           rec,
		Logger:             logger,
		DuplicateThreshold: DefaultDuplicateThreshold,
		MinWords:           DefaultMinWords,
	}
}

// IsLowSignal reports whether text is too short or too generic to keep.
func IsLowSignal(text string, minWords int) bool {
	if len(strings.Fields(text)) < minWords {
		return true
	}
	lower := strings.ToLower(text)
	for _, p := range genericPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Synthesize removes low-signal rules of the repository, then collapses
// each cluster of near-duplicates onto one survivor. Clusters are seeded in
// ascending id order. The survivor is the rule with the highest source
// priority, then the highest confidence, then the lowest id. A cluster that
// spans several source types boosts the survivor's confidence.
func (s *Synthesizer) Synthesize(ctx context.Context, repoID int64) (SynthesisReport, error) {
	ctx, span := tracer.Start(ctx, "Synthesizer.Synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int64("repo_id", repoID))

	var report SynthesisReport
	all, err := s.Store.ListRules(ctx, store.RuleFilter{RepoID: &repoID})
	if err != nil {
		return report, fmt.Errorf("loading rules: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	minWords := s.MinWords
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	kept := make([]rules.Rule, 0, len(all))
	for _, r := range all {
		if IsLowSignal(r.Text, minWords) {
			if err := s.Store.DeleteRule(ctx, r.ID); err != nil {
				return report, fmt.Errorf("removing low-signal rule %d: %w", r.ID, err)
			}
			report.Removed++
			continue
		}
		kept = append(kept, r)
	}

	for _, cluster := range s.cluster(kept) {
		if len(cluster) < 2 {
			continue
		}
		boosted, err := s.collapse(ctx, cluster)
		if err != nil {
			return report, err
		}
		report.Merged += len(cluster) - 1
		if boosted {
			report.Boosted++
		}
	}

	report.Remaining = len(all) - report.Removed - report.Merged
	span.SetAttributes(
		attribute.Int("removed", report.Removed),
		attribute.Int("merged", report.Merged),
		attribute.Int("boosted", report.Boosted),
	)
	s.logger().Info("synthesis complete",
		zap.Int64("repo_id", repoID),
		zap.Int("removed", report.Removed),
		zap.Int("merged", report.Merged),
		zap.Int("boosted", report.Boosted),
		zap.Int("remaining", report.Remaining),
	)
	return report, nil
}

// cluster groups rules that are near-duplicates of each cluster's seed.
func (s *Synthesizer) cluster(rs []rules.Rule) [][]rules.Rule {
	threshold := s.DuplicateThreshold
	if threshold <= 0 {
		threshold = DefaultDuplicateThreshold
	}
	assigned := make([]bool, len(rs))
	var clusters [][]rules.Rule
	for i := range rs {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		group := []rules.Rule{rs[i]}
		for j := i + 1; j < len(rs); j++ {
			if !assigned[j] && similarity.Ratio(rs[i].Text, rs[j].Text) > threshold {
				assigned[j] = true
				group = append(group, rs[j])
			}
		}
		clusters = append(clusters, group)
	}
	return clusters
}

// Survivor returns the index of the rule that wins a cluster.
func Survivor(cluster []rules.Rule) int {
	best := 0
	for i := 1; i < len(cluster); i++ {
		a, b := cluster[i], cluster[best]
		pa, pb := Priority(a.SourceType), Priority(b.SourceType)
		switch {
		case pa != pb:
			if pa > pb {
				best = i
			}
		case a.Confidence != b.Confidence:
			if a.Confidence > b.Confidence {
				best = i
			}
		case a.ID < b.ID:
			best = i
		}
	}
	return best
}

func (s *Synthesizer) collapse(ctx context.Context, cluster []rules.Rule) (bool, error) {
	idx := Survivor(cluster)
	survivor := cluster[idx]

	maxConf := 0.0
	sourceSet := make(map[rules.SourceType]bool)
	var absorbed []int64
	for i, r := range cluster {
		sourceSet[r.SourceType] = true
		if r.Confidence > maxConf {
			maxConf = r.Confidence
		}
		if i != idx {
			absorbed = append(absorbed, r.ID)
		}
	}

	boosted := false
	if len(sourceSet) >= 2 {
		sources := make([]rules.SourceType, 0, len(sourceSet))
		for st := range sourceSet {
			sources = append(sources, st)
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

		from := survivor.Confidence
		to := Confidence(maxConf, len(sources))
		if err := s.Store.UpdateRuleConfidence(ctx, survivor.ID, to); err != nil {
			return false, fmt.Errorf("boosting rule %d: %w", survivor.ID, err)
		}
		survivor.Confidence = to
		if _, err := s.Recorder.ConfidenceBoost(ctx, &survivor, from, to, sources); err != nil {
			return false, err
		}
		boosted = true
	}

	for _, id := range absorbed {
		if err := s.Store.DeleteRule(ctx, id); err != nil {
			return boosted, fmt.Errorf("absorbing rule %d: %w", id, err)
		}
	}
	if _, err := s.Recorder.Merged(ctx, &survivor, absorbed); err != nil {
		return boosted, err
	}
	return boosted, nil
}

func (s *Synthesizer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
