// Package provenance records the append-only decision trail of every rule.
//
// Recorder writes trail entries. The description and entry builders are
// pure so their wording can be tested without a store, and so an entry can
// be committed in the same transaction as the rule it describes.
package provenance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

// TrailStore persists trail entries.
type TrailStore interface {
	AddTrailEntry(ctx context.Context, e rules.TrailEntry) (*rules.TrailEntry, error)
}

// Recorder writes trail entries for rule lifecycle events.
type Recorder struct {
	store  TrailStore
	logger *zap.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store TrailStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) record(ctx context.Context, ruleID int64, event rules.EventType, desc, ref string) (*rules.TrailEntry, error) {
	e, err := r.store.AddTrailEntry(ctx, rules.TrailEntry{
		RuleID:      ruleID,
		EventType:   event,
		Description: desc,
		SourceRef:   ref,
	})
	if err != nil {
		return nil, fmt.Errorf("recording %s for rule %d: %w", event, ruleID, err)
	}
	r.logger.Debug("trail entry recorded",
		zap.Int64("rule_id", ruleID),
		zap.String("event", string(event)),
	)
	return e, nil
}

// Created records that rule was extracted by an analyzer.
func (r *Recorder) Created(ctx context.Context, rule *rules.Rule) (*rules.TrailEntry, error) {
	return r.record(ctx, rule.ID, rules.EventCreated, CreatedDescription(rule.SourceType), rule.SourceRef)
}

// AutoApproved records that rule skipped review because its confidence
// cleared the auto-approve threshold.
func (r *Recorder) AutoApproved(ctx context.Context, rule *rules.Rule, provenanceURL string) (*rules.TrailEntry, error) {
	return r.record(ctx, rule.ID, rules.EventAutoApproved, AutoApprovedDescription(rule.Confidence, provenanceURL), provenanceURL)
}

// Approved records the promotion of proposal into rule.
func (r *Recorder) Approved(ctx context.Context, rule *rules.Rule, proposal *rules.Proposal, reviewer string, contributors []string) (*rules.TrailEntry, error) {
	e := ApprovedEntry(proposal, reviewer, contributors)
	return r.record(ctx, rule.ID, e.EventType, e.Description, e.SourceRef)
}

// ApprovedEntry builds the approved entry for a proposal without writing it,
// for callers that store it together with the rule. RuleID is left zero.
func ApprovedEntry(proposal *rules.Proposal, reviewer string, contributors []string) rules.TrailEntry {
	return rules.TrailEntry{
		EventType:   rules.EventApproved,
		Description: ApprovalDescription(proposal.ID, reviewer, contributors),
		SourceRef:   "proposal:" + strconv.FormatInt(proposal.ID, 10),
	}
}

// ConfidenceBoost records a cross-source confidence increase.
func (r *Recorder) ConfidenceBoost(ctx context.Context, rule *rules.Rule, from, to float64, sources []rules.SourceType) (*rules.TrailEntry, error) {
	return r.record(ctx, rule.ID, rules.EventConfidenceBoost, BoostDescription(from, to, sources), rule.SourceRef)
}

// Merged records that absorbed rules were folded into survivor.
func (r *Recorder) Merged(ctx context.Context, survivor *rules.Rule, absorbed []int64) (*rules.TrailEntry, error) {
	return r.record(ctx, survivor.ID, rules.EventMerged, MergedDescription(absorbed), survivor.SourceRef)
}

// Feedback records a reviewer vote.
func (r *Recorder) Feedback(ctx context.Context, rule *rules.Rule, delta int, note string) (*rules.TrailEntry, error) {
	return r.record(ctx, rule.ID, rules.EventFeedback, FeedbackDescription(delta, note), "")
}

// CreatedDescription is the wording of a created entry.
func CreatedDescription(source rules.SourceType) string {
	return fmt.Sprintf("Extracted from %s source", source)
}

// AutoApprovedDescription is the wording of an auto_approved entry.
func AutoApprovedDescription(confidence float64, url string) string {
	if url == "" {
		return fmt.Sprintf("Auto-approved at confidence %.2f", confidence)
	}
	return fmt.Sprintf("Auto-approved at confidence %.2f from %s", confidence, url)
}

// ApprovalDescription is the wording of an approved entry. The consensus
// suffix only appears when more than one distinct contributor proposed
// the rule; names are deduplicated and sorted.
func ApprovalDescription(proposalID int64, reviewer string, contributors []string) string {
	if reviewer == "" {
		reviewer = "unknown"
	}
	desc := fmt.Sprintf("Promoted from proposal #%d by %s", proposalID, reviewer)

	names := distinct(contributors)
	if len(names) > 1 {
		desc += fmt.Sprintf(" (consensus: %d contributors: %s)", len(names), strings.Join(names, ", "))
	}
	return desc
}

// BoostDescription is the wording of a confidence_boost entry.
func BoostDescription(from, to float64, sources []rules.SourceType) string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = string(s)
	}
	sort.Strings(names)
	return fmt.Sprintf("Confidence boosted from %.2f to %.2f: confirmed by %d sources (%s)",
		from, to, len(names), strings.Join(names, ", "))
}

// MergedDescription is the wording of a merged entry.
func MergedDescription(absorbed []int64) string {
	ids := make([]string, len(absorbed))
	for i, id := range absorbed {
		ids[i] = "#" + strconv.FormatInt(id, 10)
	}
	return "Merged duplicate rules " + strings.Join(ids, ", ")
}

// FeedbackDescription is the wording of a feedback entry.
func FeedbackDescription(delta int, note string) string {
	vote := "Upvoted"
	if delta < 0 {
		vote = "Downvoted"
	}
	if note = strings.TrimSpace(note); note != "" {
		return vote + ": " + note
	}
	return vote
}

func distinct(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
