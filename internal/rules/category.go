package rules

import "strings"

// Category classifies what a rule is about.
type Category string

const (
	// CategoryArchitecture covers module boundaries, layering and patterns.
	CategoryArchitecture Category = "architecture"
	// CategoryTesting covers test layout, tooling and coverage expectations.
	CategoryTesting Category = "testing"
	// CategoryStyle covers naming, formatting and idiom.
	CategoryStyle Category = "style"
	// CategoryWorkflow covers branching, review and release process.
	CategoryWorkflow Category = "workflow"
	// CategorySecurity covers secrets, auth and input handling.
	CategorySecurity Category = "security"
	// CategoryPerformance covers hot paths, caching and allocation.
	CategoryPerformance Category = "performance"
	// CategoryDomain covers business vocabulary and invariants.
	CategoryDomain Category = "domain"
	// CategoryDesign covers UI and API design conventions.
	CategoryDesign Category = "design"
	// CategoryProduct covers product decisions that constrain code.
	CategoryProduct Category = "product"
	// CategoryGeneral is the fallback when nothing else fits.
	CategoryGeneral Category = "general"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryArchitecture,
	CategoryTesting,
	CategoryStyle,
	CategoryWorkflow,
	CategorySecurity,
	CategoryPerformance,
	CategoryDomain,
	CategoryDesign,
	CategoryProduct,
	CategoryGeneral,
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory normalizes s and maps unknown values to CategoryGeneral.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.IsValid() {
		return c
	}
	return CategoryGeneral
}

// SourceType identifies which extraction source produced a rule.
type SourceType string

const (
	SourceChangeRequest SourceType = "pr"
	SourceConversation  SourceType = "conversation"
	SourceStructure     SourceType = "structure"
	SourceDocs          SourceType = "docs"
	SourceCIFix         SourceType = "ci_fix"
	SourceConfig        SourceType = "config"
	SourceAntiPattern   SourceType = "anti_pattern"
	SourceDomain        SourceType = "domain"
)

var sourceTypes = map[SourceType]struct{}{
	SourceChangeRequest: {},
	SourceConversation:  {},
	SourceStructure:     {},
	SourceDocs:          {},
	SourceCIFix:         {},
	SourceConfig:        {},
	SourceAntiPattern:   {},
	SourceDomain:        {},
}

// IsValid reports whether s is a known source type.
func (s SourceType) IsValid() bool {
	_, ok := sourceTypes[s]
	return ok
}

// ParseSourceType returns the source type named by s or an error wrapping
// ErrUnknownSourceType.
func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(strings.TrimSpace(s))
	if !st.IsValid() {
		return "", unknownSource(st)
	}
	return st, nil
}

// EventType is the kind of a decision-trail entry.
type EventType string

const (
	EventCreated         EventType = "created"
	EventAutoApproved    EventType = "auto_approved"
	EventApproved        EventType = "approved"
	EventConfidenceBoost EventType = "confidence_boost"
	EventMerged          EventType = "merged"
	EventFeedback        EventType = "feedback"
)

// ProposalStatus is the review state of a proposal.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
)

// IsValid reports whether s is a known proposal status.
func (s ProposalStatus) IsValid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// Terminal reports whether no further transition is allowed from s.
func (s ProposalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// RunStatus is the lifecycle state of an extraction run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)
