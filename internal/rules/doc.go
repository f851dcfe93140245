// Package rules defines the knowledge fact base shared by every tacit
// component: rules, proposals, contributions, decision-trail entries,
// extraction runs and the closed vocabularies that classify them.
//
// # Validation
//
// Validation lives here so every write boundary enforces the same rules:
//   - Text must be non-empty after trimming
//   - Confidence must be a number in [0, 1]
//   - SourceType must be one of the known extraction sources
//
// Every validation failure wraps ErrValidation:
//
//	if err := rule.Validate(); errors.Is(err, rules.ErrValidation) {
//	    // reject the request
//	}
//
// # Categories
//
// Categories are a closed set. ParseCategory maps anything unknown to
// CategoryGeneral rather than failing, because extraction output is
// free-form and a mislabelled rule is still worth keeping.
package rules
