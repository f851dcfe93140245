package rules

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrValidation is the root of every validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyText indicates a rule or candidate with blank text.
	ErrEmptyText = fmt.Errorf("%w: text must not be empty", ErrValidation)

	// ErrConfidenceRange indicates a confidence outside [0, 1].
	ErrConfidenceRange = fmt.Errorf("%w: confidence must be between 0 and 1", ErrValidation)

	// ErrUnknownSourceType indicates a source type outside the closed set.
	ErrUnknownSourceType = fmt.Errorf("%w: unknown source type", ErrValidation)

	// ErrInvalidStatus indicates a proposal status outside the closed set.
	ErrInvalidStatus = fmt.Errorf("%w: unknown proposal status", ErrValidation)
)

func unknownSource(st SourceType) error {
	return fmt.Errorf("%w %q", ErrUnknownSourceType, st)
}

// ValidateText rejects text that is empty after trimming.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateConfidence rejects NaN and values outside [0, 1].
func ValidateConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%w, got %v", ErrConfidenceRange, c)
	}
	return nil
}
