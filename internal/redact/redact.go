// Package redact masks credentials in text before it is stored or shown to
// the reasoning agent. Detection uses the Gitleaks default rule set plus an
// optional TOML allowlist.
package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist holds content patterns that are never redacted.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads a gitleaks-style allowlist file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_KEY_.*''']
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}

// Finding is one detected credential.
type Finding struct {
	RuleID string
	Secret string
}

// Redactor replaces detected credentials with [REDACTED:rule-id:preview]
// markers. A nil or disabled Redactor returns text unchanged.
type Redactor struct {
	enabled bool
	cfg     gitleaksConfig.Config
	logger  *zap.Logger
}

// New builds a Redactor from the Gitleaks default configuration extended
// with allowlist.
func New(enabled bool, allowlist *Allowlist, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redactor{enabled: enabled, logger: logger}
	if !enabled {
		return r, nil
	}

	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	r.cfg = base.Config
	if allowlist != nil && len(allowlist.Regexes) > 0 {
		extra := &gitleaksConfig.Allowlist{Description: "tacit allowlist"}
		for _, pattern := range allowlist.Regexes {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
			}
			extra.Regexes = append(extra.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		r.cfg.Allowlists = append(r.cfg.Allowlists, extra)
	}
	return r, nil
}

// Enabled reports whether text is actually scanned.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// Detect returns the credentials found in text.
func (r *Redactor) Detect(text string) []Finding {
	if !r.Enabled() || text == "" {
		return nil
	}
	// Detectors accumulate findings, so each scan gets its own.
	detector := detect.NewDetector(r.cfg)

	found := detector.DetectString(text)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Secret: f.Secret})
	}
	return out
}

// Redact returns text with every detected credential replaced by a marker.
func (r *Redactor) Redact(text string) string {
	findings := r.Detect(text)
	if len(findings) == 0 {
		return text
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.Slice(findings, func(i, j int) bool { return len(findings[i].Secret) > len(findings[j].Secret) })
	for _, f := range findings {
		text = strings.ReplaceAll(text, f.Secret, Marker(f))
	}
	r.logger.Info("redacted credentials", zap.Int("count", len(findings)))
	return text
}

// Marker is the replacement text for f.
func Marker(f Finding) string {
	return fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Secret, 4))
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
