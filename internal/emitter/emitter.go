// Package emitter renders the rule base as assistant instruction documents:
// one aggregated CLAUDE.md or a .claude/rules/ directory of path-scoped
// files.
package emitter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const (
	// MinConfidence is the lowest confidence a rule needs to be emitted.
	MinConfidence = 0.6

	// RulesDir is the root of the modular layout.
	RulesDir = ".claude/rules"

	doNotFile     = "do-not.md"
	emptyClaudeMD = "# CLAUDE.md\n\nNo knowledge rules extracted yet. Run an extraction first.\n"

	// belowThresholdClaudeMD is served when rules exist but none is
	// confident enough to emit.
	belowThresholdClaudeMD = "# CLAUDE.md\n\nNo knowledge rules meet the 0.60 confidence threshold yet. " +
		"Review pending proposals or upvote rules to promote them.\n"
)

// prohibition matches whole-word markers only, so "whenever" is not "never".
var prohibition = regexp.MustCompile(`(?i)\b(never|do not|don't|must not|forbidden|avoid)\b`)

// IsProhibition reports whether text states something not to do.
func IsProhibition(text string) bool {
	return prohibition.MatchString(text)
}

// Files maps a relative path to its content.
type Files map[string]string

// Paths returns the file paths in lexical order.
func (f Files) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type section struct {
	file  string
	title string
}

var categorySections = map[rules.Category]section{
	rules.CategoryArchitecture: {"architecture.md", "Architecture"},
	rules.CategoryTesting:      {"testing.md", "Testing"},
	rules.CategoryStyle:        {"code-style.md", "Code Style"},
	rules.CategoryWorkflow:     {"workflow.md", "Workflow"},
	rules.CategorySecurity:     {"security.md", "Security"},
	rules.CategoryPerformance:  {"performance.md", "Performance"},
	rules.CategoryDomain:       {"domain.md", "Domain"},
	rules.CategoryDesign:       {"domain.md", "Domain"},
	rules.CategoryProduct:      {"domain.md", "Domain"},
	rules.CategoryGeneral:      {"general.md", "General"},
}

func sectionFor(c rules.Category) section {
	if s, ok := categorySections[c]; ok {
		return s
	}
	return categorySections[rules.CategoryGeneral]
}

type bucket struct {
	title string
	paths []string
	rules []rules.Rule
}

// Modular partitions rules into the .claude/rules/ layout. Prohibitions
// go to do-not.md only. Rules with applicable paths go to a file named
// after the first concrete path segment and the category, with a paths
// front matter. Everything else goes to its category file.
func Modular(all []rules.Rule) (Files, error) {
	buckets := make(map[string]*bucket)
	get := func(name, title string) *bucket {
		b, ok := buckets[name]
		if !ok {
			b = &bucket{title: title}
			buckets[name] = b
		}
		return b
	}

	for _, r := range all {
		if r.Confidence < MinConfidence {
			continue
		}
		sec := sectionFor(r.Category)
		switch {
		case IsProhibition(r.Text):
			b := get(doNotFile, "Do Not")
			b.rules = append(b.rules, r)
		case len(r.ApplicablePaths) > 0:
			seg := Segment(r.ApplicablePaths)
			name := seg + "-" + strings.TrimSuffix(sec.file, ".md") + ".md"
			b := get(name, fmt.Sprintf("%s (%s)", sec.title, seg))
			b.paths = append(b.paths, r.ApplicablePaths...)
			b.rules = append(b.rules, r)
		default:
			b := get(sec.file, sec.title)
			b.rules = append(b.rules, r)
		}
	}

	files := make(Files, len(buckets))
	for name, b := range buckets {
		content, err := b.render()
		if err != nil {
			return nil, fmt.Errorf("rendering %s: %w", name, err)
		}
		files[RulesDir+"/"+name] = content
	}
	return files, nil
}

func (b *bucket) render() (string, error) {
	var buf bytes.Buffer
	if len(b.paths) > 0 {
		fm, err := yaml.Marshal(struct {
			Paths []string `yaml:"paths"`
		}{Paths: unique(b.paths)})
		if err != nil {
			return "", err
		}
		buf.WriteString("---\n")
		buf.Write(fm)
		buf.WriteString("---\n\n")
	}
	buf.WriteString("# " + b.title + "\n\n")
	for _, r := range ordered(b.rules) {
		buf.WriteString("- " + r.Text + "\n")
	}
	return buf.String(), nil
}

// Segment names the directory a set of globs is scoped to: the first
// segment of the first glob that is neither a wildcard, "." nor empty.
func Segment(globs []string) string {
	for _, g := range globs {
		for _, part := range strings.Split(filepath.ToSlash(g), "/") {
			if part == "" || part == "." || strings.ContainsAny(part, "*?[{") {
				continue
			}
			if s := sanitize(part); s != "" {
				return s
			}
		}
	}
	return "root"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ordered sorts by confidence descending, then id.
func ordered(rs []rules.Rule) []rules.Rule {
	out := append([]rules.Rule(nil), rs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var claudeMDOrder = []string{
	"Quick Start", "Development Commands", "Code Style", "Testing",
	"Architecture", "Workflow", "Security", "Performance", "General",
}

var claudeMDSections = map[rules.Category]string{
	rules.CategoryWorkflow:     "Workflow",
	rules.CategoryStyle:        "Code Style",
	rules.CategoryTesting:      "Testing",
	rules.CategoryArchitecture: "Architecture",
	rules.CategorySecurity:     "Security",
	rules.CategoryPerformance:  "Performance",
	rules.CategoryGeneral:      "General",
}

// ClaudeMD renders a single aggregated CLAUDE.md. Categories without a
// section of their own are listed under General.
func ClaudeMD(all []rules.Rule) string {
	if len(all) == 0 {
		return emptyClaudeMD
	}

	var doNot []rules.Rule
	bySection := make(map[string][]rules.Rule)
	for _, r := range all {
		if r.Confidence < MinConfidence {
			continue
		}
		if IsProhibition(r.Text) {
			doNot = append(doNot, r)
			continue
		}
		name, ok := claudeMDSections[r.Category]
		if !ok {
			name = "General"
		}
		bySection[name] = append(bySection[name], r)
	}

	if len(doNot) == 0 && len(bySection) == 0 {
		return belowThresholdClaudeMD
	}

	lines := []string{"# CLAUDE.md\n"}
	for _, name := range claudeMDOrder {
		rs := bySection[name]
		if len(rs) == 0 {
			continue
		}
		lines = append(lines, "\n## "+name+"\n")
		for _, r := range ordered(rs) {
			lines = append(lines, "- "+r.Text)
		}
	}
	if len(doNot) > 0 {
		lines = append(lines, "\n## Do Not\n")
		for _, r := range ordered(doNot) {
			lines = append(lines, "- "+r.Text)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteFiles writes files below dir, creating directories as needed.
// Paths that escape dir are rejected.
func WriteFiles(dir string, files Files) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, rel := range files.Paths() {
		target := filepath.Join(root, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("refusing to write %q outside %s", rel, root)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(files[rel]), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	return nil
}
