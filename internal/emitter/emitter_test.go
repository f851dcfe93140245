package emitter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

func TestIsProhibition(t *testing.T) {
	for text, want := range map[string]bool{
		"Never commit secrets":              true,
		"Do NOT use global state":           true,
		"don't log tokens":                  true,
		"Handlers MUST NOT panic":           true,
		"Force pushes to main are forbidden": true,
		"Avoid init functions":              true,
		"Use table-driven tests":            false,
		"Rebase whenever main moves":        false,
		"Prefer avoidance-free designs":     false,
		"Run tests; never skip them":        true,
	} {
		assert.Equal(t, want, IsProhibition(text), text)
	}
}

func TestSegment(t *testing.T) {
	assert.Equal(t, "internal", Segment([]string{"internal/**/*.go"}))
	assert.Equal(t, "api", Segment([]string{"./api/*.go"}))
	assert.Equal(t, "web", Segment([]string{"**/*.ts", "web/src/**"}))
	assert.Equal(t, "root", Segment([]string{"*.go", "**"}))
	assert.Equal(t, "root", Segment(nil))
	assert.Equal(t, "github", Segment([]string{".github/workflows/*.yml"}))
}

func sample() []rules.Rule {
	return []rules.Rule{
		{ID: 1, Text: "Use table-driven tests", Category: rules.CategoryTesting, Confidence: 0.8},
		{ID: 2, Text: "Run go test -race in CI", Category: rules.CategoryTesting, Confidence: 0.9},
		{ID: 3, Text: "Never commit secrets", Category: rules.CategorySecurity, Confidence: 0.95,
			ApplicablePaths: []string{"config/**"}},
		{ID: 4, Text: "Wrap errors with %w", Category: rules.CategoryStyle, Confidence: 0.7,
			ApplicablePaths: []string{"internal/**/*.go"}},
		{ID: 5, Text: "Return structs from constructors", Category: rules.CategoryStyle, Confidence: 0.7,
			ApplicablePaths: []string{"internal/store/*.go"}},
		{ID: 6, Text: "Low confidence idea", Category: rules.CategoryGeneral, Confidence: 0.59},
		{ID: 7, Text: "Model invoices as immutable events", Category: rules.CategoryProduct, Confidence: 0.6},
	}
}

func TestModular(t *testing.T) {
	files, err := Modular(sample())
	require.NoError(t, err)

	assert.Equal(t, []string{
		".claude/rules/do-not.md",
		".claude/rules/domain.md",
		".claude/rules/internal-code-style.md",
		".claude/rules/testing.md",
	}, files.Paths())

	assert.Equal(t, "# Do Not\n\n- Never commit secrets\n", files[".claude/rules/do-not.md"])
	assert.Equal(t, "# Testing\n\n- Run go test -race in CI\n- Use table-driven tests\n",
		files[".claude/rules/testing.md"])
	assert.Equal(t, "# Domain\n\n- Model invoices as immutable events\n", files[".claude/rules/domain.md"])
	assert.Equal(t,
		"---\npaths:\n    - internal/**/*.go\n    - internal/store/*.go\n---\n\n"+
			"# Code Style (internal)\n\n- Wrap errors with %w\n- Return structs from constructors\n",
		files[".claude/rules/internal-code-style.md"])
}

func TestModular_Empty(t *testing.T) {
	files, err := Modular([]rules.Rule{{ID: 1, Text: "too weak", Confidence: 0.1}})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestClaudeMD(t *testing.T) {
	assert.Equal(t, "# CLAUDE.md\n\nNo knowledge rules extracted yet. Run an extraction first.\n", ClaudeMD(nil))

	want := "# CLAUDE.md\n" +
		"\n\n## Code Style\n\n- Wrap errors with %w\n- Return structs from constructors" +
		"\n\n## Testing\n\n- Run go test -race in CI\n- Use table-driven tests" +
		"\n\n## General\n\n- Model invoices as immutable events" +
		"\n\n## Do Not\n\n- Never commit secrets\n"
	assert.Equal(t, want, ClaudeMD(sample()))
}

func TestClaudeMD_NothingAboveThreshold(t *testing.T) {
	low := []rules.Rule{
		{ID: 1, Text: "Maybe prefer short package names", Category: rules.CategoryStyle, Confidence: 0.4},
		{ID: 2, Text: "Never commit generated mocks", Category: rules.CategoryWorkflow, Confidence: 0.59},
	}
	doc := ClaudeMD(low)
	assert.Contains(t, doc, "# CLAUDE.md")
	assert.Contains(t, doc, "No knowledge rules meet the 0.60 confidence threshold yet.")
	assert.NotContains(t, doc, "##")
	assert.NotContains(t, doc, "Never commit generated mocks")
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()
	files, err := Modular(sample())
	require.NoError(t, err)
	require.NoError(t, WriteFiles(dir, files))

	got, err := os.ReadFile(filepath.Join(dir, ".claude", "rules", "do-not.md"))
	require.NoError(t, err)
	assert.Equal(t, files[".claude/rules/do-not.md"], string(got))

	err = WriteFiles(dir, Files{"../escape.md": "x"})
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.md"))
	assert.True(t, os.IsNotExist(statErr))
}
