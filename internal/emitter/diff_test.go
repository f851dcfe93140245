package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	t.Run("identical documents", func(t *testing.T) {
		lines, err := Diff("# CLAUDE.md\n", "# CLAUDE.md\n")
		require.NoError(t, err)
		assert.Empty(t, lines)
	})

	t.Run("missing file shows every line added", func(t *testing.T) {
		lines, err := Diff("", "# CLAUDE.md\n\n- Use zap\n")
		require.NoError(t, err)

		var added []string
		for _, l := range lines {
			if l.Type == DiffAdd {
				added = append(added, l.Text)
			}
		}
		assert.Equal(t, []string{"# CLAUDE.md", "", "- Use zap"}, added)
		assert.Equal(t, DiffLine{Type: DiffContext, Text: "--- CLAUDE.md (current)"}, lines[0])
		assert.Equal(t, DiffLine{Type: DiffContext, Text: "+++ CLAUDE.md (generated)"}, lines[1])
	})

	t.Run("changed rule", func(t *testing.T) {
		existing := "# CLAUDE.md\n\n## Testing\n\n- Use testify\n---\n"
		generated := "# CLAUDE.md\n\n## Testing\n\n- Use testify require for setup\n---\n"

		lines, err := Diff(existing, generated)
		require.NoError(t, err)

		assert.Contains(t, lines, DiffLine{Type: DiffRemove, Text: "- Use testify"})
		assert.Contains(t, lines, DiffLine{Type: DiffAdd, Text: "- Use testify require for setup"})
		assert.Contains(t, lines, DiffLine{Type: DiffContext, Text: "## Testing"})
		// A horizontal rule inside a hunk is content, not a file header.
		assert.Contains(t, lines, DiffLine{Type: DiffContext, Text: "---"})
	})
}
