package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/logging"
	"github.com/fyrsmithlabs/tacit/internal/provenance"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
	"github.com/fyrsmithlabs/tacit/internal/store/storetest"
	"github.com/fyrsmithlabs/tacit/internal/tools"
)

// pathAnalyzer returns canned candidates per transcript file name.
type pathAnalyzer struct {
	mu     sync.Mutex
	calls  []string
	byName map[string][]rules.Candidate
	fail   map[string]bool
}

func (p *pathAnalyzer) AnalyzeTranscript(_ context.Context, path string) ([]rules.Candidate, error) {
	name := filepath.Base(path)
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.mu.Unlock()
	if p.fail[name] {
		return nil, &agent.CollaboratorError{Op: "session-miner", Err: errors.New("overloaded")}
	}
	return p.byName[name], nil
}

func writeTranscript(t *testing.T, root, project, name, body string) string {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newSessionMiner(t *testing.T, root string, s SessionStore, st *store.Store, a SessionAnalyzer) *SessionMiner {
	t.Helper()
	return &SessionMiner{
		Store:       s,
		Recorder:    provenance.NewRecorder(st, nil),
		Analyzer:    a,
		Transcripts: &tools.Toolset{LogsDir: root},
		Logger:      logging.NewTestLogger().Logger,
	}
}

func TestSessionMiner_MineAll(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "proj-a", "s1.jsonl", `{"role":"user","content":"always run make lint"}`)
	writeTranscript(t, root, "proj-a", "s2.jsonl", `{"role":"user","content":"hi"}`)
	writeTranscript(t, root, "proj-b", "s3.jsonl", `{"role":"user","content":"boom"}`)

	st := storetest.New(t)
	a := &pathAnalyzer{
		byName: map[string][]rules.Candidate{
			"s1.jsonl": {
				{Text: "Run make lint before pushing", Category: rules.CategoryWorkflow, Confidence: 0.8},
				{Text: "Never commit generated mocks", Category: rules.CategoryWorkflow, Confidence: 0.7},
			},
		},
		fail: map[string]bool{"s3.jsonl": true},
	}
	m := newSessionMiner(t, root, st, st, a)
	ctx := context.Background()

	report, err := m.MineAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SessionsProcessed)
	assert.Equal(t, 0, report.SessionsSkipped)
	assert.Equal(t, 2, report.TotalRulesFound)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "s1", report.Results[0].SessionID)
	assert.Equal(t, "proj-a", report.Results[0].Project)
	assert.Contains(t, report.Results[2].Error, "overloaded")

	all, err := st.ListRules(ctx, store.RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, r := range all {
		assert.Equal(t, rules.SourceConversation, r.SourceType)
		assert.Equal(t, "session:s1", r.SourceRef)
		trail, err := st.ListTrail(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, trail, 1)
	}

	// Unchanged transcripts are skipped; the failed one is retried.
	a.fail = nil
	report, err = m.MineAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SessionsProcessed)
	assert.Equal(t, 2, report.SessionsSkipped)
	assert.Equal(t, []string{"s1.jsonl", "s2.jsonl", "s3.jsonl", "s3.jsonl"}, a.calls)

	sessions, err := st.ListMinedSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestSessionMiner_ChangedTranscriptIsMinedAgain(t *testing.T) {
	root := t.TempDir()
	path := writeTranscript(t, root, "proj", "s1.jsonl", `{"role":"user","content":"first"}`)
	st := storetest.New(t)
	a := &pathAnalyzer{}
	m := newSessionMiner(t, root, st, st, a)
	ctx := context.Background()

	_, err := m.MineTranscript(ctx, path, "")
	require.NoError(t, err)
	res, err := m.MineTranscript(ctx, path, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	require.NoError(t, os.WriteFile(path, []byte(`{"role":"user","content":"first"}`+"\n"+`{"role":"user","content":"second"}`), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	res, err = m.MineTranscript(ctx, path, "")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, a.calls, 2)
}

func TestSessionMiner_MineTranscriptValidates(t *testing.T) {
	root := t.TempDir()
	st := storetest.New(t)
	m := newSessionMiner(t, root, st, st, &pathAnalyzer{})
	ctx := context.Background()

	for _, path := range []string{"", "  ", filepath.Join(root, "notes.txt"), filepath.Join(root, "missing.jsonl")} {
		_, err := m.MineTranscript(ctx, path, "")
		assert.ErrorIs(t, err, rules.ErrValidation, path)
	}

	path := writeTranscript(t, root, "proj", "raw.jsonl", `{"role":"user","content":"x"}`)
	res, err := m.MineTranscript(ctx, path, "hook-session-7")
	require.NoError(t, err)
	assert.Equal(t, "hook-session-7", res.SessionID)

	_, err = st.GetMinedSession(ctx, "hook-session-7")
	assert.NoError(t, err)
}

type failingSessionStore struct {
	*store.Store
}

func (failingSessionStore) GetMinedSession(context.Context, string) (*rules.MinedSession, error) {
	return nil, &store.PersistenceError{Op: "get mined session", Err: errors.New("database is locked")}
}

func TestSessionMiner_PersistenceFailureStopsPass(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "proj", "s1.jsonl", `{"role":"user","content":"x"}`)
	writeTranscript(t, root, "proj", "s2.jsonl", `{"role":"user","content":"y"}`)
	st := storetest.New(t)
	a := &pathAnalyzer{}
	m := newSessionMiner(t, root, failingSessionStore{st}, st, a)

	_, err := m.MineAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Empty(t, a.calls)
}

func TestSessionExtractor(t *testing.T) {
	root := t.TempDir()
	path := writeTranscript(t, root, "proj", "s1.jsonl", strings.Join([]string{
		`{"type":"user","message":{"role":"user","content":"no, use require for setup errors"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":"switching to require"}}`,
	}, "\n"))
	empty := writeTranscript(t, root, "proj", "empty.jsonl", `{"type":"summary","summary":"nothing"}`)

	var got agent.Invocation
	calls := 0
	e := &SessionExtractor{
		Agent: agent.Func(func(_ context.Context, inv agent.Invocation) (string, error) {
			calls++
			got = inv
			return `[{"rule_text":"Use require for test setup errors","category":"testing","confidence":0.8}]`, nil
		}),
		Toolset: &tools.Toolset{LogsDir: root},
	}

	candidates, err := e.AnalyzeTranscript(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, rules.CategoryTesting, candidates[0].Category)
	assert.Equal(t, "session-miner", got.Name)
	assert.Contains(t, got.Prompt, "use require for setup errors")
	assert.Equal(t, []string{tools.SearchKnowledge}, toolNames(got.Tools))

	candidates, err = e.AnalyzeTranscript(context.Background(), empty)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 1, calls)
}
