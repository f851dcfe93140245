package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/logging"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
	"github.com/fyrsmithlabs/tacit/internal/tools"
)

const defaultTranscriptEntries = 200

// SessionAnalyzer extracts candidate rules from one session transcript.
type SessionAnalyzer interface {
	AnalyzeTranscript(ctx context.Context, path string) ([]rules.Candidate, error)
}

// SessionExtractor is the agent-backed SessionAnalyzer. The redacted
// transcript is inlined in the prompt.
type SessionExtractor struct {
	Agent   agent.Agent
	Toolset *tools.Toolset
	Logger  *zap.Logger

	// MaxEntries bounds the transcript entries sent to the agent
	// (default: 200).
	MaxEntries int
}

// AnalyzeTranscript implements SessionAnalyzer. A transcript with no
// conversation entries yields no rules without calling the agent.
func (e *SessionExtractor) AnalyzeTranscript(ctx context.Context, path string) ([]rules.Candidate, error) {
	entries, err := e.Toolset.ReadTranscript(path, orDefault(e.MaxEntries, defaultTranscriptEntries))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return runForRules(ctx, e.Agent, e.Logger, agent.Invocation{
		Name:         "session-miner",
		SystemPrompt: sessionPrompt,
		Prompt:       "Extract knowledge rules from this session transcript:\n\n" + string(body),
		Tools:        e.Toolset.For(Target{}).Select(tools.SearchKnowledge),
	})
}

// SessionStore records which transcripts have been mined.
type SessionStore interface {
	InsertRule(ctx context.Context, r rules.Rule) (*rules.Rule, error)
	GetMinedSession(ctx context.Context, id string) (*rules.MinedSession, error)
	RecordMinedSession(ctx context.Context, m rules.MinedSession) (*rules.MinedSession, error)
}

// TranscriptLister enumerates the transcripts available for mining.
type TranscriptLister interface {
	ListTranscripts() ([]tools.Transcript, error)
}

// SessionResult is the outcome of mining one transcript.
type SessionResult struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Project        string `json:"project"`
	RulesFound     int    `json:"rules_found"`
	Skipped        bool   `json:"skipped"`
	Error          string `json:"error,omitempty"`
}

// MiningReport summarizes a pass over every transcript.
type MiningReport struct {
	SessionsProcessed int             `json:"sessions_processed"`
	SessionsSkipped   int             `json:"sessions_skipped"`
	TotalRulesFound   int             `json:"total_rules_found"`
	Results           []SessionResult `json:"results"`
}

// SessionMiner turns coding-assistant session transcripts into rules.
// Each transcript is mined once per size and modification time.
type SessionMiner struct {
	Store       SessionStore
	Recorder    Recorder
	Analyzer    SessionAnalyzer
	Transcripts TranscriptLister
	Logger      *logging.Logger
}

func (m *SessionMiner) logger() *logging.Logger {
	if m.Logger == nil {
		return logging.NewNop()
	}
	return m.Logger
}

// MineTranscript mines the transcript at path. sessionID overrides the
// ID derived from the file name when set.
func (m *SessionMiner) MineTranscript(ctx context.Context, path, sessionID string) (SessionResult, error) {
	if strings.TrimSpace(path) == "" {
		return SessionResult{}, fmt.Errorf("%w: transcript path is required", rules.ErrValidation)
	}
	if filepath.Ext(path) != ".jsonl" {
		return SessionResult{}, fmt.Errorf("%w: transcript must be a .jsonl file", rules.ErrValidation)
	}
	t, err := tools.StatTranscript(path)
	if err != nil {
		return SessionResult{}, fmt.Errorf("%w: %v", rules.ErrValidation, err)
	}
	if sessionID != "" {
		t.SessionID = sessionID
	}
	return m.mine(ctx, t)
}

// MineAll mines every transcript that changed since it was last mined.
// Collaborator failures are reported per session; a store failure stops
// the pass.
func (m *SessionMiner) MineAll(ctx context.Context) (MiningReport, error) {
	report := MiningReport{Results: []SessionResult{}}
	transcripts, err := m.Transcripts.ListTranscripts()
	if err != nil {
		return report, err
	}
	for _, t := range transcripts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := m.mine(ctx, t)
		if err != nil {
			if isFatal(err) {
				return report, err
			}
			res.Error = err.Error()
			m.logger().Warn(ctx, "mining session failed", zap.String("session_id", t.SessionID), zap.Error(err))
		}
		switch {
		case res.Skipped:
			report.SessionsSkipped++
		case res.Error == "":
			report.SessionsProcessed++
		}
		report.TotalRulesFound += res.RulesFound
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func (m *SessionMiner) mine(ctx context.Context, t tools.Transcript) (SessionResult, error) {
	res := SessionResult{SessionID: t.SessionID, TranscriptPath: t.Path, Project: t.Project}

	prev, err := m.Store.GetMinedSession(ctx, t.SessionID)
	switch {
	case err == nil && prev.Unchanged(t.Size, t.ModTime):
		res.Skipped = true
		return res, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return res, err
	}

	candidates, err := m.Analyzer.AnalyzeTranscript(ctx, t.Path)
	if err != nil {
		return res, err
	}
	n, err := persistRules(ctx, m.Store, m.Recorder, m.logger(), candidates,
		rules.SourceConversation, "session:"+t.SessionID, "", nil)
	res.RulesFound = n
	if err != nil {
		return res, err
	}
	if _, err := m.Store.RecordMinedSession(ctx, rules.MinedSession{
		SessionID:      t.SessionID,
		TranscriptPath: t.Path,
		Project:        t.Project,
		SizeBytes:      t.Size,
		ModifiedAt:     t.ModTime,
		RulesFound:     n,
	}); err != nil {
		return res, err
	}
	sessionsMined.Inc()
	m.logger().Info(ctx, "mined session",
		zap.String("session_id", t.SessionID),
		zap.String("project", t.Project),
		zap.Int("rules_found", n))
	return res, nil
}
