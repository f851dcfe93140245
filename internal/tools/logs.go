package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultLogLimit = 50
	maxLogContent   = 500
)

// LogEntry is one assistant or tool message from a conversation log.
type LogEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type logArgs struct {
	ProjectPath string `json:"project_path"`
	Limit       int    `json:"limit"`
}

// EncodeProjectPath converts a project path to the directory-name form the
// coding assistant uses under its projects directory.
func EncodeProjectPath(p string) string {
	return strings.TrimLeft(strings.ReplaceAll(p, "/", "-"), "-")
}

func (ts *Toolset) logsDir() (string, error) {
	if ts.LogsDir != "" {
		return ts.LogsDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// ReadLogs returns up to limit assistant and tool entries from the JSONL
// logs of projectPath, newest file first.
func (ts *Toolset) ReadLogs(projectPath string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	root, err := ts.logsDir()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("no conversation log directory at %s", root)
	}

	dirs, err := filepath.Glob(filepath.Join(root, "*"+EncodeProjectPath(projectPath)+"*"))
	if err != nil {
		return nil, fmt.Errorf("matching project directories: %w", err)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no project logs found for %q", projectPath)
	}
	sort.Strings(dirs)

	entries := []LogEntry{}
	for _, dir := range dirs {
		files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		if err != nil {
			return nil, err
		}
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
		for _, f := range files {
			if entries, err = readLogFile(f, entries, limit, assistantOrTool); err != nil {
				return nil, err
			}
			if len(entries) >= limit {
				return entries, nil
			}
		}
	}
	return entries, nil
}

func assistantOrTool(role string) bool { return role == "assistant" || role == "tool" }

func readLogFile(path string, entries []LogEntry, limit int, keep func(role string) bool) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return entries, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() && len(entries) < limit {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var raw struct {
			Role      string          `json:"role"`
			Content   json.RawMessage `json:"content"`
			Timestamp string          `json:"timestamp"`

			// Session transcripts nest the message under "message".
			Message *struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if raw.Role == "" && raw.Message != nil {
			raw.Role, raw.Content = raw.Message.Role, raw.Message.Content
		}
		if !keep(raw.Role) {
			continue
		}
		entries = append(entries, LogEntry{
			Role:      raw.Role,
			Content:   truncate(contentText(raw.Content), maxLogContent),
			Timestamp: raw.Timestamp,
		})
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("reading %s: %w", path, err)
	}
	return entries, nil
}

// Transcript is one session transcript under the conversation log
// directory.
type Transcript struct {
	SessionID string
	Path      string
	Project   string
	Size      int64
	ModTime   time.Time
}

// StatTranscript describes the transcript at path. The session ID is the
// file name without its extension and the project is its directory name.
func StatTranscript(path string) (Transcript, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Transcript{}, err
	}
	if info.IsDir() {
		return Transcript{}, fmt.Errorf("%s is a directory", path)
	}
	return Transcript{
		SessionID: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:      path,
		Project:   filepath.Base(filepath.Dir(path)),
		Size:      info.Size(),
		ModTime:   info.ModTime().UTC(),
	}, nil
}

// ListTranscripts returns every *.jsonl transcript one level below the log
// directory, ordered by path. A missing log directory yields no
// transcripts.
func (ts *Toolset) ListTranscripts() ([]Transcript, error) {
	root, err := ts.logsDir()
	if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(root, "*", "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("matching transcripts: %w", err)
	}
	sort.Strings(files)

	out := make([]Transcript, 0, len(files))
	for _, f := range files {
		t, err := StatTranscript(f)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadTranscript returns up to limit user, assistant and tool entries of
// one transcript in file order, with content redacted.
func (ts *Toolset) ReadTranscript(path string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	entries, err := readLogFile(path, []LogEntry{}, limit, func(role string) bool {
		return role == "user" || assistantOrTool(role)
	})
	if err != nil {
		return nil, err
	}
	if ts.Redactor != nil {
		for i := range entries {
			entries[i].Content = ts.Redactor.Redact(entries[i].Content)
		}
	}
	return entries, nil
}

// contentText flattens a message content that is either a string or a list
// of blocks with a "text" field.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func (b *binding) readLogs(_ context.Context, input json.RawMessage) (string, error) {
	var args logArgs
	if err := decode(input, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.ProjectPath) == "" {
		return "", fmt.Errorf("project_path is required")
	}
	entries, err := b.ts.ReadLogs(args.ProjectPath, args.Limit)
	if err != nil {
		return "", err
	}
	for i := range entries {
		entries[i].Content = b.redact(entries[i].Content)
	}
	return encode(entries)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
