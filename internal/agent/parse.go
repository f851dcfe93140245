package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

var fenceRE = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\n?(.*?)```")

// stripFences returns the contents of fenced code blocks when present,
// otherwise the trimmed text.
func stripFences(text string) string {
	matches := fenceRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text)
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, strings.TrimSpace(m[1]))
	}
	return strings.Join(parts, "\n")
}

// firstJSON finds the first decodable JSON value starting with one of the
// given opening characters.
func firstJSON(text string, openers string) (json.RawMessage, bool) {
	for i := 0; i < len(text); i++ {
		if !strings.ContainsRune(openers, rune(text[i])) {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}

// RejectedRule is an element of a rules reply that failed validation.
type RejectedRule struct {
	Index  int
	Reason string
}

// ParsedRules is the result of ParseRules.
type ParsedRules struct {
	Rules    []rules.Candidate
	Rejected []RejectedRule
}

type wireRule struct {
	RuleText          string   `json:"rule_text"`
	Text              string   `json:"text"`
	Category          string   `json:"category"`
	Confidence        *float64 `json:"confidence"`
	ApplicablePaths   []string `json:"applicable_paths"`
	ProvenanceURL     string   `json:"provenance_url"`
	ProvenanceSummary string   `json:"provenance_summary"`
	SourceExcerpt     string   `json:"source_excerpt"`
}

// ParseRules extracts candidate rules from agent output. It accepts a JSON
// array of rule objects or an object with a "rules" array, optionally
// inside code fences. Invalid elements are dropped and listed in Rejected.
// A *ParseError is returned when no JSON can be found at all.
func ParseRules(text string) (ParsedRules, error) {
	body := stripFences(text)
	raw, ok := firstJSON(body, "[{")
	if !ok {
		return ParsedRules{}, &ParseError{What: "rules", Reason: "no JSON found", Input: truncate(text, 200)}
	}

	var items []json.RawMessage
	if raw[0] == '{' {
		var wrapper struct {
			Rules []json.RawMessage `json:"rules"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Rules == nil {
			return ParsedRules{}, &ParseError{What: "rules", Reason: `expected an array or {"rules": [...]}`, Input: truncate(text, 200)}
		}
		items = wrapper.Rules
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return ParsedRules{}, &ParseError{What: "rules", Reason: err.Error(), Input: truncate(text, 200)}
	}

	var out ParsedRules
	for i, item := range items {
		var w wireRule
		if err := json.Unmarshal(item, &w); err != nil {
			out.Rejected = append(out.Rejected, RejectedRule{Index: i, Reason: "not an object"})
			continue
		}
		ruleText := w.RuleText
		if ruleText == "" {
			ruleText = w.Text
		}
		if w.Confidence == nil {
			out.Rejected = append(out.Rejected, RejectedRule{Index: i, Reason: "missing confidence"})
			continue
		}
		c := rules.Candidate{
			Text:              strings.TrimSpace(ruleText),
			Category:          rules.ParseCategory(w.Category),
			Confidence:        *w.Confidence,
			ApplicablePaths:   w.ApplicablePaths,
			ProvenanceURL:     w.ProvenanceURL,
			ProvenanceSummary: w.ProvenanceSummary,
			SourceExcerpt:     w.SourceExcerpt,
		}
		if err := c.Validate(); err != nil {
			out.Rejected = append(out.Rejected, RejectedRule{Index: i, Reason: err.Error()})
			continue
		}
		out.Rules = append(out.Rules, c)
	}
	return out, nil
}

// ParseItemNumbers extracts change-request numbers from a scanner reply.
// It accepts [3, 5] or [{"pr_number": 3}, {"number": 5}].
func ParseItemNumbers(text string) ([]int, error) {
	body := stripFences(text)
	raw, ok := firstJSON(body, "[")
	if !ok {
		return nil, &ParseError{What: "item numbers", Reason: "no JSON array found", Input: truncate(text, 200)}
	}

	var plain []int
	if err := json.Unmarshal(raw, &plain); err == nil {
		return positive(plain), nil
	}

	var objs []struct {
		PRNumber *int `json:"pr_number"`
		Number   *int `json:"number"`
	}
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, &ParseError{What: "item numbers", Reason: err.Error(), Input: truncate(text, 200)}
	}
	nums := make([]int, 0, len(objs))
	for _, o := range objs {
		switch {
		case o.PRNumber != nil:
			nums = append(nums, *o.PRNumber)
		case o.Number != nil:
			nums = append(nums, *o.Number)
		}
	}
	nums = positive(nums)
	if len(nums) == 0 && len(objs) > 0 {
		return nil, &ParseError{What: "item numbers", Reason: "no pr_number fields", Input: truncate(text, 200)}
	}
	return nums, nil
}

func positive(nums []int) []int {
	out := nums[:0]
	seen := make(map[int]bool, len(nums))
	for _, n := range nums {
		if n > 0 && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Match is a comparer verdict: the index of the best candidate and its
// similarity. Index is -1 when nothing matched.
type Match struct {
	Index      int     `json:"match_index"`
	Similarity float64 `json:"similarity"`
}

// ParseMatch decodes {"match_index": N, "similarity": X}. A null index
// means no match.
func ParseMatch(text string) (Match, error) {
	body := stripFences(text)
	raw, ok := firstJSON(body, "{")
	if !ok {
		return Match{}, &ParseError{What: "match", Reason: "no JSON object found", Input: truncate(text, 200)}
	}
	var w struct {
		Index      *int     `json:"match_index"`
		Similarity *float64 `json:"similarity"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Match{}, &ParseError{What: "match", Reason: err.Error(), Input: truncate(text, 200)}
	}
	if w.Index == nil {
		return Match{Index: -1}, nil
	}
	if w.Similarity == nil {
		return Match{}, &ParseError{What: "match", Reason: "missing similarity", Input: truncate(text, 200)}
	}
	if err := rules.ValidateConfidence(*w.Similarity); err != nil {
		return Match{}, &ParseError{What: "match", Reason: fmt.Sprintf("similarity %v out of range", *w.Similarity)}
	}
	return Match{Index: *w.Index, Similarity: *w.Similarity}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
