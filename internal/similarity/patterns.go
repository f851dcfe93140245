package similarity

import (
	"sort"
	"strconv"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

// CrossRepoThreshold is the ratio two rules from different repositories
// must exceed to count as the same organization-wide pattern.
const CrossRepoThreshold = 0.6

// Pattern is a convention observed in more than one repository.
type Pattern struct {
	Text          string         `json:"rule_text"`
	Category      rules.Category `json:"category"`
	Repos         []string       `json:"repos"`
	RuleIDs       []int64        `json:"rule_ids"`
	Frequency     int            `json:"frequency"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// CrossRepoPatterns groups similar rules of the same category that appear
// in different repositories. Rules without a repository are ignored.
// Grouping is transitive: if A matches B and B matches C, all three form
// one pattern. Only groups spanning at least two repositories are kept,
// ordered by frequency descending.
func CrossRepoPatterns(all []rules.Rule, repoNames map[int64]string) []Pattern {
	byCategory := make(map[rules.Category][]rules.Rule)
	for _, r := range all {
		if r.RepoID == nil {
			continue
		}
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	var patterns []Pattern
	for category, rs := range byCategory {
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })

		parent := make([]int, len(rs))
		for i := range parent {
			parent[i] = i
		}
		var find func(int) int
		find = func(i int) int {
			if parent[i] != i {
				parent[i] = find(parent[i])
			}
			return parent[i]
		}

		for i := 0; i < len(rs); i++ {
			for j := i + 1; j < len(rs); j++ {
				if *rs[i].RepoID == *rs[j].RepoID {
					continue
				}
				if Ratio(rs[i].Text, rs[j].Text) > CrossRepoThreshold {
					parent[find(j)] = find(i)
				}
			}
		}

		groups := make(map[int][]rules.Rule)
		var roots []int
		for i := range rs {
			root := find(i)
			if _, ok := groups[root]; !ok {
				roots = append(roots, root)
			}
			groups[root] = append(groups[root], rs[i])
		}
		for _, root := range roots {
			if p, ok := newPattern(category, groups[root], repoNames); ok {
				patterns = append(patterns, p)
			}
		}
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		if patterns[i].Category != patterns[j].Category {
			return patterns[i].Category < patterns[j].Category
		}
		return patterns[i].RuleIDs[0] < patterns[j].RuleIDs[0]
	})
	return patterns
}

func newPattern(category rules.Category, group []rules.Rule, repoNames map[int64]string) (Pattern, bool) {
	repos := make(map[string]bool)
	rep := group[0]
	var sum float64
	ids := make([]int64, 0, len(group))
	for _, r := range group {
		name, ok := repoNames[*r.RepoID]
		if !ok {
			name = "repo-" + strconv.FormatInt(*r.RepoID, 10)
		}
		repos[name] = true
		sum += r.Confidence
		ids = append(ids, r.ID)
		if r.Confidence > rep.Confidence {
			rep = r
		}
	}
	if len(repos) < 2 {
		return Pattern{}, false
	}

	names := make([]string, 0, len(repos))
	for name := range repos {
		names = append(names, name)
	}
	sort.Strings(names)

	return Pattern{
		Text:          rep.Text,
		Category:      category,
		Repos:         names,
		RuleIDs:       ids,
		Frequency:     len(group),
		AvgConfidence: sum / float64(len(group)),
	}, true
}
