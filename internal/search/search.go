// Package search implements local case lookup over the offline cache:
// phased matching from case number down to summary content, with
// context snippets for the tool surface.
package search

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/casetrack/field-sync/internal/store"
)

const (
	// defaultMaxResults bounds a search when the caller does not.
	defaultMaxResults = 20

	// contextChars is how much of a line survives on each side of a
	// snippet match.
	contextChars = 50

	// maxSnippetLen shortens snippet lines that carry no match offsets.
	maxSnippetLen = 120
)

// Match is a single search hit.
type Match struct {
	CaseID     string `json:"case_id"`
	CaseNumber string `json:"case_number"`
	Title      string `json:"title"`
	MatchType  string `json:"match_type"`
	Snippet    string `json:"snippet"`
}

// Result is the response for a case search.
type Result struct {
	Query        string  `json:"query"`
	TotalMatches int     `json:"total_matches"`
	Results      []Match `json:"results"`
}

// caseLister is the slice of the offline store search reads from.
type caseLister interface {
	AllCases() ([]store.CaseRecord, error)
}

// Searcher runs queries over the offline cache.
type Searcher struct {
	store caseLister
}

// New creates a searcher over the given store.
func New(st caseLister) *Searcher {
	return &Searcher{store: st}
}

// Search performs a phased, case-insensitive lookup across cached
// cases: case number first, then title, then assignee and status, then
// summary content. Query and fields are NFKC-normalized so width and
// composition differences do not hide matches.
func (s *Searcher) Search(query string, maxResults int) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query")
	}

	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	cases, err := s.store.AllCases()
	if err != nil {
		return nil, fmt.Errorf("listing cached cases: %w", err)
	}

	sort.Slice(cases, func(i, j int) bool {
		return cases[i].CaseNumber < cases[j].CaseNumber
	})

	q := fold(query)

	var matches []Match

	seen := make(map[string]bool)

	// Phase 1: case number.
	for i := range cases {
		if len(matches) >= maxResults {
			break
		}

		c := &cases[i]
		if strings.Contains(fold(c.CaseNumber), q) {
			matches = append(matches, hit(c, "case_number", c.CaseNumber))
			seen[c.ID] = true
		}
	}

	// Phase 2: title.
	for i := range cases {
		if len(matches) >= maxResults {
			break
		}

		c := &cases[i]
		if seen[c.ID] {
			continue
		}

		title := norm.NFKC.String(c.Title)
		if idx := strings.Index(fold(c.Title), q); idx >= 0 {
			matches = append(matches, hit(c, "title", buildSnippet(title, idx, len(q))))
			seen[c.ID] = true
		}
	}

	// Phase 3: assignee and status.
	for i := range cases {
		if len(matches) >= maxResults {
			break
		}

		c := &cases[i]
		if seen[c.ID] {
			continue
		}

		if strings.Contains(fold(c.AssignedTo), q) {
			matches = append(matches, hit(c, "assignee", fmt.Sprintf("assigned to: %s", c.AssignedTo)))
			seen[c.ID] = true

			continue
		}

		// Status values are short tokens; substring matching would let
		// "open" claim every unrelated status.
		if fold(c.Status) == q {
			matches = append(matches, hit(c, "status", fmt.Sprintf("status: %s", c.Status)))
			seen[c.ID] = true
		}
	}

	// Phase 4: summary content.
	for i := range cases {
		if len(matches) >= maxResults {
			break
		}

		c := &cases[i]
		if seen[c.ID] {
			continue
		}

		lines := strings.Split(norm.NFKC.String(c.Summary), "\n")
		for _, line := range lines {
			idx := strings.Index(fold(line), q)
			if idx < 0 {
				continue
			}

			matches = append(matches, hit(c, "summary", buildSnippet(line, idx, len(q))))
			seen[c.ID] = true

			break
		}
	}

	return &Result{
		Query:        query,
		TotalMatches: len(matches),
		Results:      matches,
	}, nil
}

func hit(c *store.CaseRecord, matchType, snippet string) Match {
	return Match{
		CaseID:     c.ID,
		CaseNumber: c.CaseNumber,
		Title:      c.Title,
		MatchType:  matchType,
		Snippet:    snippet,
	}
}

// fold normalizes a string for comparison: NFKC then lower case.
func fold(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// buildSnippet creates a context snippet around a match, bolding the
// matched text. Offsets come from the folded string, so they are
// clamped against the display string before slicing.
func buildSnippet(line string, matchStart, matchLen int) string {
	if matchStart < 0 {
		matchStart = 0
	}

	matchEnd := matchStart + matchLen
	if matchEnd > len(line) {
		matchEnd = len(line)
	}

	if matchStart >= matchEnd {
		return truncateLine(line, maxSnippetLen)
	}

	start := matchStart - contextChars
	if start < 0 {
		start = 0
	}

	end := matchEnd + contextChars
	if end > len(line) {
		end = len(line)
	}

	prefix := ""
	if start > 0 {
		prefix = "..."
	}

	suffix := ""
	if end < len(line) {
		suffix = "..."
	}

	before := line[start:matchStart]
	matched := line[matchStart:matchEnd]
	after := line[matchEnd:end]

	return prefix + before + "**" + matched + "**" + after + suffix
}

// truncateLine shortens a line to maxLen bytes, adding ellipsis.
func truncateLine(line string, maxLen int) string {
	if len(line) <= maxLen {
		return line
	}

	return line[:maxLen] + "..."
}
