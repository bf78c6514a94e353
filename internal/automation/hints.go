// Package automation implements Kagan's AUTO task lifecycle engine
// (§4.2): a single-worker event loop that reacts to task status changes,
// admits pending spawns under a concurrency cap and a conflict
// predicate, drives the implementation agent's prompt/response loop, and
// runs a review agent on completion.
package automation

import (
	"regexp"
	"sort"
	"strings"
)

// pathHintRE and fileHintRE are lifted verbatim from
// original_source/src/kagan/core/services/automation/runner.py — see
// SPEC_FULL.md's "Supplemented features" section.
var (
	pathHintRE = regexp.MustCompile(`[A-Za-z0-9_.-]+(?:/[A-Za-z0-9_.-]+)+`)
	fileHintRE = regexp.MustCompile(`[A-Za-z0-9_.-]+\.[A-Za-z0-9]{1,8}`)
	wordRE     = regexp.MustCompile(`[A-Za-z0-9_]+`)
)

// keywordHints is the complete keyword -> hint table recovered from the
// original runner.py (spec.md's prose only gave three example pairs).
var keywordHints = map[string]string{
	"test":      "tests/**",
	"tests":     "tests/**",
	"pytest":    "tests/**",
	"readme":    "README.md",
	"docs":      "docs/**",
	"config":    "config/**",
	"pyproject": "pyproject.toml",
	"docker":    "Dockerfile",
}

// DeriveHints builds the deterministic, text-only conflict-hint set from
// a task's title, description, and acceptance criteria (§4.2 "Conflict
// hints"): path-like tokens, file-like tokens, and keyword-table hits.
func DeriveHints(title, description string, acceptanceCriteria []string) []string {
	text := strings.Join(append([]string{title, description}, acceptanceCriteria...), "\n")

	set := make(map[string]bool)
	for _, m := range pathHintRE.FindAllString(text, -1) {
		set[m] = true
	}
	for _, m := range fileHintRE.FindAllString(text, -1) {
		set[m] = true
	}
	for _, w := range wordRE.FindAllString(strings.ToLower(text), -1) {
		if hint, ok := keywordHints[w]; ok {
			set[hint] = true
		}
	}

	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ConflictAssessment is the outcome of checking a candidate task's hints
// against every currently-running task's hints (§4.2).
type ConflictAssessment struct {
	Blocked      bool
	BlockedBy    []string
	OverlapHints []string
}

// AssessConflict implements §8's testable property verbatim: C.blocked
// iff the candidate's hint set intersects the union of any running
// task's hint set. If either side has no hints at all, it never blocks.
func AssessConflict(candidateHints []string, running map[string][]string) ConflictAssessment {
	if len(candidateHints) == 0 {
		return ConflictAssessment{}
	}

	candidateSet := make(map[string]bool, len(candidateHints))
	for _, h := range candidateHints {
		candidateSet[h] = true
	}

	var blockedBy []string
	overlapSet := make(map[string]bool)
	for taskID, hints := range running {
		if len(hints) == 0 {
			continue
		}
		intersects := false
		for _, h := range hints {
			if candidateSet[h] {
				overlapSet[h] = true
				intersects = true
			}
		}
		if intersects {
			blockedBy = append(blockedBy, taskID)
		}
	}

	if len(blockedBy) == 0 {
		return ConflictAssessment{}
	}

	sort.Strings(blockedBy)
	overlap := make([]string, 0, len(overlapSet))
	for h := range overlapSet {
		overlap = append(overlap, h)
	}
	sort.Strings(overlap)

	return ConflictAssessment{Blocked: true, BlockedBy: blockedBy, OverlapHints: overlap}
}
