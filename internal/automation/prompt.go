package automation

import (
	"encoding/json"
	"fmt"
	"strings"

	"kagan/internal/store"
)

// PromptInputs gathers everything build_prompt composes into an
// implementation-agent prompt (§6 "Prompt templates"): the template's
// only contract is determinism and purity, not a specific wording.
type PromptInputs struct {
	Task          *store.Task
	Scratchpad    string
	UserIdentity  string
	RunCount      int
	QueuedContent string
}

// BuildPrompt composes the implementation agent's prompt from a task and
// its run state with a plain string builder — no template engine, matching
// the rest of this codebase's avoidance of one for agent-facing text.
func BuildPrompt(in PromptInputs) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", in.Task.Title)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", in.Task.Description)
	}

	var criteria []string
	_ = json.Unmarshal([]byte(in.Task.AcceptanceCriteria), &criteria)
	if len(criteria) > 0 {
		b.WriteString("## Acceptance criteria\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if in.UserIdentity != "" {
		fmt.Fprintf(&b, "Acting on behalf of: %s\n\n", in.UserIdentity)
	}

	if in.RunCount > 0 {
		fmt.Fprintf(&b, "This is run #%d for this task.\n\n", in.RunCount+1)
	}

	if in.Scratchpad != "" {
		fmt.Fprintf(&b, "## Notes from previous runs\n%s\n\n", in.Scratchpad)
	}

	if in.QueuedContent != "" {
		fmt.Fprintf(&b, "## New instructions queued while you were away\n%s\n\n", in.QueuedContent)
	}

	b.WriteString("When the task is fully implemented, end your reply with " +
		"<complete reason=\"...\"/>. If you cannot proceed, end with " +
		"<blocked reason=\"...\"/>.\n")

	return b.String()
}

// ReviewInputs gathers what get_review_prompt composes into the review
// agent's prompt.
type ReviewInputs struct {
	Task          *store.Task
	CommitSummary string
	DiffStat      string
}

// BuildReviewPrompt composes the read-only review agent's prompt.
func BuildReviewPrompt(in ReviewInputs) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Review: %s\n\n", in.Task.Title)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", in.Task.Description)
	}

	var criteria []string
	_ = json.Unmarshal([]byte(in.Task.AcceptanceCriteria), &criteria)
	if len(criteria) > 0 {
		b.WriteString("## Acceptance criteria\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if in.CommitSummary != "" {
		fmt.Fprintf(&b, "## Commits\n%s\n\n", in.CommitSummary)
	}
	if in.DiffStat != "" {
		fmt.Fprintf(&b, "## Diff stat\n%s\n\n", in.DiffStat)
	}

	b.WriteString("You have read-only access to this worktree. Verify the " +
		"acceptance criteria above are met by the diff. End your reply " +
		"with <approve reason=\"...\"/> or <reject reason=\"...\"/>.\n")

	return b.String()
}

// ReviewMentionsAcceptanceCriterion reports whether reviewText mentions
// at least one keyword from any acceptance criterion, case-insensitively
// matching whole words of length >= 4 (short connector words like "the"
// or "and" would trivially "match" almost any review and defeat the
// guardrail). Used by REVIEW_GUARDRAIL_CHECK_FAILED (§6, §9).
func ReviewMentionsAcceptanceCriterion(reviewText string, acceptanceCriteriaJSON string) bool {
	var criteria []string
	if err := json.Unmarshal([]byte(acceptanceCriteriaJSON), &criteria); err != nil || len(criteria) == 0 {
		return true
	}

	reviewWords := make(map[string]bool)
	for _, w := range wordRE.FindAllString(strings.ToLower(reviewText), -1) {
		reviewWords[w] = true
	}
	for _, c := range criteria {
		for _, word := range wordRE.FindAllString(strings.ToLower(c), -1) {
			if len(word) >= 4 && reviewWords[word] {
				return true
			}
		}
	}
	return false
}
