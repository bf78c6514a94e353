package automation

import (
	"strings"
	"testing"

	"kagan/internal/store"
)

func TestBuildPrompt_IncludesCriteriaAndRunCount(t *testing.T) {
	task := &store.Task{
		Title:              "Add retry logic",
		Description:        "Retries flaky network calls",
		AcceptanceCriteria: `["retries 3 times","backs off exponentially"]`,
	}
	prompt := BuildPrompt(PromptInputs{
		Task:          task,
		Scratchpad:    "Previous run got partway through.",
		UserIdentity:  "Ada Lovelace <ada@example.com>",
		RunCount:      1,
		QueuedContent: "Also handle the timeout case.",
	})

	for _, want := range []string{
		"Add retry logic", "retries 3 times", "backs off exponentially",
		"Ada Lovelace", "run #2", "Previous run got partway through.",
		"Also handle the timeout case.", "<complete reason=",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_OmitsEmptySections(t *testing.T) {
	task := &store.Task{Title: "Bare task", AcceptanceCriteria: "[]"}
	prompt := BuildPrompt(PromptInputs{Task: task})

	if strings.Contains(prompt, "Acceptance criteria") {
		t.Error("expected no acceptance criteria section for an empty list")
	}
	if strings.Contains(prompt, "run #") {
		t.Error("expected no run-count line for RunCount == 0")
	}
}

func TestBuildReviewPrompt(t *testing.T) {
	task := &store.Task{Title: "Add retry logic", AcceptanceCriteria: `["retries 3 times"]`}
	prompt := BuildReviewPrompt(ReviewInputs{Task: task, CommitSummary: "abc123 add retries", DiffStat: "1 file changed"})

	for _, want := range []string{"retries 3 times", "abc123 add retries", "1 file changed", "read-only", "<approve reason=", "<reject reason="} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected review prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}

func TestReviewMentionsAcceptanceCriterion(t *testing.T) {
	criteria := `["supports exponential backoff","handles timeouts gracefully"]`

	if !ReviewMentionsAcceptanceCriterion("The change adds exponential backoff to every retry.", criteria) {
		t.Error("expected a match on 'exponential'")
	}
	if ReviewMentionsAcceptanceCriterion("Looks fine to me.", criteria) {
		t.Error("expected no match for a review that never touches the criteria")
	}
}

func TestReviewMentionsAcceptanceCriterion_NoCriteriaPasses(t *testing.T) {
	if !ReviewMentionsAcceptanceCriterion("anything at all", "[]") {
		t.Error("expected pass-through when there are no acceptance criteria")
	}
	if !ReviewMentionsAcceptanceCriterion("anything at all", "") {
		t.Error("expected pass-through when acceptance criteria is unparsable")
	}
}
