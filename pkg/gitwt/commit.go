package gitwt

import (
	"context"
	"regexp"
	"strings"
)

// commitTypeKeywords maps title keywords to conventional-commits types
// (§4.3 "Semantic commit synthesis"). Checked in order; first match wins.
var commitTypeKeywords = []struct {
	keywords []string
	typ      string
}{
	{[]string{"fix", "bug", "patch", "hotfix"}, "fix"},
	{[]string{"refactor", "cleanup", "restructure"}, "refactor"},
	{[]string{"doc", "docs", "readme"}, "docs"},
	{[]string{"test", "tests", "spec"}, "test"},
	{[]string{"chore", "bump", "upgrade", "deps", "dependency"}, "chore"},
}

var hashPrefix = regexp.MustCompile(`^#+\s*`)

// CommitUncommitted commits any uncommitted changes in worktreePath with
// message, returning the new commit SHA, or "" if the tree was already
// clean. Used by the automation engine's completion handling to commit
// an agent's leftover changes before moving a task to REVIEW (§4.2).
func (s *Service) CommitUncommitted(ctx context.Context, worktreePath, message string) (string, error) {
	return commitAll(ctx, worktreePath, message)
}

// SemanticCommitMessage derives a conventional-commits message from the
// task branch's title: "<type>(<scope>): <title>\n\n<body>" where type
// comes from keyword matching against the title, scope is the second
// title word when it looks like a component name, and body lines are
// `git log --oneline` entries of the branch ahead of its merge base,
// stripped of any leading "#"-style markers.
func (s *Service) SemanticCommitMessage(ctx context.Context, mergeWorktreePath, taskBranch string) (string, error) {
	title, err := branchTitle(ctx, mergeWorktreePath, taskBranch)
	if err != nil || title == "" {
		title = taskBranch
	}

	typ := commitType(title)
	scope := commitScope(title)

	header := typ
	if scope != "" {
		header += "(" + scope + ")"
	}
	header += ": " + title

	body, err := commitBody(ctx, mergeWorktreePath, taskBranch)
	if err != nil || body == "" {
		return header, nil
	}
	return header + "\n\n" + body, nil
}

func branchTitle(ctx context.Context, dir, branch string) (string, error) {
	out, err := runGitAllowFail(ctx, dir, "log", "-1", "--format=%s", branch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func commitType(title string) string {
	lower := strings.ToLower(title)
	for _, rule := range commitTypeKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.typ
			}
		}
	}
	return "feat"
}

// commitScope picks the second word of the title as a scope when it
// reads like a component name: short, alphanumeric, no punctuation.
func commitScope(title string) string {
	words := strings.Fields(title)
	if len(words) < 2 {
		return ""
	}
	w := strings.ToLower(words[1])
	if len(w) == 0 || len(w) > 20 {
		return ""
	}
	for _, r := range w {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' && r != '_' {
			return ""
		}
	}
	return w
}

func commitBody(ctx context.Context, dir, branch string) (string, error) {
	out, err := runGitAllowFail(ctx, dir, "log", "--oneline", "--format=%s", "HEAD.."+branch)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, l := range splitLines(out) {
		l = hashPrefix.ReplaceAllString(l, "")
		if l == "" {
			continue
		}
		lines = append(lines, "- "+l)
	}
	return strings.Join(lines, "\n"), nil
}
