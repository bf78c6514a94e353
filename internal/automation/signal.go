package automation

import "regexp"

// SignalKind enumerates the tags an agent's response text may contain
// (§6 "Signal tags inside agent responses").
type SignalKind string

const (
	SignalComplete SignalKind = "complete"
	SignalBlocked  SignalKind = "blocked"
	SignalApprove  SignalKind = "approve"
	SignalReject   SignalKind = "reject"
)

// Signal is one parsed tag, plus whichever attribute it carried.
type Signal struct {
	Kind   SignalKind
	Reason string // blocked/reject reason, or approve/reject review reason
}

var signalTagRE = regexp.MustCompile(`<(complete|blocked|approve|reject)(?:\s+reason="([^"]*)")?\s*/>`)

// ScanForSignal looks for the last recognized signal tag in an agent's
// response text. Only the last match matters: an agent may think aloud
// about blocking before recovering and completing, and the final tag is
// authoritative (§4.2 step 8, "parse its response for a signal using a
// line/tag scan").
func ScanForSignal(text string) (Signal, bool) {
	matches := signalTagRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return Signal{}, false
	}
	last := matches[len(matches)-1]
	return Signal{Kind: SignalKind(last[1]), Reason: last[2]}, true
}
