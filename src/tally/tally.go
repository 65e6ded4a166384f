// Package tally computes a verdict from vote counts and thresholds. It is
// pure: callers own locking and persistence.
package tally

type Verdict uint8

const (
	VerdictNone Verdict = iota
	VerdictAccept
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	}
	return "none"
}

// Thresholds are the vote counts required to arm each outcome. Both must be
// positive; the settings reader clamps lower values.
type Thresholds struct {
	Accept int
	Reject int
}

// Counts is the current vote distribution for one application.
type Counts struct {
	Approve int
	Reject  int
}

// Evaluate returns the verdict the counts support. When both thresholds are
// met in the same evaluation, acceptance wins; that ordering is fixed, not
// configurable.
func Evaluate(c Counts, t Thresholds) Verdict {
	if c.Approve >= t.Accept {
		return VerdictAccept
	}
	if c.Reject >= t.Reject {
		return VerdictReject
	}
	return VerdictNone
}
