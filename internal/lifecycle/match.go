// Package lifecycle holds the legal-transition tables for items, matches and
// claims. The tables are pure; persistence and locking live in storage.
package lifecycle

// MatchStatus is the state of a candidate pairing.
type MatchStatus string

const (
	MatchPendingClaim  MatchStatus = "pending_claim"
	MatchUnderApproval MatchStatus = "under_approval"
	MatchClaimApproved MatchStatus = "claim_approved"
	MatchArchived      MatchStatus = "archived"
)

// MatchEvent triggers a match transition.
type MatchEvent string

const (
	EventClaimSubmitted MatchEvent = "claim_submitted"
	EventClaimApproved  MatchEvent = "claim_approved"
	EventClaimRejected  MatchEvent = "claim_rejected"
	EventArchive        MatchEvent = "archive"
)

// Valid reports whether s is a known match status.
func (s MatchStatus) Valid() bool {
	switch s {
	case MatchPendingClaim, MatchUnderApproval, MatchClaimApproved, MatchArchived:
		return true
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s MatchStatus) Terminal() bool {
	return s == MatchClaimApproved || s == MatchArchived
}

// AcceptsClaims reports whether new claims may be attached in state s.
func (s MatchStatus) AcceptsClaims() bool {
	return s == MatchPendingClaim || s == MatchUnderApproval
}

// NextMatchStatus returns the state a match in from moves to on ev.
// pendingRemaining is the number of claims still pending after the event was
// applied to the claim itself; it only matters for EventClaimRejected.
func NextMatchStatus(id string, from MatchStatus, ev MatchEvent, pendingRemaining int) (MatchStatus, error) {
	switch ev {
	case EventClaimSubmitted:
		if from.AcceptsClaims() {
			return MatchUnderApproval, nil
		}
	case EventClaimApproved:
		if from == MatchUnderApproval {
			return MatchClaimApproved, nil
		}
	case EventClaimRejected:
		if from == MatchUnderApproval {
			if pendingRemaining > 0 {
				return MatchUnderApproval, nil
			}
			return MatchPendingClaim, nil
		}
	case EventArchive:
		if from == MatchPendingClaim {
			return MatchArchived, nil
		}
	}
	return "", &TransitionError{Entity: "match", ID: id, From: string(from), Event: string(ev)}
}
