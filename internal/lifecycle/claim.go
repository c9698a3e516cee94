package lifecycle

// ClaimStatus is the adjudication state of a single claim.
type ClaimStatus string

const (
	ClaimPending  ClaimStatus = "pending"
	ClaimApproved ClaimStatus = "approved"
	ClaimRejected ClaimStatus = "rejected"
	ClaimResolved ClaimStatus = "resolved"
)

// AutoRejectNote is attached to sibling claims rejected because another claim
// on the same match won.
const AutoRejectNote = "auto-rejected: another claim on this match was approved"

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimPending:  {ClaimApproved, ClaimRejected},
	ClaimApproved: {ClaimResolved},
}

// Valid reports whether s is a known claim status.
func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimPending, ClaimApproved, ClaimRejected, ClaimResolved:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s ClaimStatus) Terminal() bool {
	return len(claimTransitions[s]) == 0
}

// CanTransitionClaim reports whether a claim may move from one state to another.
func CanTransitionClaim(from, to ClaimStatus) bool {
	for _, next := range claimTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckClaimTransition returns a *TransitionError when from -> to is illegal.
// A rejection additionally requires a non-empty administrator note.
func CheckClaimTransition(id string, from, to ClaimStatus, note string) error {
	if !CanTransitionClaim(from, to) {
		return &TransitionError{Entity: "claim", ID: id, From: string(from), Event: string(to)}
	}
	if to == ClaimRejected && note == "" {
		return &TransitionError{Entity: "claim", ID: id, From: string(from), Event: string(to), Reason: "an administrator note is required"}
	}
	return nil
}
