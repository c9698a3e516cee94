package lifecycle

// ItemRole distinguishes lost reports from found reports.
type ItemRole string

const (
	RoleLost  ItemRole = "lost"
	RoleFound ItemRole = "found"
)

// Valid reports whether r is a known role.
func (r ItemRole) Valid() bool { return r == RoleLost || r == RoleFound }

// ItemStatus tracks an item report from registration to closure.
type ItemStatus string

const (
	ItemOpen      ItemStatus = "open"
	ItemMatched   ItemStatus = "matched"
	ItemClaimed   ItemStatus = "claimed"
	ItemRecovered ItemStatus = "recovered"
	ItemClosed    ItemStatus = "closed"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemOpen:      {ItemMatched, ItemClosed},
	ItemMatched:   {ItemOpen, ItemClaimed},
	ItemClaimed:   {ItemRecovered},
	ItemRecovered: {ItemClosed},
}

// Matchable reports whether an item in state s may take part in a new match.
func (s ItemStatus) Matchable() bool {
	return s == ItemOpen || s == ItemMatched
}

// CanTransitionItem reports whether an item may move from one state to another.
func CanTransitionItem(from, to ItemStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckItemTransition returns a *TransitionError when from -> to is illegal.
func CheckItemTransition(id string, from, to ItemStatus) error {
	if !CanTransitionItem(from, to) {
		return &TransitionError{Entity: "item", ID: id, From: string(from), Event: string(to)}
	}
	return nil
}
