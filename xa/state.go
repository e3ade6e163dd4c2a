package xa

import "fmt"

// BranchState is the life cycle of one participant branch.
type BranchState int

const (
	BranchCreated BranchState = iota
	BranchActive
	BranchEnded
	BranchPrepared
	BranchCommitted
	BranchAborting
	BranchAborted
)

var branchStateNames = [...]string{
	BranchCreated:   "CREATED",
	BranchActive:    "ACTIVE",
	BranchEnded:     "ENDED",
	BranchPrepared:  "PREPARED",
	BranchCommitted: "COMMITTED",
	BranchAborting:  "ABORTING",
	BranchAborted:   "ABORTED",
}

func (s BranchState) String() string {
	if s < 0 || int(s) >= len(branchStateNames) {
		return fmt.Sprintf("BranchState(%d)", int(s))
	}
	return branchStateNames[s]
}

var branchTransitions = map[BranchState][]BranchState{
	BranchCreated:  {BranchActive, BranchAborting},
	BranchActive:   {BranchEnded, BranchAborting},
	BranchEnded:    {BranchPrepared, BranchCommitted, BranchAborting},
	BranchPrepared: {BranchCommitted, BranchAborting},
	BranchAborting: {BranchAborted},
}

// CanTransition reports whether from -> to is a legal branch move.
// ENDED -> COMMITTED is the one-phase commit shortcut.
func (s BranchState) CanTransition(to BranchState) bool {
	for _, t := range branchTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal states accept no further directives.
func (s BranchState) Terminal() bool {
	return s == BranchCommitted || s == BranchAborted
}

// GlobalState is the coordinator's view of the whole transaction.
type GlobalState int

const (
	GlobalInProgress GlobalState = iota
	GlobalCommitting
	GlobalCommitted
	GlobalAborting
	GlobalAborted
)

var globalStateNames = [...]string{
	GlobalInProgress: "IN_PROGRESS",
	GlobalCommitting: "COMMITTING",
	GlobalCommitted:  "COMMITTED",
	GlobalAborting:   "ABORTING",
	GlobalAborted:    "ABORTED",
}

func (s GlobalState) String() string {
	if s < 0 || int(s) >= len(globalStateNames) {
		return fmt.Sprintf("GlobalState(%d)", int(s))
	}
	return globalStateNames[s]
}

var globalTransitions = map[GlobalState][]GlobalState{
	GlobalInProgress: {GlobalCommitting, GlobalAborting},
	GlobalCommitting: {GlobalCommitted},
	GlobalAborting:   {GlobalAborted},
}

func (s GlobalState) CanTransition(to GlobalState) bool {
	for _, t := range globalTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func (s GlobalState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s BranchState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
