package engine

import "fmt"

// LedgerInconsistencyError is the hard alarm the ledger self-check raises
// on a fold mismatch. It is never an anticipated condition.
type LedgerInconsistencyError struct {
	AgentID  string
	Folded   int64
	Expected int64
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistent for agent %s: folded=%d expected=%d", e.AgentID, e.Folded, e.Expected)
}

// ErrLedgerInconsistent constructs a LedgerInconsistencyError.
func ErrLedgerInconsistent(agentID string, folded, expected int64) error {
	return &LedgerInconsistencyError{AgentID: agentID, Folded: folded, Expected: expected}
}
