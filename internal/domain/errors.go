package domain

import "errors"

// Error taxonomy for the simulation core. Callers distinguish these with
// errors.Is; everything else aborts the run.
var (
	// ErrInsufficientData marks a ticker that lacks enough price history to
	// enter correlation/clustering. Excluded, not fatal.
	ErrInsufficientData = errors.New("insufficient price history")

	// ErrConstraintInfeasible means the admissible candidate set is empty
	// after constraints. Fatal for that rebalance; the prior portfolio is
	// held over.
	ErrConstraintInfeasible = errors.New("constraints left no admissible candidates")

	// ErrLotNotFound means a sell request exceeds the open lots for a
	// ticker. Fatal: it indicates a bookkeeping bug upstream (no short
	// selling is supported).
	ErrLotNotFound = errors.New("sell exceeds open lots")

	// ErrNegativeCash means buy instructions exceed available settled cash.
	// Fatal: it indicates a sizing bug.
	ErrNegativeCash = errors.New("buys exceed available cash")
)
