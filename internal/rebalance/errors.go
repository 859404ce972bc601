package rebalance

import (
	"errors"
	"fmt"
)

// Precondition errors: data or protocol misuse. Runs failed with one of
// these must not be retried by the dispatcher.
var (
	ErrPortfolioNotFound   = errors.New("portfolio not found")
	ErrRiskProfileNotFound = errors.New("risk profile not found")
	ErrRunNotFound         = errors.New("rebalance run not found")
	ErrRunNotExecutable    = errors.New("rebalance run is not in computing state")
	ErrNoReferencePrice    = errors.New("no reference price for asset")
)

// IsPrecondition reports whether err is a data/misuse failure rather than a
// transient one.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPortfolioNotFound) ||
		errors.Is(err, ErrRiskProfileNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrRunNotExecutable) ||
		errors.Is(err, ErrNoReferencePrice)
}

// ExecutionError wraps any failure raised once trade submission has begun.
// Retrying the same run would resubmit trades that may already have filled,
// so recovery requires a fresh compute with a fresh run id.
type ExecutionError struct {
	RunID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("rebalance execution failed for run %s: %v", e.RunID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
