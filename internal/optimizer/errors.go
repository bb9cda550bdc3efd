package optimizer

import (
	"errors"
	"fmt"
)

var (
	ErrCostLimitExceeded       = errors.New("estimated cost exceeds limit")
	ErrNoCandidateWithinBudget = errors.New("no candidate within budget")
	ErrAllCandidatesFailed     = errors.New("all candidates failed")
	ErrInvalidQuality          = errors.New("invalid quality tier")
)

// CostLimitError is returned before any provider call when the estimated
// cost of the selected model is above the limit.
type CostLimitError struct {
	Model     string
	Estimated float64
	Limit     float64
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("estimated cost $%.6f for %s exceeds limit $%.6f", e.Estimated, e.Model, e.Limit)
}

func (e *CostLimitError) Is(target error) bool {
	return target == ErrCostLimitExceeded
}
