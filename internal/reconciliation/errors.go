package reconciliation

import (
	"errors"
	"fmt"

	"github.com/leakwatch/auditor/internal/domain"
)

// ErrMissingInput matches every MissingInputError.
var ErrMissingInput = errors.New("missing input")

// MissingInputError reports that a detector could not run because a record
// set it compares is empty. It is returned, never retried.
type MissingInputError struct {
	Detector domain.FindingKind
	Input    string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s: no %s to compare", e.Detector, e.Input)
}

// Is implements errors.Is support
func (e *MissingInputError) Is(target error) bool {
	return target == ErrMissingInput
}

// AmbiguousKeyWarning reports several contracts sharing one key. Processing
// continues with the contract chosen by the tie-break policy.
type AmbiguousKeyWarning struct {
	Key         domain.ServiceKey
	ContractIDs []string
	Chosen      string
	TieBreak    TieBreak
}

func (w AmbiguousKeyWarning) String() string {
	if w.TieBreak == TieBreakEffectiveDate {
		return fmt.Sprintf("%d contracts for %s %v: resolved per billing date",
			len(w.ContractIDs), w.Key, w.ContractIDs)
	}
	return fmt.Sprintf("%d contracts for %s %v: using %s (%s)",
		len(w.ContractIDs), w.Key, w.ContractIDs, w.Chosen, w.TieBreak)
}
