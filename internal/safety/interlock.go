package safety

import (
	"fmt"

	"github.com/g960059/autoclick/internal/model"
)

// Decision is the outcome of evaluating one detection cycle.
type Decision struct {
	Permit      bool
	NewlyLocked bool
}

// Interlock latches when a cycle observes more changes than the
// threshold allows. Only Reset clears the lock.
type Interlock struct {
	threshold int
	current   int
	locked    bool
}

func New(threshold int) (*Interlock, error) {
	in := &Interlock{}
	if err := in.SetThreshold(threshold); err != nil {
		return nil, err
	}
	return in, nil
}

// Evaluate replaces the current batch count with observed and reports
// whether dispatch is permitted after the update.
func (in *Interlock) Evaluate(observed int) Decision {
	if observed < 0 {
		observed = 0
	}
	in.current = observed
	newly := false
	if observed > in.threshold && !in.locked {
		in.locked = true
		newly = true
	}
	return Decision{Permit: !in.locked, NewlyLocked: newly}
}

// Reset is the operator acknowledgement of a breach.
func (in *Interlock) Reset() {
	in.locked = false
	in.current = 0
}

func (in *Interlock) SetThreshold(threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("threshold must be positive, got %d", threshold)
	}
	in.threshold = threshold
	return nil
}

func (in *Interlock) Locked() bool {
	return in.locked
}

func (in *Interlock) State() model.SafetyState {
	return model.SafetyState{
		ThresholdMaxChanges:     in.threshold,
		CurrentBatchChangeCount: in.current,
		Locked:                  in.locked,
	}
}
