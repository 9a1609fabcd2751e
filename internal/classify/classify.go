// Package classify maps a session's scope signals to a complexity tier.
// Classification is a pure function; the monotonic upgrade rule keeps a
// session from discarding structure already built for a higher tier.
package classify

import "github.com/ldi/trellis/pkg/models"

// Signals is the tuple a session is classified on. TaskCount is derived
// from the store; the rest are caller-supplied estimates.
type Signals struct {
	TaskCount           int
	ModuleCount         int
	EffortHours         float64
	ComplexDependencies bool
	MultiRepository     bool
}

// Classify evaluates the decision table top to bottom, first match wins.
func Classify(s Signals) models.Complexity {
	if s.TaskCount > 15 || s.ModuleCount > 5 || s.EffortHours > 16 || s.MultiRepository {
		return models.ComplexityComplex
	}
	if s.TaskCount >= 5 || s.ModuleCount > 3 || s.EffortHours > 4 || s.ComplexDependencies {
		return models.ComplexityMedium
	}
	return models.ComplexitySimple
}

// Upgrade applies the monotonic rule: a proposed tier below the current
// one is a no-op, never a downgrade.
func Upgrade(current, proposed models.Complexity) models.Complexity {
	if current.AtLeast(proposed) {
		return current
	}
	return proposed
}
