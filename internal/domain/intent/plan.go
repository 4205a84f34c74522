package intent

import (
	"fmt"

	"github.com/spritelab/fleetd/internal/domain"
)

// StepStatus is the independent status of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one ordered unit of a plan.
type Step struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Output string     `json:"output,omitempty"`
}

// Plan is a structured, version-tracked breakdown of how an intent will be
// carried out. The plan body is frozen with the rest of the governed fields
// after approval; step statuses are operational data and stay writable.
type Plan struct {
	Title   string `json:"title"`
	Version int    `json:"version"`
	Steps   []Step `json:"steps"`
}

// Validate checks plan shape before it is attached.
func (p Plan) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("%w: plan title is required", domain.ErrValidation)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan must have at least one step", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", domain.ErrValidation, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", domain.ErrValidation, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// ValidStepStatus reports whether s is a known step status.
func ValidStepStatus(s StepStatus) bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}
