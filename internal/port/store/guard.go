package store

import (
	"fmt"
	"time"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
)

// ValidateChanges rejects a changeset before any write. Both backends call
// this with the intent's current state: a frozen-field mutation fails with
// ErrImmutable before anything is touched, and state changes go through
// lifecycle validation instead of being written blind.
func ValidateChanges(cur *intent.Intent, ch Changes) error {
	if intent.Frozen(cur.State) && touchesFrozenFields(ch) {
		return fmt.Errorf("%w: intent %s is %s", domain.ErrImmutable, cur.ID, cur.State)
	}

	if ch.State != nil {
		if !ch.State.Valid() {
			return fmt.Errorf("%w: unknown state %q", domain.ErrValidation, *ch.State)
		}
		if err := intent.ValidateTransition(cur.State, *ch.State); err != nil {
			return fmt.Errorf("intent %s: %w", cur.ID, err)
		}
	}

	if ch.Plan != nil {
		if err := ch.Plan.Validate(); err != nil {
			return err
		}
	}

	if su := ch.StepUpdate; su != nil {
		if !intent.ValidStepStatus(su.Status) {
			return fmt.Errorf("%w: unknown step status %q", domain.ErrValidation, su.Status)
		}
		if cur.Plan == nil {
			return fmt.Errorf("%w: intent %s has no plan", domain.ErrValidation, cur.ID)
		}
		if !hasStep(cur.Plan, su.StepID) {
			return fmt.Errorf("step %s: %w", su.StepID, domain.ErrNotFound)
		}
	}

	return nil
}

// touchesFrozenFields reports whether ch mutates any governed field.
// Step status updates are operational and deliberately excluded.
func touchesFrozenFields(ch Changes) bool {
	return ch.Payload != nil ||
		ch.AffectedResources != nil ||
		ch.ExpectedSideEffects != nil ||
		ch.RollbackStrategy != nil ||
		ch.Plan != nil
}

// ApplyChanges mutates in according to ch. Callers must have run
// ValidateChanges first; sharing the apply step keeps every backend's
// write semantics field-for-field identical.
func ApplyChanges(in *intent.Intent, ch Changes, now time.Time) {
	if ch.State != nil && *ch.State != in.State {
		in.Transitions = append(in.Transitions, intent.Transition{
			From:   in.State,
			To:     *ch.State,
			Actor:  ch.Actor,
			Reason: ch.Reason,
			At:     now,
		})
		in.State = *ch.State
	}
	if ch.Summary != nil {
		in.Summary = *ch.Summary
	}
	if ch.Classification != nil {
		in.Classification = ch.Classification
	}
	if ch.Result != nil {
		in.Result = ch.Result
	}
	if ch.Payload != nil {
		in.Payload = ch.Payload
	}
	if ch.AffectedResources != nil {
		in.AffectedResources = ch.AffectedResources
	}
	if ch.ExpectedSideEffects != nil {
		in.ExpectedSideEffects = ch.ExpectedSideEffects
	}
	if ch.RollbackStrategy != nil {
		in.RollbackStrategy = ch.RollbackStrategy
	}
	if ch.Plan != nil {
		plan := *ch.Plan
		if in.Plan != nil {
			plan.Version = in.Plan.Version + 1
		} else {
			plan.Version = 1
		}
		in.Plan = &plan
	}
	if su := ch.StepUpdate; su != nil && in.Plan != nil {
		for i := range in.Plan.Steps {
			if in.Plan.Steps[i].ID == su.StepID {
				in.Plan.Steps[i].Status = su.Status
				if su.Output != "" {
					in.Plan.Steps[i].Output = su.Output
				}
				break
			}
		}
	}
	if ch.Metadata != nil {
		if in.Metadata == nil {
			in.Metadata = make(map[string]string, len(ch.Metadata))
		}
		for k, v := range ch.Metadata {
			in.Metadata[k] = v
		}
	}
	in.UpdatedAt = now
}

func hasStep(p *intent.Plan, id string) bool {
	for _, s := range p.Steps {
		if s.ID == id {
			return true
		}
	}
	return false
}
