// Package sprite defines the per-worker state model: observed and desired
// states, health derivation, and the bounded tag map. The mutable Status
// record is owned exclusively by one state machine instance; everything
// outside that instance sees copies.
package sprite

import (
	"fmt"
	"time"

	"github.com/spritelab/fleetd/internal/domain"
)

// State is a sprite's operational state as reported by the sandbox API.
type State string

// Full profile states.
const (
	StateHibernating State = "hibernating"
	StateWaking      State = "waking"
	StateReady       State = "ready"
	StateBusy        State = "busy"
	StateError       State = "error"
)

// Simple profile states, for deployments that only distinguish
// cold storage, warm standby, and active execution.
const (
	StateCold    State = "cold"
	StateWarm    State = "warm"
	StateRunning State = "running"
)

// Profile selects which state enum a deployment uses.
type Profile string

const (
	ProfileFull   Profile = "full"
	ProfileSimple Profile = "simple"
)

// ParseState maps a raw API status string to a State under the given
// profile. Unknown strings degrade to the profile's safe default rather
// than failing: a malformed status must never crash a reconcile cycle.
func ParseState(raw string, p Profile) State {
	s := State(raw)
	if p == ProfileSimple {
		switch s {
		case StateCold, StateWarm, StateRunning:
			return s
		}
		return StateCold
	}
	switch s {
	case StateHibernating, StateWaking, StateReady, StateBusy, StateError:
		return s
	}
	return StateHibernating
}

// Health is the derived condition of a sprite's reconciliation.
type Health string

const (
	HealthOK         Health = "ok"         // observed == desired
	HealthConverging Health = "converging" // corrective action just taken
	HealthDegraded   Health = "degraded"   // retrying under the failure cap
	HealthError      Health = "error"      // failure count exceeded max retries
)

// DeriveHealth computes health from the current cycle's outcome.
// actionTaken means this cycle issued a corrective call that succeeded.
func DeriveHealth(observed, desired State, failureCount, maxRetries int, actionTaken bool) Health {
	if failureCount > maxRetries {
		return HealthError
	}
	if failureCount > 0 {
		return HealthDegraded
	}
	if actionTaken {
		return HealthConverging
	}
	if observed == desired {
		return HealthOK
	}
	return HealthConverging
}

// Status is the mutable per-sprite record.
type Status struct {
	ID             string            `json:"id"`
	ObservedState  State             `json:"observed_state"`
	DesiredState   State             `json:"desired_state"`
	FailureCount   int               `json:"failure_count"`
	BackoffMS      int64             `json:"backoff_ms"`
	NotFoundCount  int               `json:"not_found_count"`
	Health         Health            `json:"health"`
	Tags           map[string]string `json:"tags,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastObservedAt time.Time         `json:"last_observed_at,omitzero"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Tag bounds.
const (
	MaxTags        = 16
	MaxTagKeyLen   = 64
	MaxTagValueLen = 256
)

// ValidateTags enforces the tag map bounds.
func ValidateTags(tags map[string]string) error {
	if len(tags) > MaxTags {
		return fmt.Errorf("%w: at most %d tags allowed", domain.ErrValidation, MaxTags)
	}
	for k, v := range tags {
		if k == "" {
			return fmt.Errorf("%w: empty tag key", domain.ErrValidation)
		}
		if len(k) > MaxTagKeyLen {
			return fmt.Errorf("%w: tag key %q exceeds %d chars", domain.ErrValidation, k, MaxTagKeyLen)
		}
		if len(v) > MaxTagValueLen {
			return fmt.Errorf("%w: tag value for %q exceeds %d chars", domain.ErrValidation, k, MaxTagValueLen)
		}
	}
	return nil
}

// ReconcileOutcome reports what a single reconciliation cycle did.
type ReconcileOutcome string

const (
	OutcomeNoChange ReconcileOutcome = "no_change"
	OutcomeSuccess  ReconcileOutcome = "success"
	OutcomeFailure  ReconcileOutcome = "failure"
	OutcomeDeleted  ReconcileOutcome = "deleted"
)

// ReconcileResult is published after every cycle.
type ReconcileResult struct {
	SpriteID string           `json:"sprite_id"`
	Outcome  ReconcileOutcome `json:"outcome"`
	Observed State            `json:"observed"`
	Desired  State            `json:"desired"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// StateChange is published when the observed state moves.
type StateChange struct {
	SpriteID string    `json:"sprite_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
}

// HealthChange is published when derived health moves.
type HealthChange struct {
	SpriteID string    `json:"sprite_id"`
	From     Health    `json:"from"`
	To       Health    `json:"to"`
	At       time.Time `json:"at"`
}
