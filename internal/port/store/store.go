// Package store defines the record store port for intents, plus the shared
// change-validation guard every backend must run before writing. Keeping the
// guard here, not in the backends, is what makes the in-memory and durable
// implementations behave identically on immutability and lifecycle checks.
package store

import (
	"context"
	"time"

	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/safety"
)

// Filter selects intents in List. Zero values match everything.
type Filter struct {
	Kind       intent.Kind
	State      intent.State
	SourceType intent.SourceType
	Since      time.Time
	Until      time.Time
	Limit      int
}

// StepUpdate changes the operational status of one plan step. Step status is
// execution progress, not a governed field, so it is exempt from the
// post-approval freeze.
type StepUpdate struct {
	StepID string
	Status intent.StepStatus
	Output string
}

// Changes is a partial update to an intent. Nil pointers leave fields
// untouched. Fields under the post-approval freeze are rejected by
// ValidateChanges once the intent's current state is frozen.
type Changes struct {
	State  *intent.State
	Actor  string
	Reason string

	Summary        *string
	Classification *safety.Classification
	Result         *intent.ExecutionResult
	Metadata       map[string]string // merged key-by-key
	StepUpdate     *StepUpdate

	// Frozen after approval.
	Payload             map[string]any
	AffectedResources   []string
	ExpectedSideEffects []string
	RollbackStrategy    *string
	Plan                *intent.Plan
}

// Store is the port every record store backend must satisfy.
type Store interface {
	Create(ctx context.Context, in *intent.Intent) error
	Get(ctx context.Context, id string) (*intent.Intent, error)
	List(ctx context.Context, f Filter) ([]intent.Intent, error)
	// Update applies ch atomically after running ValidateChanges against the
	// intent's current state. Updates to the same id are serialized.
	Update(ctx context.Context, id string, ch Changes) (*intent.Intent, error)
	AddArtifact(ctx context.Context, id string, a intent.Artifact) error
	// History returns the transition log, oldest first.
	History(ctx context.Context, id string) ([]intent.Transition, error)
}
