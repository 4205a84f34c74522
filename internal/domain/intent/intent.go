// Package intent defines the Intent domain entity: a durable, governed
// proposal to perform side-effecting work. An intent must be classified
// and gated before anything is allowed to execute it.
package intent

import (
	"fmt"
	"time"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/safety"
)

// SourceType identifies what proposed an intent.
type SourceType string

const (
	SourceSprite   SourceType = "sprite"
	SourceAgent    SourceType = "agent"
	SourceTimer    SourceType = "timer"
	SourceOperator SourceType = "operator"
	SourceWebhook  SourceType = "webhook"
)

// Source records the proposer of an intent.
type Source struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id"`
}

// Transition is one append-only entry in an intent's lifecycle log.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Artifact is an output file or reference produced while executing an intent.
type Artifact struct {
	Name      string    `json:"name"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// ResultStatus is the outcome of running an approved intent.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// ExecutionResult is produced by the executor, never fabricated by the
// pipeline. A failure result is data, not an error: it is persisted,
// audited, and may trigger a rollback proposal.
type ExecutionResult struct {
	Status     ResultStatus `json:"status"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	Artifacts  []Artifact   `json:"artifacts,omitempty"`
	Executor   string       `json:"executor"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Intent is the unit of governed work.
type Intent struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	State   State  `json:"state"`
	Source  Source `json:"source"`
	Summary string `json:"summary"`

	Payload        map[string]any         `json:"payload,omitempty"`
	Classification *safety.Classification `json:"classification,omitempty"`

	// AffectedResources and ExpectedSideEffects are required non-empty for
	// action intents and frozen after approval.
	AffectedResources   []string `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string `json:"expected_side_effects,omitempty"`
	RollbackStrategy    *string  `json:"rollback_strategy,omitempty"`

	Plan        *Plan            `json:"plan,omitempty"`
	Transitions []Transition     `json:"transitions"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Artifacts   []Artifact       `json:"artifacts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata keys used for intent linkage.
const (
	MetaRollbackFor    = "rollback_for"    // set on a rollback intent, points at the failed original
	MetaRollbackIntent = "rollback_intent" // set on the failed original, points at its rollback intent
	MetaApprovalIssue  = "approval_issue"  // governance issue reference for human sign-off
)

// CreateRequest holds the fields needed to propose a new intent.
type CreateRequest struct {
	Kind                Kind              `json:"kind"`
	Source              Source            `json:"source"`
	Summary             string            `json:"summary"`
	Payload             map[string]any    `json:"payload,omitempty"`
	AffectedResources   []string          `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string          `json:"expected_side_effects,omitempty"`
	RollbackStrategy    *string           `json:"rollback_strategy,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Validate checks a create request against its kind definition.
func (r CreateRequest) Validate() error {
	def, ok := LookupKind(r.Kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", domain.ErrValidation, r.Kind)
	}
	if r.Summary == "" {
		return fmt.Errorf("%w: summary is required", domain.ErrValidation)
	}
	if r.Source.Type == "" {
		return fmt.Errorf("%w: source.type is required", domain.ErrValidation)
	}
	for _, f := range def.RequiredFields {
		switch f {
		case "affected_resources":
			if len(r.AffectedResources) == 0 {
				return fmt.Errorf("%w: affected_resources is required for %s intents", domain.ErrValidation, r.Kind)
			}
		case "expected_side_effects":
			if len(r.ExpectedSideEffects) == 0 {
				return fmt.Errorf("%w: expected_side_effects is required for %s intents", domain.ErrValidation, r.Kind)
			}
		default:
			if _, ok := r.Payload[f]; !ok {
				return fmt.Errorf("%w: payload field %q is required for %s intents", domain.ErrValidation, f, r.Kind)
			}
		}
	}
	return nil
}
