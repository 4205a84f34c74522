// Package service holds the control-plane services: the intent governance
// pipeline, approval glue, run bridging, rollback proposal, and observation
// intake. Services own no entity state; everything durable lives in the
// record store and everything per-sprite lives in its machine.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	fleetotel "github.com/spritelab/fleetd/internal/adapter/otel"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/safety"
	"github.com/spritelab/fleetd/internal/port/bus"
	"github.com/spritelab/fleetd/internal/port/store"
)

// Intent event types.
const (
	EventIntentProposed   = "intent.proposed"
	EventIntentTransition = "intent.transition"
)

// TransitionEvent is the payload published for every lifecycle move.
type TransitionEvent struct {
	IntentID string       `json:"intent_id"`
	From     intent.State `json:"from"`
	To       intent.State `json:"to"`
	Actor    string       `json:"actor"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

// Pipeline is the only path by which an intent reaches approved.
type Pipeline struct {
	store   store.Store
	bus     bus.Bus
	metrics *fleetotel.Metrics
	policy  safety.Policy
	log     *slog.Logger
}

// NewPipeline creates the governance pipeline.
func NewPipeline(st store.Store, b bus.Bus, m *fleetotel.Metrics, policy safety.Policy, log *slog.Logger) *Pipeline {
	return &Pipeline{store: st, bus: b, metrics: m, policy: policy, log: log}
}

// Propose validates and persists a new intent, then auto-advances it
// through classification and gating. The returned intent reflects the
// state after gating: approved or awaiting_approval.
func (p *Pipeline) Propose(ctx context.Context, req intent.CreateRequest) (*intent.Intent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	in := &intent.Intent{
		ID:                  uuid.NewString(),
		Kind:                req.Kind,
		State:               intent.StateProposed,
		Source:              req.Source,
		Summary:             req.Summary,
		Payload:             req.Payload,
		AffectedResources:   req.AffectedResources,
		ExpectedSideEffects: req.ExpectedSideEffects,
		RollbackStrategy:    req.RollbackStrategy,
		Metadata:            req.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := p.store.Create(ctx, in); err != nil {
		return nil, err
	}

	p.publish(ctx, in.ID, EventIntentProposed, in)
	if p.metrics != nil {
		p.metrics.IntentsProposed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", string(req.Kind))))
	}
	p.log.Info("intent proposed", "intent", in.ID, "kind", in.Kind, "source", in.Source.Type)

	return p.Classify(ctx, in.ID)
}

// Classify looks up the intent's classification, persists it, and continues
// to the gate. Idempotent: classifying an already-classified intent is a
// lookup with the same result, and an intent past classified is returned
// unchanged.
func (p *Pipeline) Classify(ctx context.Context, id string) (*intent.Intent, error) {
	in, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.State != intent.StateProposed {
		return in, nil
	}

	c := intent.Classify(in.Kind, in.Payload)
	in, err = p.transition(ctx, id, intent.StateClassified, "classifier", string(c), store.Changes{
		Classification: &c,
	})
	if err != nil {
		return nil, err
	}
	return p.gate(ctx, in)
}

// gate applies the safety gate and moves the intent to approved or
// awaiting_approval.
func (p *Pipeline) gate(ctx context.Context, in *intent.Intent) (*intent.Intent, error) {
	capability, _ := in.Payload["capability"].(string)
	decision := safety.Gate(*in.Classification, capability, in.AffectedResources, p.policy)

	if decision == safety.DecisionAllow {
		return p.transition(ctx, in.ID, intent.StateApproved, "policy", "auto-approved: "+string(*in.Classification), store.Changes{})
	}
	return p.transition(ctx, in.ID, intent.StateAwaitingApproval, "policy", string(decision), store.Changes{})
}

// Approve records a human or policy approval.
func (p *Pipeline) Approve(ctx context.Context, id, actor, reason string) (*intent.Intent, error) {
	in, err := p.transition(ctx, id, intent.StateApproved, actor, reason, store.Changes{})
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ApprovalsDecided.Add(ctx, 1,
			metric.WithAttributes(attribute.String("decision", "approved")))
	}
	return in, nil
}

// Reject records a rejection, a terminal state.
func (p *Pipeline) Reject(ctx context.Context, id, actor, reason string) (*intent.Intent, error) {
	in, err := p.transition(ctx, id, intent.StateRejected, actor, reason, store.Changes{})
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ApprovalsDecided.Add(ctx, 1,
			metric.WithAttributes(attribute.String("decision", "rejected")))
	}
	return in, nil
}

// Cancel withdraws a pre-execution intent. The lifecycle table limits it to
// proposed, classified, awaiting_approval, and approved states.
func (p *Pipeline) Cancel(ctx context.Context, id, actor, reason string) (*intent.Intent, error) {
	return p.transition(ctx, id, intent.StateCanceled, actor, reason, store.Changes{})
}

// AttachPlan attaches or replaces the structured plan. The store guard
// rejects it with ErrImmutable once the intent is approved.
func (p *Pipeline) AttachPlan(ctx context.Context, id string, plan *intent.Plan) (*intent.Intent, error) {
	return p.store.Update(ctx, id, store.Changes{Plan: plan})
}

// UpdatePlanStep updates one step's operational status. Exempt from the
// post-approval freeze.
func (p *Pipeline) UpdatePlanStep(ctx context.Context, id string, su store.StepUpdate) (*intent.Intent, error) {
	return p.store.Update(ctx, id, store.Changes{StepUpdate: &su})
}

// Start moves an approved intent to running on behalf of an executor.
func (p *Pipeline) Start(ctx context.Context, id, executor string) (*intent.Intent, error) {
	return p.transition(ctx, id, intent.StateRunning, executor, "execution started", store.Changes{})
}

// RecordResult finishes a running intent with its execution result. A
// failure with a rollback strategy proposes a compensating maintenance
// intent through the normal pipeline.
func (p *Pipeline) RecordResult(ctx context.Context, id string, res intent.ExecutionResult) (*intent.Intent, error) {
	to := intent.StateCompleted
	reason := "execution succeeded"
	if res.Status == intent.ResultFailure {
		to = intent.StateFailed
		reason = "execution failed"
	}

	in, err := p.transition(ctx, id, to, res.Executor, reason, store.Changes{Result: &res})
	if err != nil {
		return nil, err
	}

	if to == intent.StateFailed && in.RollbackStrategy != nil {
		if rbErr := p.proposeRollback(ctx, in); rbErr != nil {
			p.log.Error("rollback proposal failed", "intent", id, "error", rbErr)
		}
	}
	return in, nil
}

// Get returns one intent.
func (p *Pipeline) Get(ctx context.Context, id string) (*intent.Intent, error) {
	return p.store.Get(ctx, id)
}

// List returns intents matching the filter.
func (p *Pipeline) List(ctx context.Context, f store.Filter) ([]intent.Intent, error) {
	return p.store.List(ctx, f)
}

// History returns an intent's transition log, oldest first.
func (p *Pipeline) History(ctx context.Context, id string) ([]intent.Transition, error) {
	return p.store.History(ctx, id)
}

// transition applies a guarded state change plus extra changes and emits
// the transition event and metric.
func (p *Pipeline) transition(ctx context.Context, id string, to intent.State, actor, reason string, extra store.Changes) (*intent.Intent, error) {
	extra.State = &to
	extra.Actor = actor
	extra.Reason = reason

	in, err := p.store.Update(ctx, id, extra)
	if err != nil {
		return nil, fmt.Errorf("transition to %s: %w", to, err)
	}

	last := in.Transitions[len(in.Transitions)-1]
	ev := TransitionEvent{
		IntentID: id,
		From:     last.From,
		To:       last.To,
		Actor:    actor,
		Reason:   reason,
		At:       last.At,
	}
	p.publish(ctx, id, EventIntentTransition, ev)
	if p.metrics != nil {
		p.metrics.IntentTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(last.From)),
			attribute.String("to", string(last.To)),
		))
	}
	p.log.Info("intent transitioned", "intent", id, "from", last.From, "to", last.To, "actor", actor)
	return in, nil
}

// publish fans an intent event out to the per-intent and all-intents channels.
func (p *Pipeline) publish(ctx context.Context, id, eventType string, payload any) {
	p.bus.Publish(ctx, bus.ChannelIntent(id), eventType, payload)
	p.bus.Publish(ctx, bus.ChannelIntentsAll, eventType, payload)
}
