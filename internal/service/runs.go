package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	fleetotel "github.com/spritelab/fleetd/internal/adapter/otel"
	"github.com/spritelab/fleetd/internal/config"
	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/run"
	"github.com/spritelab/fleetd/internal/fleet"
	"github.com/spritelab/fleetd/internal/port/bus"
	"github.com/spritelab/fleetd/internal/port/sandbox"
)

// Runs executes approved intents on sprites and tracks the resulting
// execution sessions. Run records are ephemeral operational state; the
// durable outcome lands on the intent as an ExecutionResult.
type Runs struct {
	pipeline *Pipeline
	api      sandbox.API
	bus      bus.Bus
	cfg      config.Sprite
	log      *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run.Run
}

// NewRuns creates the run executor.
func NewRuns(p *Pipeline, api sandbox.API, b bus.Bus, cfg config.Sprite, log *slog.Logger) *Runs {
	return &Runs{
		pipeline: p,
		api:      api,
		bus:      b,
		cfg:      cfg,
		log:      log,
		runs:     make(map[string]*run.Run),
	}
}

// Execute starts executing an approved intent on the given sprite. The
// intent moves to running synchronously; the command itself runs in the
// background and its result is recorded when the session ends.
func (r *Runs) Execute(ctx context.Context, intentID, spriteID string) (*run.Run, error) {
	in, err := r.pipeline.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	command, _ := in.Payload["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("%w: payload.command is required to execute", domain.ErrValidation)
	}

	if _, err := r.pipeline.Start(ctx, intentID, "run-executor"); err != nil {
		return nil, err
	}

	rn := &run.Run{
		ID:        uuid.NewString(),
		IntentID:  intentID,
		SpriteID:  spriteID,
		Executor:  "run-executor",
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.runs[rn.ID] = rn
	r.mu.Unlock()

	r.publish(ctx, rn, run.EventStarted, "", "")

	go r.execute(context.WithoutCancel(ctx), rn.ID, intentID, spriteID, command)
	return copyRun(rn), nil
}

// execute drives the sandbox session to completion and records the result.
func (r *Runs) execute(ctx context.Context, runID, intentID, spriteID, command string) {
	ctx, span := fleetotel.StartRunSpan(ctx, runID, intentID, spriteID)
	defer span.End()

	result := intent.ExecutionResult{
		Executor:  "run-executor",
		StartedAt: time.Now().UTC(),
	}

	session, err := r.api.ExecStreaming(ctx, spriteID, command)
	var res sandbox.ExecResult
	if err == nil {
		res, err = fleet.CollectOutput(ctx, session, r.cfg.SessionIdleTimeout)
	}

	result.FinishedAt = time.Now().UTC()
	result.Output = res.Output
	switch {
	case err != nil:
		result.Status = intent.ResultFailure
		result.Error = err.Error()
	case res.ExitCode != 0:
		result.Status = intent.ResultFailure
		result.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
	default:
		result.Status = intent.ResultSuccess
	}

	r.finish(ctx, runID, res, result)
}

func (r *Runs) finish(ctx context.Context, runID string, res sandbox.ExecResult, result intent.ExecutionResult) {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rn.Output = result.Output
	rn.Error = result.Error
	rn.ExitCode = &res.ExitCode
	rn.FinishedAt = &now
	if result.Status == intent.ResultSuccess {
		rn.Status = run.StatusCompleted
	} else {
		rn.Status = run.StatusFailed
	}
	intentID := rn.IntentID
	r.mu.Unlock()

	if _, err := r.pipeline.RecordResult(ctx, intentID, result); err != nil {
		r.log.Error("result recording failed", "run", runID, "intent", intentID, "error", err)
	}
	r.publish(ctx, rn, run.EventFinished, result.Error, "")
}

// Get returns one run.
func (r *Runs) Get(id string) (*run.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return copyRun(rn), nil
}

// List returns all runs, newest first.
func (r *Runs) List() []*run.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*run.Run, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, copyRun(rn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// MarkBlocked suspends a run on an external dependency.
func (r *Runs) MarkBlocked(ctx context.Context, id, reason string) error {
	return r.setSuspended(ctx, id, run.StatusBlocked, reason, "")
}

// MarkWaiting suspends a run on a question needing human input.
func (r *Runs) MarkWaiting(ctx context.Context, id, question string) error {
	return r.setSuspended(ctx, id, run.StatusWaitingForInput, "", question)
}

func (r *Runs) setSuspended(ctx context.Context, id string, status run.Status, reason, question string) error {
	r.mu.Lock()
	rn, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if rn.Status != run.StatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: run %s is %s", domain.ErrInvalidTransition, id, rn.Status)
	}
	rn.Status = status
	rn.BlockedReason = reason
	rn.PendingQuestion = question
	r.mu.Unlock()

	eventType := run.EventBlocked
	if status == run.StatusWaitingForInput {
		eventType = run.EventWaitingForInput
	}
	r.publish(ctx, rn, eventType, reason, question)
	return nil
}

// Answer resumes a run that is waiting for input or blocked.
func (r *Runs) Answer(ctx context.Context, id, answer string) (*run.Run, error) {
	r.mu.Lock()
	rn, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if rn.Status != run.StatusWaitingForInput && rn.Status != run.StatusBlocked {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrInvalidTransition, id, rn.Status)
	}
	rn.Status = run.StatusRunning
	rn.BlockedReason = ""
	rn.PendingQuestion = ""
	r.mu.Unlock()

	r.publish(ctx, rn, run.EventResumed, answer, "")
	return copyRun(rn), nil
}

func (r *Runs) publish(ctx context.Context, rn *run.Run, eventType, reason, question string) {
	r.mu.RLock()
	ev := run.Event{
		RunID:    rn.ID,
		IntentID: rn.IntentID,
		SpriteID: rn.SpriteID,
		Status:   rn.Status,
		Reason:   reason,
		Question: question,
		At:       time.Now().UTC(),
	}
	r.mu.RUnlock()
	r.bus.Publish(ctx, bus.ChannelRuns, eventType, ev)
}

func copyRun(rn *run.Run) *run.Run {
	cp := *rn
	return &cp
}
