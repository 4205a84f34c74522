// Package storetest holds the conformance suite every record store backend
// must pass. Identical filter and immutability behavior across backends is
// a correctness requirement, so the same assertions run against each.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/port/store"
)

// Factory builds a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// Run executes the full conformance suite against the backend.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateGetRoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("CreateDuplicateID", func(t *testing.T) { testDuplicate(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, factory(t)) })
	t.Run("UpdateTransitionLog", func(t *testing.T) { testTransitionLog(t, factory(t)) })
	t.Run("ImmutabilityAfterApproval", func(t *testing.T) { testImmutability(t, factory(t)) })
	t.Run("StepUpdateExemptFromFreeze", func(t *testing.T) { testStepUpdate(t, factory(t)) })
	t.Run("InvalidTransitionRejected", func(t *testing.T) { testInvalidTransition(t, factory(t)) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, factory(t)) })
}

func newIntent(kind intent.Kind) *intent.Intent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	rollback := "wake previous revision"
	return &intent.Intent{
		ID:      uuid.NewString(),
		Kind:    kind,
		State:   intent.StateProposed,
		Source:  intent.Source{Type: intent.SourceOperator, ID: "alice"},
		Summary: "redeploy web tier",
		Payload: map[string]any{
			"capability": "sandbox",
			"operation":  "exec",
			"command":    "deploy.sh",
		},
		AffectedResources:   []string{"web-1", "web-2"},
		ExpectedSideEffects: []string{"service restart"},
		RollbackStrategy:    &rollback,
		Plan: &intent.Plan{
			Title:   "staged rollout",
			Version: 1,
			Steps: []intent.Step{
				{ID: "s1", Name: "drain web-1", Status: intent.StepPending},
				{ID: "s2", Name: "deploy", Status: intent.StepPending},
			},
		},
		Metadata:  map[string]string{"ticket": "OPS-42"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func advance(t *testing.T, s store.Store, id string, states ...intent.State) {
	t.Helper()
	for i := range states {
		st := states[i]
		if _, err := s.Update(context.Background(), id, store.Changes{State: &st, Actor: "test"}); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
}

func testRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := newIntent(intent.KindAction)
	if err := s.Create(ctx, want); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.ID != want.ID || got.Kind != want.Kind || got.State != want.State {
		t.Errorf("identity fields differ: got %s/%s/%s", got.ID, got.Kind, got.State)
	}
	if got.Summary != want.Summary {
		t.Errorf("summary = %q, want %q", got.Summary, want.Summary)
	}
	if got.Payload["command"] != "deploy.sh" {
		t.Errorf("payload = %v", got.Payload)
	}
	if len(got.AffectedResources) != 2 || got.AffectedResources[0] != "web-1" {
		t.Errorf("affected_resources = %v", got.AffectedResources)
	}
	if got.RollbackStrategy == nil || *got.RollbackStrategy != *want.RollbackStrategy {
		t.Errorf("rollback_strategy = %v", got.RollbackStrategy)
	}
	if got.Plan == nil || len(got.Plan.Steps) != 2 || got.Plan.Steps[1].Status != intent.StepPending {
		t.Errorf("plan = %+v", got.Plan)
	}
	if got.Metadata["ticket"] != "OPS-42" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// Mutating the returned copy must not leak into the store.
	got.Payload["command"] = "rm -rf /"
	again, err := s.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again.Payload["command"] != "deploy.sh" {
		t.Error("store returned aliased payload")
	}
}

func testDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := newIntent(intent.KindAction)
	if err := s.Create(ctx, in); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, in); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("duplicate create: got %v, want ErrConflict", err)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	if _, err := s.Get(context.Background(), uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if _, err := s.Update(context.Background(), uuid.NewString(), store.Changes{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("update missing: got %v, want ErrNotFound", err)
	}
}

func testListFilters(t *testing.T, s store.Store) {
	ctx := context.Background()

	action := newIntent(intent.KindAction)
	if err := s.Create(ctx, action); err != nil {
		t.Fatal(err)
	}
	maint := newIntent(intent.KindMaintenance)
	maint.Source.Type = intent.SourceTimer
	if err := s.Create(ctx, maint); err != nil {
		t.Fatal(err)
	}

	byKind, err := s.List(ctx, store.Filter{Kind: intent.KindMaintenance})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byKind) != 1 || byKind[0].ID != maint.ID {
		t.Errorf("kind filter returned %d intents", len(byKind))
	}

	bySource, err := s.List(ctx, store.Filter{SourceType: intent.SourceTimer})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySource) != 1 || bySource[0].ID != maint.ID {
		t.Errorf("source filter returned %d intents", len(bySource))
	}

	byState, err := s.List(ctx, store.Filter{State: intent.StateProposed})
	if err != nil {
		t.Fatal(err)
	}
	if len(byState) != 2 {
		t.Errorf("state filter returned %d intents, want 2", len(byState))
	}

	future, err := s.List(ctx, store.Filter{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(future) != 0 {
		t.Errorf("future window returned %d intents", len(future))
	}

	limited, err := s.List(ctx, store.Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d intents", len(limited))
	}
}

func testTransitionLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := newIntent(intent.KindAction)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}

	advance(t, s, in.ID, intent.StateClassified, intent.StateAwaitingApproval, intent.StateApproved)

	hist, err := s.History(ctx, in.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []struct{ from, to intent.State }{
		{intent.StateProposed, intent.StateClassified},
		{intent.StateClassified, intent.StateAwaitingApproval},
		{intent.StateAwaitingApproval, intent.StateApproved},
	}
	if len(hist) != len(want) {
		t.Fatalf("history has %d entries, want %d", len(hist), len(want))
	}
	for i, w := range want {
		if hist[i].From != w.from || hist[i].To != w.to {
			t.Errorf("entry %d: %s->%s, want %s->%s", i, hist[i].From, hist[i].To, w.from, w.to)
		}
		if hist[i].Actor != "test" {
			t.Errorf("entry %d actor = %q", i, hist[i].Actor)
		}
	}
	// Oldest first.
	for i := 1; i < len(hist); i++ {
		if hist[i].At.Before(hist[i-1].At) {
			t.Error("history not ordered oldest first")
		}
	}
}

func testImmutability(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := newIntent(intent.KindAction)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}

	// Pre-approval, governed fields are writable.
	if _, err := s.Update(ctx, in.ID, store.Changes{Payload: map[string]any{"capability": "code", "operation": "lint"}}); err != nil {
		t.Fatalf("pre-approval payload update: %v", err)
	}

	advance(t, s, in.ID, intent.StateClassified, intent.StateApproved)

	frozen := []store.Changes{
		{Payload: map[string]any{"x": 1}},
		{AffectedResources: []string{"db-1"}},
		{ExpectedSideEffects: []string{"oops"}},
		{RollbackStrategy: strPtr("new strategy")},
		{Plan: &intent.Plan{Title: "new", Steps: []intent.Step{{ID: "s1"}}}},
	}
	for i, ch := range frozen {
		if _, err := s.Update(ctx, in.ID, ch); !errors.Is(err, domain.ErrImmutable) {
			t.Errorf("frozen change %d: got %v, want ErrImmutable", i, err)
		}
	}

	// Nothing was partially written.
	got, err := s.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload["operation"] != "lint" {
		t.Errorf("payload changed under immutability: %v", got.Payload)
	}
	if len(got.AffectedResources) != 2 {
		t.Errorf("affected_resources changed: %v", got.AffectedResources)
	}
}

func testStepUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := newIntent(intent.KindAction)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}
	advance(t, s, in.ID, intent.StateClassified, intent.StateApproved, intent.StateRunning)

	got, err := s.Update(ctx, in.ID, store.Changes{
		StepUpdate: &store.StepUpdate{StepID: "s1", Status: intent.StepCompleted, Output: "drained"},
	})
	if err != nil {
		t.Fatalf("step update post-approval: %v", err)
	}
	if got.Plan.Steps[0].Status != intent.StepCompleted || got.Plan.Steps[0].Output != "drained" {
		t.Errorf("step not updated: %+v", got.Plan.Steps[0])
	}
	if got.Plan.Steps[1].Status != intent.StepPending {
		t.Errorf("sibling step touched: %+v", got.Plan.Steps[1])
	}

	if _, err := s.Update(ctx, in.ID, store.Changes{
		StepUpdate: &store.StepUpdate{StepID: "missing", Status: intent.StepCompleted},
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown step: got %v, want ErrNotFound", err)
	}
}

func testInvalidTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := newIntent(intent.KindAction)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}

	running := intent.StateRunning
	if _, err := s.Update(ctx, in.ID, store.Changes{State: &running}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("proposed->running: got %v, want ErrInvalidTransition", err)
	}

	// The illegal transition left no trace in the log.
	hist, err := s.History(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Errorf("history has %d entries after rejected transition", len(hist))
	}
}

func testArtifacts(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := newIntent(intent.KindAction)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}

	a := intent.Artifact{Name: "deploy.log", URI: "s3://logs/deploy.log", CreatedAt: time.Now().UTC().Truncate(time.Microsecond)}
	if err := s.AddArtifact(ctx, in.ID, a); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	got, err := s.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Name != "deploy.log" {
		t.Errorf("artifacts = %+v", got.Artifacts)
	}

	if err := s.AddArtifact(ctx, uuid.NewString(), a); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("artifact on missing intent: got %v, want ErrNotFound", err)
	}
}

func strPtr(s string) *string { return &s }
