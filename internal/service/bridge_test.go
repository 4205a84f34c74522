package service

import (
	"context"
	"testing"
	"time"

	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/run"
	"github.com/spritelab/fleetd/internal/domain/safety"
	"github.com/spritelab/fleetd/internal/port/bus"
)

func startRunningIntent(t *testing.T, p *Pipeline) *intent.Intent {
	t.Helper()
	ctx := context.Background()
	in, err := p.Propose(ctx, actionRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Approve(ctx, in.ID, "bob", "ok"); err != nil {
		t.Fatal(err)
	}
	in, err = p.Start(ctx, in.ID, "executor")
	if err != nil {
		t.Fatal(err)
	}
	return in
}

func waitForState(t *testing.T, p *Pipeline, id string, want intent.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		in, err := p.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if in.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	in, _ := p.Get(context.Background(), id)
	t.Fatalf("intent stayed %s, want %s", in.State, want)
}

func TestBridgeReflectsRunLifecycle(t *testing.T) {
	p, _, b := newTestPipeline(safety.Policy{})
	bridge := NewBridge(p, b, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	in := startRunningIntent(t, p)

	publish := func(eventType string, status run.Status, reason, question string) {
		b.Publish(ctx, bus.ChannelRuns, eventType, run.Event{
			RunID:    "r-1",
			IntentID: in.ID,
			Status:   status,
			Reason:   reason,
			Question: question,
			At:       time.Now().UTC(),
		})
	}

	publish(run.EventBlocked, run.StatusBlocked, "lock held", "")
	waitForState(t, p, in.ID, intent.StateBlocked)

	publish(run.EventResumed, run.StatusRunning, "", "")
	waitForState(t, p, in.ID, intent.StateRunning)

	publish(run.EventWaitingForInput, run.StatusWaitingForInput, "", "proceed with migration?")
	waitForState(t, p, in.ID, intent.StateWaitingForInput)

	publish(run.EventResumed, run.StatusRunning, "", "")
	waitForState(t, p, in.ID, intent.StateRunning)
}

func TestBridgeDropsStaleNotification(t *testing.T) {
	p, _, b := newTestPipeline(safety.Policy{})
	bridge := NewBridge(p, b, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	in := startRunningIntent(t, p)

	// A duplicate resume for an already-running intent is stale: the
	// guarded transition rejects it and the intent is untouched.
	b.Publish(ctx, bus.ChannelRuns, run.EventResumed, run.Event{
		RunID:    "r-1",
		IntentID: in.ID,
		Status:   run.StatusRunning,
		At:       time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)

	got, err := p.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != intent.StateRunning {
		t.Fatalf("state = %s, want running", got.State)
	}
	// Only the original start transition is on record.
	last := got.Transitions[len(got.Transitions)-1]
	if last.To != intent.StateRunning || last.Actor != "executor" {
		t.Errorf("stale event appended a transition: %+v", last)
	}
}

func TestDecodeRunEventFromJSON(t *testing.T) {
	// The NATS bus delivers payloads as decoded JSON maps.
	re, ok := decodeRunEvent(map[string]any{
		"run_id":    "r-9",
		"intent_id": "i-9",
		"status":    "blocked",
		"reason":    "io stall",
	})
	if !ok {
		t.Fatal("map payload not decoded")
	}
	if re.RunID != "r-9" || re.Status != run.StatusBlocked || re.Reason != "io stall" {
		t.Errorf("decoded = %+v", re)
	}

	if _, ok := decodeRunEvent("garbage"); ok {
		t.Error("scalar payload decoded as run event")
	}
}
