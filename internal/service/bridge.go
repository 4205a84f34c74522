package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/run"
	"github.com/spritelab/fleetd/internal/port/bus"
	"github.com/spritelab/fleetd/internal/port/store"
)

// Bridge reflects run lifecycle events onto the owning intent: a blocked
// run blocks its intent, a resumed run puts it back to running. Every
// reflection goes through the guarded store transition; a stale or
// duplicate notification fails lifecycle validation and is dropped with a
// log line instead of corrupting the intent.
type Bridge struct {
	pipeline *Pipeline
	bus      bus.Bus
	log      *slog.Logger
}

// NewBridge creates the run-to-intent bridge.
func NewBridge(p *Pipeline, b bus.Bus, log *slog.Logger) *Bridge {
	return &Bridge{pipeline: p, bus: b, log: log}
}

// Run consumes the runs channel until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) {
	events, cancel := b.bus.Subscribe(bus.ChannelRuns)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handle(ctx, ev)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev bus.Event) {
	re, ok := decodeRunEvent(ev.Payload)
	if !ok {
		return
	}

	var (
		to     intent.State
		reason string
	)
	switch ev.Type {
	case run.EventBlocked:
		to, reason = intent.StateBlocked, re.Reason
	case run.EventWaitingForInput:
		to, reason = intent.StateWaitingForInput, re.Question
	case run.EventResumed:
		to, reason = intent.StateRunning, "run resumed"
	default:
		// started and finished are handled by the executor itself.
		return
	}

	if _, err := b.pipeline.transition(ctx, re.IntentID, to, "bridge:run-"+re.RunID, reason, store.Changes{}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			b.log.Warn("stale run notification dropped",
				"run", re.RunID, "intent", re.IntentID, "event", ev.Type, "error", err)
			return
		}
		b.log.Error("run reflection failed",
			"run", re.RunID, "intent", re.IntentID, "event", ev.Type, "error", err)
	}
}

// decodeRunEvent accepts the in-process typed payload as well as the
// JSON-decoded form delivered by the NATS bus.
func decodeRunEvent(payload any) (run.Event, bool) {
	if re, ok := payload.(run.Event); ok {
		return re, true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return run.Event{}, false
	}
	var re run.Event
	if err := json.Unmarshal(raw, &re); err != nil || re.RunID == "" {
		return run.Event{}, false
	}
	return re, true
}
