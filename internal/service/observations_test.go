package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spritelab/fleetd/internal/adapter/inproc"
	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/observation"
	"github.com/spritelab/fleetd/internal/domain/safety"
	"github.com/spritelab/fleetd/internal/port/store"
)

func newTestObservations() (*Observations, store.Store) {
	p, st, b := newTestPipeline(safety.Policy{})
	_ = b
	return NewObservations(p, inproc.New(), discard()), st
}

func TestRecordAndList(t *testing.T) {
	o, _ := newTestObservations()
	ctx := context.Background()

	for i := range 3 {
		_, err := o.Record(ctx, observation.CreateRequest{
			SpriteID: "web-1",
			Type:     observation.TypeMetric,
			Severity: observation.SeverityInfo,
			Data:     map[string]any{"seq": i},
		})
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	obs, err := o.List("web-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("retained %d observations, want 3", len(obs))
	}
	if obs[0].Data["seq"] != 0 {
		t.Errorf("observations not oldest first: %v", obs[0].Data)
	}

	if _, err := o.List("web-9"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown sprite: %v, want ErrNotFound", err)
	}
}

func TestRecordValidates(t *testing.T) {
	o, _ := newTestObservations()

	_, err := o.Record(context.Background(), observation.CreateRequest{
		Type:     observation.TypeMetric,
		Severity: observation.SeverityInfo,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing sprite_id: %v, want ErrValidation", err)
	}
}

func TestRingBounded(t *testing.T) {
	o, _ := newTestObservations()
	ctx := context.Background()

	for i := range observationRingSize + 10 {
		if _, err := o.Record(ctx, observation.CreateRequest{
			SpriteID: "web-1",
			Type:     observation.TypeStatus,
			Severity: observation.SeverityInfo,
			Data:     map[string]any{"seq": i},
		}); err != nil {
			t.Fatal(err)
		}
	}

	obs, err := o.List("web-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != observationRingSize {
		t.Fatalf("retained %d, want %d", len(obs), observationRingSize)
	}
	if obs[0].Data["seq"] != 10 {
		t.Errorf("oldest retained seq = %v, want 10", obs[0].Data["seq"])
	}
}

func TestCriticalAnomalyProposesIntent(t *testing.T) {
	o, st := newTestObservations()
	ctx := context.Background()

	obs, err := o.Record(ctx, observation.CreateRequest{
		SpriteID: "web-1",
		Type:     observation.TypeAnomaly,
		Severity: observation.SeverityCritical,
		Data:     map[string]any{"detail": "memory exhausted"},
	})
	if err != nil {
		t.Fatal(err)
	}

	intents, err := st.List(ctx, store.Filter{SourceType: intent.SourceSprite})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 {
		t.Fatalf("proposed %d intents, want 1", len(intents))
	}
	in := intents[0]
	if in.Kind != intent.KindInquiry {
		t.Errorf("kind = %s, want inquiry", in.Kind)
	}
	if in.Metadata["observation"] != obs.ID {
		t.Errorf("observation linkage = %q", in.Metadata["observation"])
	}
	// Inquiries classify controlled, so a human must see it.
	if in.State != intent.StateAwaitingApproval {
		t.Errorf("state = %s, want awaiting_approval", in.State)
	}
}

func TestNonCriticalAnomalyDoesNotPropose(t *testing.T) {
	o, st := newTestObservations()
	ctx := context.Background()

	cases := []observation.CreateRequest{
		{SpriteID: "web-1", Type: observation.TypeAnomaly, Severity: observation.SeverityWarning},
		{SpriteID: "web-1", Type: observation.TypeMetric, Severity: observation.SeverityCritical},
	}
	for i, req := range cases {
		if _, err := o.Record(ctx, req); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
	}

	intents, err := st.List(ctx, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 0 {
		t.Errorf("proposed %d intents, want 0", len(intents))
	}
}

func TestObservationDataRoundTrips(t *testing.T) {
	o, _ := newTestObservations()

	data := map[string]any{"cpu": 0.93, "host": fmt.Sprintf("node-%d", 4)}
	obs, err := o.Record(context.Background(), observation.CreateRequest{
		SpriteID: "web-1",
		Type:     observation.TypeMetric,
		Severity: observation.SeverityWarning,
		Data:     data,
	})
	if err != nil {
		t.Fatal(err)
	}
	if obs.Data["cpu"] != 0.93 || obs.Data["host"] != "node-4" {
		t.Errorf("data = %v", obs.Data)
	}
}
