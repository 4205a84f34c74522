package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/observation"
	"github.com/spritelab/fleetd/internal/port/bus"
)

// EventObservationRecorded is published for every accepted observation.
const EventObservationRecorded = "observation.recorded"

// observationRingSize bounds how many observations are kept per sprite.
const observationRingSize = 256

// Observations records facts about sprites in a bounded per-sprite ring and
// turns critical anomalies into proposed intents. Observations never
// execute anything themselves.
type Observations struct {
	pipeline *Pipeline
	bus      bus.Bus
	log      *slog.Logger

	mu    sync.RWMutex
	rings map[string][]observation.Observation
}

// NewObservations creates the observation intake.
func NewObservations(p *Pipeline, b bus.Bus, log *slog.Logger) *Observations {
	return &Observations{
		pipeline: p,
		bus:      b,
		log:      log,
		rings:    make(map[string][]observation.Observation),
	}
}

// Record stores an observation and publishes it. A critical anomaly also
// proposes an inquiry intent so the condition enters governance.
func (o *Observations) Record(ctx context.Context, req observation.CreateRequest) (*observation.Observation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	obs := observation.Observation{
		ID:        uuid.NewString(),
		SpriteID:  req.SpriteID,
		Type:      req.Type,
		Severity:  req.Severity,
		Data:      req.Data,
		CreatedAt: time.Now().UTC(),
	}

	o.mu.Lock()
	ring := append(o.rings[obs.SpriteID], obs)
	if len(ring) > observationRingSize {
		ring = ring[len(ring)-observationRingSize:]
	}
	o.rings[obs.SpriteID] = ring
	o.mu.Unlock()

	o.bus.Publish(ctx, bus.ChannelSprite(obs.SpriteID), EventObservationRecorded, obs)
	o.bus.Publish(ctx, bus.ChannelFleet, EventObservationRecorded, obs)

	if obs.Type == observation.TypeAnomaly && obs.Severity == observation.SeverityCritical {
		if err := o.proposeFromAnomaly(ctx, obs); err != nil {
			o.log.Error("anomaly intent proposal failed", "sprite", obs.SpriteID, "error", err)
		}
	}
	return &obs, nil
}

// List returns a sprite's retained observations, oldest first.
func (o *Observations) List(spriteID string) ([]observation.Observation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ring, ok := o.rings[spriteID]
	if !ok {
		return nil, fmt.Errorf("sprite %s: %w", spriteID, domain.ErrNotFound)
	}
	out := make([]observation.Observation, len(ring))
	copy(out, ring)
	return out, nil
}

// proposeFromAnomaly files an inquiry intent for a critical anomaly. The
// intent goes through the normal classify/gate path; inquiries classify as
// controlled, so a human sees it before anything acts.
func (o *Observations) proposeFromAnomaly(ctx context.Context, obs observation.Observation) error {
	detail, _ := obs.Data["detail"].(string)
	if detail == "" {
		detail = "critical anomaly observed"
	}

	in, err := o.pipeline.Propose(ctx, intent.CreateRequest{
		Kind:    intent.KindInquiry,
		Source:  intent.Source{Type: intent.SourceSprite, ID: obs.SpriteID},
		Summary: fmt.Sprintf("investigate %s: %s", obs.SpriteID, detail),
		Payload: map[string]any{"observation_id": obs.ID},
		Metadata: map[string]string{
			"observation": obs.ID,
		},
	})
	if err != nil {
		return err
	}
	o.log.Info("anomaly intent proposed", "sprite", obs.SpriteID, "intent", in.ID)
	return nil
}
