// Package fleet implements the per-sprite reconciliation machines and the
// registry supervising them. Each machine is one goroutine owning the
// mutable status record for its sprite; the rest of the system talks to it
// only through its command channel.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	fleetotel "github.com/spritelab/fleetd/internal/adapter/otel"
	"github.com/spritelab/fleetd/internal/config"
	"github.com/spritelab/fleetd/internal/domain/sprite"
	"github.com/spritelab/fleetd/internal/port/bus"
	"github.com/spritelab/fleetd/internal/port/sandbox"
)

// Event types published by machines.
const (
	EventReconciled    = "sprite.reconciled"
	EventStateChanged  = "sprite.state_changed"
	EventHealthChanged = "sprite.health_changed"
	EventDeleted       = "sprite.deleted"
)

type command interface{ isCommand() }

type cmdSetDesired struct {
	state sprite.State
	done  chan struct{}
}

type cmdSnapshot struct {
	reply chan sprite.Status
}

func (cmdSetDesired) isCommand() {}
func (cmdSnapshot) isCommand()   {}

// Machine reconciles one sprite against its desired state. All fields of
// status are owned by the run loop; external access goes through commands.
type Machine struct {
	id      string
	api     sandbox.API
	bus     bus.Bus
	log     *slog.Logger
	metrics *fleetotel.Metrics
	cfg     config.Sprite
	profile sprite.Profile

	cmds chan command
	kick chan struct{} // reconcile-now, capacity 1 so requests coalesce
	done chan struct{}

	status sprite.Status
}

// NewMachine creates a machine for the sprite id with the given desired
// state. It does not start reconciling until Run is called.
func NewMachine(id string, desired sprite.State, tags map[string]string, api sandbox.API, b bus.Bus, m *fleetotel.Metrics, cfg config.Sprite, log *slog.Logger) (*Machine, error) {
	if err := sprite.ValidateTags(tags); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	profile := sprite.Profile(cfg.StateProfile)
	return &Machine{
		id:      id,
		api:     api,
		bus:     b,
		log:     log.With("sprite", id),
		metrics: m,
		cfg:     cfg,
		profile: profile,
		cmds:    make(chan command),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		status: sprite.Status{
			ID:            id,
			ObservedState: sprite.ParseState("", profile),
			DesiredState:  desired,
			BackoffMS:     cfg.BackoffBase.Milliseconds(),
			Health:        sprite.HealthConverging,
			Tags:          tags,
			StartedAt:     now,
			UpdatedAt:     now,
		},
	}, nil
}

// Run is the machine's actor loop. It reconciles on a timer, on demand via
// ReconcileNow, and stops when ctx is canceled or the sprite is confirmed
// externally deleted. Done is closed on exit.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			m.handle(cmd)
			continue
		case <-m.kick:
		case <-timer.C:
		}

		delay, terminated := m.reconcile(ctx)
		if terminated {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// Done is closed when the machine's loop has exited.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) handle(cmd command) {
	switch c := cmd.(type) {
	case cmdSetDesired:
		m.status.DesiredState = c.state
		m.status.UpdatedAt = time.Now().UTC()
		close(c.done)
	case cmdSnapshot:
		st := m.status
		if st.Tags != nil {
			tags := make(map[string]string, len(st.Tags))
			for k, v := range st.Tags {
				tags[k] = v
			}
			st.Tags = tags
		}
		c.reply <- st
	}
}

// SetDesired updates the desired state and returns once the machine has
// taken the change. The next cycle acts on it.
func (m *Machine) SetDesired(ctx context.Context, s sprite.State) error {
	done := make(chan struct{})
	select {
	case m.cmds <- cmdSetDesired{state: s, done: done}:
	case <-m.done:
		return ErrMachineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Snapshot returns a copy of the sprite's current status.
func (m *Machine) Snapshot(ctx context.Context) (sprite.Status, error) {
	reply := make(chan sprite.Status, 1)
	select {
	case m.cmds <- cmdSnapshot{reply: reply}:
	case <-m.done:
		return sprite.Status{}, ErrMachineStopped
	case <-ctx.Done():
		return sprite.Status{}, ctx.Err()
	}
	return <-reply, nil
}

// ReconcileNow requests an out-of-schedule cycle. It never blocks: if a
// request is already pending the two coalesce, and an in-flight cycle is
// not canceled.
func (m *Machine) ReconcileNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// ErrMachineStopped is returned for commands sent to a stopped machine.
var ErrMachineStopped = errors.New("fleet: machine stopped")

// reconcile runs one observe/compare/act cycle and returns the delay before
// the next cycle, plus whether the machine terminated on confirmed deletion.
func (m *Machine) reconcile(ctx context.Context) (time.Duration, bool) {
	started := time.Now()
	outcome, errMsg := m.cycle(ctx)

	now := time.Now().UTC()
	m.status.UpdatedAt = now

	if m.metrics != nil {
		m.metrics.ReconcileOutcomes.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", string(outcome))))
		m.metrics.ReconcileDuration.Record(ctx, time.Since(started).Seconds())
	}

	result := sprite.ReconcileResult{
		SpriteID: m.id,
		Outcome:  outcome,
		Observed: m.status.ObservedState,
		Desired:  m.status.DesiredState,
		Error:    errMsg,
		At:       now,
	}
	m.bus.Publish(ctx, bus.ChannelSprite(m.id), EventReconciled, result)
	m.bus.Publish(ctx, bus.ChannelFleet, EventReconciled, result)

	if outcome == sprite.OutcomeDeleted {
		m.bus.Publish(ctx, bus.ChannelFleet, EventDeleted, map[string]string{"sprite_id": m.id})
		m.bus.Publish(ctx, bus.ChannelSprite(m.id), EventDeleted, map[string]string{"sprite_id": m.id})
		m.log.Info("sprite externally deleted")
		return 0, true
	}

	m.updateHealth(ctx, outcome)

	if outcome == sprite.OutcomeFailure && m.status.FailureCount > 0 {
		delay := Jitter(time.Duration(m.status.BackoffMS) * time.Millisecond)
		if m.metrics != nil {
			m.metrics.BackoffDelay.Record(ctx, delay.Seconds())
		}
		return delay, false
	}
	return m.cfg.ReconcileInterval, false
}

// cycle is the observe/compare/act core. It mutates status and reports the
// outcome plus an error message for failed cycles.
func (m *Machine) cycle(ctx context.Context) (sprite.ReconcileOutcome, string) {
	raw, err := m.get(ctx)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		m.status.NotFoundCount++
		if m.status.NotFoundCount >= 2 {
			return sprite.OutcomeDeleted, ""
		}
		return sprite.OutcomeFailure, err.Error()
	case err != nil:
		// Transient fetch failure: prior observed state stands. Breaks a
		// not-found streak, only consecutive misses count toward deletion.
		m.status.NotFoundCount = 0
		m.applyFailure()
		return sprite.OutcomeFailure, err.Error()
	}

	m.status.NotFoundCount = 0
	m.status.LastObservedAt = time.Now().UTC()
	m.setObserved(ctx, sprite.ParseState(raw, m.profile))

	if m.status.ObservedState == m.status.DesiredState {
		m.resetBackoff()
		return sprite.OutcomeNoChange, ""
	}

	next, act := m.stepToward(m.status.ObservedState, m.status.DesiredState)
	if act == nil {
		// Transitional state: nothing to call, wait for the sandbox.
		return sprite.OutcomeNoChange, ""
	}
	if err := act(ctx); err != nil {
		m.applyFailure()
		return sprite.OutcomeFailure, err.Error()
	}
	m.resetBackoff()
	m.setObserved(ctx, next)
	return sprite.OutcomeSuccess, ""
}

func (m *Machine) get(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	return m.api.Get(cctx, m.id)
}

// stepToward picks the single call that moves observed one step toward
// desired, and the state observed on its success. A nil action means the
// sandbox has to finish a transition on its own first.
func (m *Machine) stepToward(observed, desired sprite.State) (sprite.State, func(context.Context) error) {
	wake := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
		return m.api.Wake(cctx, m.id)
	}
	sleep := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
		return m.api.Sleep(cctx, m.id)
	}

	if m.profile == sprite.ProfileSimple {
		switch {
		case observed == sprite.StateCold:
			return sprite.StateWarm, wake
		case desired == sprite.StateCold:
			return sprite.StateCold, sleep
		}
		// warm<->running moves with execution, not reconciliation.
		return observed, nil
	}

	switch {
	case observed == sprite.StateHibernating:
		return sprite.StateWaking, wake
	case desired == sprite.StateHibernating:
		return sprite.StateHibernating, sleep
	case observed == sprite.StateError:
		// A sleep/wake bounce is the one corrective move available.
		return sprite.StateHibernating, sleep
	}
	// waking->ready and ready<->busy resolve externally.
	return observed, nil
}

func (m *Machine) setObserved(ctx context.Context, s sprite.State) {
	if s == m.status.ObservedState {
		return
	}
	from := m.status.ObservedState
	m.status.ObservedState = s

	change := sprite.StateChange{SpriteID: m.id, From: from, To: s, At: time.Now().UTC()}
	m.bus.Publish(ctx, bus.ChannelSprite(m.id), EventStateChanged, change)
	m.bus.Publish(ctx, bus.ChannelFleet, EventStateChanged, change)
	if m.metrics != nil {
		m.metrics.SpriteStateChange.Add(ctx, 1,
			metric.WithAttributes(attribute.String("to", string(s))))
	}
	m.log.Info("observed state changed", "from", from, "to", s)
}

func (m *Machine) applyFailure() {
	m.status.FailureCount++
	m.status.BackoffMS = NextBackoff(m.cfg.BackoffBase, m.cfg.BackoffMax, m.status.FailureCount).Milliseconds()
}

func (m *Machine) resetBackoff() {
	m.status.FailureCount = 0
	m.status.BackoffMS = m.cfg.BackoffBase.Milliseconds()
}

func (m *Machine) updateHealth(ctx context.Context, outcome sprite.ReconcileOutcome) {
	h := sprite.DeriveHealth(
		m.status.ObservedState, m.status.DesiredState,
		m.status.FailureCount, m.cfg.MaxRetries,
		outcome == sprite.OutcomeSuccess,
	)
	if h == m.status.Health {
		return
	}
	change := sprite.HealthChange{SpriteID: m.id, From: m.status.Health, To: h, At: time.Now().UTC()}
	m.status.Health = h
	m.bus.Publish(ctx, bus.ChannelSprite(m.id), EventHealthChanged, change)
	m.bus.Publish(ctx, bus.ChannelFleet, EventHealthChanged, change)
	if m.metrics != nil {
		m.metrics.HealthChanges.Add(ctx, 1,
			metric.WithAttributes(attribute.String("to", string(h))))
	}
}
