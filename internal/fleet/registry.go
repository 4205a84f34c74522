package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	fleetotel "github.com/spritelab/fleetd/internal/adapter/otel"
	"github.com/spritelab/fleetd/internal/config"
	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/sprite"
	"github.com/spritelab/fleetd/internal/port/bus"
	"github.com/spritelab/fleetd/internal/port/sandbox"
)

// entry tracks one supervised machine plus what is needed to respawn it.
type entry struct {
	machine *Machine
	cancel  context.CancelFunc

	mu      sync.Mutex
	desired sprite.State
	tags    map[string]string
}

// Registry owns the directory of active machines. It holds no per-sprite
// domain state itself: lookups go to the machine, and the directory lock is
// never held across a sandbox API call.
type Registry struct {
	api     sandbox.API
	bus     bus.Bus
	metrics *fleetotel.Metrics
	cfg     config.Sprite
	log     *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(api sandbox.API, b bus.Bus, m *fleetotel.Metrics, cfg config.Sprite, log *slog.Logger) *Registry {
	return &Registry{
		api:     api,
		bus:     b,
		metrics: m,
		cfg:     cfg,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Add registers a sprite and starts its machine. Duplicate ids are rejected.
func (r *Registry) Add(ctx context.Context, id string, desired sprite.State, tags map[string]string) error {
	m, err := NewMachine(id, desired, tags, r.api, r.bus, r.metrics, r.cfg, r.log)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{machine: m, cancel: cancel, desired: desired, tags: tags}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("sprite %s: %w", id, domain.ErrConflict)
	}
	r.entries[id] = e
	r.mu.Unlock()

	go r.supervise(runCtx, id, e)
	r.log.Info("sprite registered", "sprite", id, "desired", desired)
	return nil
}

// supervise runs the entry's machine and respawns it after a crash with a
// fresh status record; observed state is re-derived on the next cycle. A
// clean exit means the sprite was externally deleted or the registry
// stopped it, and the entry is dropped either way.
func (r *Registry) supervise(ctx context.Context, id string, e *entry) {
	for {
		crashed := r.runOnce(ctx, e.machine)
		if !crashed {
			r.drop(id, e)
			return
		}
		if ctx.Err() != nil {
			r.drop(id, e)
			return
		}

		e.mu.Lock()
		desired, tags := e.desired, e.tags
		e.mu.Unlock()

		m, err := NewMachine(id, desired, tags, r.api, r.bus, r.metrics, r.cfg, r.log)
		if err != nil {
			r.log.Error("sprite respawn failed", "sprite", id, "error", err)
			r.drop(id, e)
			return
		}
		e.mu.Lock()
		e.machine = m
		e.mu.Unlock()
		r.log.Warn("sprite machine respawned after crash", "sprite", id)
	}
}

func (r *Registry) runOnce(ctx context.Context, m *Machine) (crashed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			crashed = true
			r.log.Error("sprite machine panicked", "error", fmt.Sprint(rec))
		}
	}()
	m.Run(ctx)
	return false
}

// drop removes the entry if it still maps to e; a Remove racing with a
// crash exit must not delete a successor entry.
func (r *Registry) drop(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
}

// Remove stops and deregisters a sprite's machine.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("sprite %s: %w", id, domain.ErrNotFound)
	}
	e.cancel()
	r.log.Info("sprite removed", "sprite", id)
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("sprite %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// Get returns the current status of one sprite.
func (r *Registry) Get(ctx context.Context, id string) (sprite.Status, error) {
	e, err := r.lookup(id)
	if err != nil {
		return sprite.Status{}, err
	}
	e.mu.Lock()
	m := e.machine
	e.mu.Unlock()
	return m.Snapshot(ctx)
}

// SetDesired changes a sprite's desired state.
func (r *Registry) SetDesired(ctx context.Context, id string, s sprite.State) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.desired = s
	m := e.machine
	e.mu.Unlock()
	return m.SetDesired(ctx, s)
}

// ReconcileNow triggers an out-of-schedule cycle on one sprite.
func (r *Registry) ReconcileNow(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	m := e.machine
	e.mu.Unlock()
	m.ReconcileNow()
	return nil
}

// List returns the status of every registered sprite, sorted by id.
// Snapshots are collected concurrently; a machine that stops mid-collection
// is skipped rather than failing the whole listing.
func (r *Registry) List(ctx context.Context) ([]sprite.Status, error) {
	machines := r.machines()

	var (
		mu       sync.Mutex
		statuses []sprite.Status
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		g.Go(func() error {
			st, err := m.Snapshot(gctx)
			if err != nil {
				if errors.Is(err, ErrMachineStopped) {
					return nil
				}
				return err
			}
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses, nil
}

// Summary aggregates fleet-wide counts by observed state and health.
type Summary struct {
	Total    int                   `json:"total"`
	ByState  map[sprite.State]int  `json:"by_state"`
	ByHealth map[sprite.Health]int `json:"by_health"`
	Sprites  []sprite.Status       `json:"-"`
}

// Summary returns counts of sprites grouped by observed state and health.
func (r *Registry) Summary(ctx context.Context) (Summary, error) {
	statuses, err := r.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Total:    len(statuses),
		ByState:  make(map[sprite.State]int),
		ByHealth: make(map[sprite.Health]int),
		Sprites:  statuses,
	}
	for _, st := range statuses {
		s.ByState[st.ObservedState]++
		s.ByHealth[st.Health]++
	}
	return s, nil
}

// Audit triggers an out-of-schedule reconciliation on every machine.
// Requests coalesce with pending ones, so this returns immediately.
func (r *Registry) Audit() int {
	machines := r.machines()
	for _, m := range machines {
		m.ReconcileNow()
	}
	return len(machines)
}

// Stop cancels every machine. Used at shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
}

func (r *Registry) machines() []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	machines := make([]*Machine, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		machines = append(machines, e.machine)
		e.mu.Unlock()
	}
	return machines
}
