package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/spritelab/fleetd/internal/adapter/inproc"
	"github.com/spritelab/fleetd/internal/config"
	"github.com/spritelab/fleetd/internal/domain/sprite"
	"github.com/spritelab/fleetd/internal/port/bus"
	"github.com/spritelab/fleetd/internal/port/sandbox"
)

// fakeAPI is a scriptable sandbox API.
type fakeAPI struct {
	mu        sync.Mutex
	status    string
	getErr    error
	wakeErr   error
	sleepErr  error
	getCalls  int
	wakeCalls int
}

func (f *fakeAPI) Get(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.status, nil
}

func (f *fakeAPI) Wake(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakeCalls++
	return f.wakeErr
}

func (f *fakeAPI) Sleep(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleepErr
}

func (f *fakeAPI) Create(context.Context, string, sandbox.CreateOptions) error { return nil }
func (f *fakeAPI) Delete(context.Context, string) error                       { return nil }
func (f *fakeAPI) Exec(context.Context, string, string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}
func (f *fakeAPI) ExecStreaming(context.Context, string, string) (sandbox.Session, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeAPI) set(status string, getErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.getErr = getErr
}

func testCfg() config.Sprite {
	return config.Sprite{
		ReconcileInterval: 10 * time.Millisecond,
		RequestTimeout:    time.Second,
		BackoffBase:       100 * time.Millisecond,
		BackoffMax:        time.Second,
		MaxRetries:        5,
		StateProfile:      "full",
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, api sandbox.API, desired sprite.State, b bus.Bus) *Machine {
	t.Helper()
	if b == nil {
		b = inproc.New()
	}
	m, err := NewMachine("web-1", desired, nil, api, b, nil, testCfg(), discard())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func drain(events <-chan bus.Event, eventType string) []bus.Event {
	var matched []bus.Event
	for {
		select {
		case ev := <-events:
			if ev.Type == eventType {
				matched = append(matched, ev)
			}
		default:
			return matched
		}
	}
}

func TestWakeStepEmitsStateChange(t *testing.T) {
	api := &fakeAPI{status: "hibernating"}
	b := inproc.New()
	events, cancel := b.Subscribe(bus.ChannelSprite("web-1"))
	defer cancel()

	m := newTestMachine(t, api, sprite.StateReady, b)
	outcome, errMsg := m.cycle(context.Background())

	if outcome != sprite.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", outcome, errMsg)
	}
	if api.wakeCalls != 1 {
		t.Errorf("wake calls = %d, want 1", api.wakeCalls)
	}
	if m.status.ObservedState != sprite.StateWaking {
		t.Errorf("observed = %s, want waking", m.status.ObservedState)
	}

	changes := drain(events, EventStateChanged)
	if len(changes) != 1 {
		t.Fatalf("state change events = %d, want 1", len(changes))
	}
	change := changes[0].Payload.(sprite.StateChange)
	if change.From != sprite.StateHibernating || change.To != sprite.StateWaking {
		t.Errorf("change = %s->%s, want hibernating->waking", change.From, change.To)
	}
}

func TestTransientFailureBackoffSequence(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("rate limited")}
	m := newTestMachine(t, api, sprite.StateReady, nil)

	want := []int64{100, 200, 400, 800, 1000}
	for i, wantMS := range want {
		_, terminated := m.reconcile(context.Background())
		if terminated {
			t.Fatalf("cycle %d terminated the machine", i+1)
		}
		if m.status.BackoffMS != wantMS {
			t.Errorf("cycle %d: backoff = %dms, want %dms", i+1, m.status.BackoffMS, wantMS)
		}
	}
	if m.status.FailureCount != 5 {
		t.Errorf("failure_count = %d, want 5", m.status.FailureCount)
	}
	if m.status.NotFoundCount != 0 {
		t.Errorf("not_found_count = %d, want 0", m.status.NotFoundCount)
	}
}

func TestTransientFailureKeepsObservedState(t *testing.T) {
	api := &fakeAPI{status: "ready"}
	m := newTestMachine(t, api, sprite.StateReady, nil)

	if outcome, _ := m.cycle(context.Background()); outcome != sprite.OutcomeNoChange {
		t.Fatalf("outcome = %s, want no_change", outcome)
	}
	if m.status.ObservedState != sprite.StateReady {
		t.Fatalf("observed = %s, want ready", m.status.ObservedState)
	}

	api.set("", errors.New("timeout"))
	if outcome, _ := m.cycle(context.Background()); outcome != sprite.OutcomeFailure {
		t.Fatalf("outcome after error = %s, want failure", outcome)
	}
	if m.status.ObservedState != sprite.StateReady {
		t.Errorf("observed demoted to %s on transient failure", m.status.ObservedState)
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	m := newTestMachine(t, api, sprite.StateReady, nil)

	for range 3 {
		m.reconcile(context.Background())
	}
	if m.status.BackoffMS != 400 {
		t.Fatalf("backoff = %dms, want 400ms", m.status.BackoffMS)
	}

	api.set("ready", nil)
	m.reconcile(context.Background())
	if m.status.FailureCount != 0 || m.status.BackoffMS != 100 {
		t.Errorf("after success: failures=%d backoff=%dms, want 0/100ms",
			m.status.FailureCount, m.status.BackoffMS)
	}
}

func TestTwoStrikeDeletion(t *testing.T) {
	api := &fakeAPI{getErr: sandbox.ErrNotFound}
	b := inproc.New()
	fleetEvents, cancel := b.Subscribe(bus.ChannelFleet)
	defer cancel()

	m := newTestMachine(t, api, sprite.StateReady, b)

	if _, terminated := m.reconcile(context.Background()); terminated {
		t.Fatal("terminated after a single not-found")
	}
	if m.status.NotFoundCount != 1 {
		t.Fatalf("not_found_count = %d, want 1", m.status.NotFoundCount)
	}

	if _, terminated := m.reconcile(context.Background()); !terminated {
		t.Fatal("not terminated after two consecutive not-founds")
	}
	if deleted := drain(fleetEvents, EventDeleted); len(deleted) != 1 {
		t.Errorf("deleted events = %d, want 1", len(deleted))
	}
}

func TestNotFoundResetBySuccess(t *testing.T) {
	api := &fakeAPI{getErr: sandbox.ErrNotFound}
	m := newTestMachine(t, api, sprite.StateReady, nil)

	m.reconcile(context.Background())
	if m.status.NotFoundCount != 1 {
		t.Fatalf("not_found_count = %d, want 1", m.status.NotFoundCount)
	}

	api.set("ready", nil)
	m.reconcile(context.Background())
	if m.status.NotFoundCount != 0 {
		t.Fatalf("not_found_count = %d after success, want 0", m.status.NotFoundCount)
	}

	// A later not-found starts counting from scratch.
	api.set("", sandbox.ErrNotFound)
	if _, terminated := m.reconcile(context.Background()); terminated {
		t.Error("terminated on non-consecutive not-founds")
	}
}

func TestNotFoundResetByTransientError(t *testing.T) {
	api := &fakeAPI{getErr: sandbox.ErrNotFound}
	m := newTestMachine(t, api, sprite.StateReady, nil)

	m.reconcile(context.Background())
	if m.status.NotFoundCount != 1 {
		t.Fatalf("not_found_count = %d, want 1", m.status.NotFoundCount)
	}

	// A transient error breaks the streak.
	api.set("", errors.New("gateway timeout"))
	m.reconcile(context.Background())
	if m.status.NotFoundCount != 0 {
		t.Fatalf("not_found_count = %d after transient error, want 0", m.status.NotFoundCount)
	}

	api.set("", sandbox.ErrNotFound)
	if _, terminated := m.reconcile(context.Background()); terminated {
		t.Error("terminated on non-consecutive not-founds")
	}
}

func TestReconcileResultOnBothChannels(t *testing.T) {
	api := &fakeAPI{status: "ready"}
	b := inproc.New()
	fleetEvents, cancelFleet := b.Subscribe(bus.ChannelFleet)
	defer cancelFleet()
	spriteEvents, cancelSprite := b.Subscribe(bus.ChannelSprite("web-1"))
	defer cancelSprite()

	m := newTestMachine(t, api, sprite.StateReady, b)
	m.reconcile(context.Background())

	if got := drain(spriteEvents, EventReconciled); len(got) != 1 {
		t.Errorf("per-sprite reconciled events = %d, want 1", len(got))
	}
	if got := drain(fleetEvents, EventReconciled); len(got) != 1 {
		t.Errorf("fleet reconciled events = %d, want 1", len(got))
	}

	api.set("", sandbox.ErrNotFound)
	m.reconcile(context.Background())
	m.reconcile(context.Background())
	if got := drain(spriteEvents, EventDeleted); len(got) != 1 {
		t.Errorf("per-sprite deleted events = %d, want 1", len(got))
	}
}

func TestUnknownStatusDegradesSafely(t *testing.T) {
	api := &fakeAPI{status: "???"}
	m := newTestMachine(t, api, sprite.StateHibernating, nil)

	outcome, _ := m.cycle(context.Background())
	if outcome != sprite.OutcomeNoChange {
		t.Errorf("outcome = %s, want no_change", outcome)
	}
	if m.status.ObservedState != sprite.StateHibernating {
		t.Errorf("observed = %s, want safe default hibernating", m.status.ObservedState)
	}
}

func TestHealthDegradesToError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("down")}
	m := newTestMachine(t, api, sprite.StateReady, nil)

	for range 6 {
		m.reconcile(context.Background())
	}
	if m.status.Health != sprite.HealthError {
		t.Errorf("health = %s after exceeding max retries, want error", m.status.Health)
	}
}

func TestRunLoopCommands(t *testing.T) {
	api := &fakeAPI{status: "ready"}
	m := newTestMachine(t, api, sprite.StateReady, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	if err := m.SetDesired(ctx, sprite.StateHibernating); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}
	st, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.DesiredState != sprite.StateHibernating {
		t.Errorf("desired = %s, want hibernating", st.DesiredState)
	}

	m.ReconcileNow()
	m.ReconcileNow() // coalesces with the pending request

	cancel()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop on context cancel")
	}

	if err := m.SetDesired(context.Background(), sprite.StateReady); !errors.Is(err, ErrMachineStopped) {
		t.Errorf("SetDesired on stopped machine: %v, want ErrMachineStopped", err)
	}
}

func TestTagBoundsEnforced(t *testing.T) {
	tags := make(map[string]string)
	for i := range sprite.MaxTags + 1 {
		tags[string(rune('a'+i))] = "v"
	}
	if _, err := NewMachine("web-1", sprite.StateReady, tags, &fakeAPI{}, inproc.New(), nil, testCfg(), discard()); err == nil {
		t.Error("oversized tag map accepted")
	}
}
