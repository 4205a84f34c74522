package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spritelab/fleetd/internal/adapter/inproc"
	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/sprite"
)

func newTestRegistry(api *fakeAPI) *Registry {
	return NewRegistry(api, inproc.New(), nil, testCfg(), discard())
}

func TestRegistryAddDuplicate(t *testing.T) {
	r := newTestRegistry(&fakeAPI{status: "ready"})
	defer r.Stop()

	ctx := context.Background()
	if err := r.Add(ctx, "web-1", sprite.StateReady, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(ctx, "web-1", sprite.StateReady, nil); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("duplicate add: %v, want ErrConflict", err)
	}
}

func TestRegistryGetAndList(t *testing.T) {
	r := newTestRegistry(&fakeAPI{status: "ready"})
	defer r.Stop()

	ctx := context.Background()
	for _, id := range []string{"web-2", "web-1"} {
		if err := r.Add(ctx, id, sprite.StateReady, nil); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}

	st, err := r.Get(ctx, "web-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.ID != "web-1" || st.DesiredState != sprite.StateReady {
		t.Errorf("status = %+v", st)
	}

	if _, err := r.Get(ctx, "web-9"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown id: %v, want ErrNotFound", err)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "web-1" || list[1].ID != "web-2" {
		t.Errorf("list = %+v, want sorted by id", list)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(&fakeAPI{status: "ready"})
	defer r.Stop()

	ctx := context.Background()
	if err := r.Add(ctx, "web-1", sprite.StateReady, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("web-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove("web-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second remove: %v, want ErrNotFound", err)
	}

	// The machine stops; lookups eventually miss.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get(ctx, "web-1"); errors.Is(err, domain.ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("removed sprite still resolvable")
}

func TestRegistrySetDesired(t *testing.T) {
	r := newTestRegistry(&fakeAPI{status: "ready"})
	defer r.Stop()

	ctx := context.Background()
	if err := r.Add(ctx, "web-1", sprite.StateReady, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDesired(ctx, "web-1", sprite.StateHibernating); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}

	st, err := r.Get(ctx, "web-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.DesiredState != sprite.StateHibernating {
		t.Errorf("desired = %s, want hibernating", st.DesiredState)
	}
}

func TestRegistrySummary(t *testing.T) {
	api := &fakeAPI{status: "ready"}
	r := newTestRegistry(api)
	defer r.Stop()

	ctx := context.Background()
	for _, id := range []string{"web-1", "web-2", "db-1"} {
		if err := r.Add(ctx, id, sprite.StateReady, nil); err != nil {
			t.Fatal(err)
		}
	}

	s, err := r.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Total != 3 {
		t.Errorf("total = %d, want 3", s.Total)
	}
	var stateSum int
	for _, n := range s.ByState {
		stateSum += n
	}
	if stateSum != 3 {
		t.Errorf("state counts sum to %d, want 3", stateSum)
	}
}

func TestRegistryAudit(t *testing.T) {
	api := &fakeAPI{status: "ready"}
	r := newTestRegistry(api)
	defer r.Stop()

	ctx := context.Background()
	for _, id := range []string{"web-1", "web-2"} {
		if err := r.Add(ctx, id, sprite.StateReady, nil); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.Audit(); n != 2 {
		t.Errorf("audit touched %d machines, want 2", n)
	}

	// Every machine observes at least once shortly after the audit.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		api.mu.Lock()
		calls := api.getCalls
		api.mu.Unlock()
		if calls >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("audit did not trigger reconciliation")
}
