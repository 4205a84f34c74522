package service

import (
	"context"
	"fmt"

	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/port/store"
)

// proposeRollback files a compensating maintenance intent for a failed one
// and back-references it from the original. The rollback goes through the
// normal pipeline: it gets classified and gated like any other intent, so
// there is no privileged undo path.
func (p *Pipeline) proposeRollback(ctx context.Context, failed *intent.Intent) error {
	if failed.Metadata[intent.MetaRollbackIntent] != "" {
		// Already proposed; a duplicate result record must not fan out.
		return nil
	}

	rb, err := p.Propose(ctx, intent.CreateRequest{
		Kind:    intent.KindMaintenance,
		Source:  intent.Source{Type: intent.SourceAgent, ID: "rollback-proposer"},
		Summary: fmt.Sprintf("rollback of %q: %s", failed.Summary, *failed.RollbackStrategy),
		Payload: map[string]any{
			"strategy": *failed.RollbackStrategy,
		},
		Metadata: map[string]string{
			intent.MetaRollbackFor: failed.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("propose rollback for %s: %w", failed.ID, err)
	}

	if _, err := p.store.Update(ctx, failed.ID, store.Changes{
		Metadata: map[string]string{intent.MetaRollbackIntent: rb.ID},
	}); err != nil {
		return fmt.Errorf("back-reference rollback %s on %s: %w", rb.ID, failed.ID, err)
	}

	p.log.Info("rollback proposed", "intent", failed.ID, "rollback", rb.ID)
	return nil
}
