package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	fleetotel "github.com/spritelab/fleetd/internal/adapter/otel"
	"github.com/spritelab/fleetd/internal/config"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/port/approval"
	"github.com/spritelab/fleetd/internal/port/store"
)

// Governance files an approval issue for every intent awaiting approval and
// maps tracker labels back to approve/reject decisions. It is deliberately
// poll-based: the tracker is the source of truth, and a missed webhook only
// delays a decision by one poll interval.
type Governance struct {
	store    store.Store
	pipeline *Pipeline
	tracker  approval.Tracker
	cfg      config.Approval
	log      *slog.Logger
}

// NewGovernance creates the approval glue.
func NewGovernance(st store.Store, p *Pipeline, tr approval.Tracker, cfg config.Approval, log *slog.Logger) *Governance {
	return &Governance{store: st, pipeline: p, tracker: tr, cfg: cfg, log: log}
}

// Run polls until ctx is canceled. Poke (e.g. from the webhook receiver)
// triggers an immediate pass.
func (g *Governance) Run(ctx context.Context, poke <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-poke:
		}
		if err := g.Sweep(ctx); err != nil {
			g.log.Error("governance sweep failed", "error", err)
		}
	}
}

// Sweep runs one pass: file issues for new awaiting intents, then check
// pending issues for decision labels.
func (g *Governance) Sweep(ctx context.Context) error {
	ctx, span := fleetotel.StartSweepSpan(ctx)
	defer span.End()

	pending, err := g.store.List(ctx, store.Filter{State: intent.StateAwaitingApproval})
	if err != nil {
		return fmt.Errorf("list awaiting intents: %w", err)
	}

	for i := range pending {
		in := &pending[i]
		issueID := in.Metadata[intent.MetaApprovalIssue]
		if issueID == "" {
			if err := g.fileIssue(ctx, in); err != nil {
				g.log.Error("approval issue creation failed", "intent", in.ID, "error", err)
			}
			continue
		}
		if err := g.applyDecision(ctx, in, issueID); err != nil {
			g.log.Error("approval decision failed", "intent", in.ID, "issue", issueID, "error", err)
		}
	}
	return nil
}

func (g *Governance) fileIssue(ctx context.Context, in *intent.Intent) error {
	title := fmt.Sprintf("approval needed: %s", in.Summary)
	id, err := g.tracker.CreateIssue(ctx, title, issueBody(in, g.cfg))
	if err != nil {
		return err
	}
	if _, err := g.store.Update(ctx, in.ID, store.Changes{
		Metadata: map[string]string{intent.MetaApprovalIssue: id},
	}); err != nil {
		return fmt.Errorf("record issue %s: %w", id, err)
	}
	g.log.Info("approval issue filed", "intent", in.ID, "issue", id)
	return nil
}

func (g *Governance) applyDecision(ctx context.Context, in *intent.Intent, issueID string) error {
	issue, err := g.tracker.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}

	actor := "governance:issue-" + issueID
	switch {
	case hasLabel(issue, g.cfg.ApproveLabel):
		if _, err := g.pipeline.Approve(ctx, in.ID, actor, "approved via "+g.cfg.ApproveLabel); err != nil {
			return err
		}
	case hasLabel(issue, g.cfg.RejectLabel):
		if _, err := g.pipeline.Reject(ctx, in.ID, actor, "rejected via "+g.cfg.RejectLabel); err != nil {
			return err
		}
	default:
		return nil
	}

	if err := g.tracker.UpdateIssue(ctx, issueID, map[string]string{"state": "closed"}); err != nil {
		g.log.Warn("approval issue close failed", "issue", issueID, "error", err)
	}
	return nil
}

func issueBody(in *intent.Intent, cfg config.Approval) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent `%s` (%s) needs a decision.\n\n", in.ID, in.Kind)
	fmt.Fprintf(&b, "Summary: %s\n", in.Summary)
	if in.Classification != nil {
		fmt.Fprintf(&b, "Classification: %s\n", *in.Classification)
	}
	if len(in.AffectedResources) > 0 {
		fmt.Fprintf(&b, "Affected resources: %s\n", strings.Join(in.AffectedResources, ", "))
	}
	if len(in.ExpectedSideEffects) > 0 {
		fmt.Fprintf(&b, "Expected side effects: %s\n", strings.Join(in.ExpectedSideEffects, ", "))
	}
	fmt.Fprintf(&b, "\nApply label `%s` to approve or `%s` to reject.\n", cfg.ApproveLabel, cfg.RejectLabel)
	return b.String()
}

func hasLabel(issue *approval.Issue, label string) bool {
	for _, l := range issue.Labels {
		if l == label {
			return true
		}
	}
	return false
}
