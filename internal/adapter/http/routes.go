package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/spritelab/fleetd/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, dedup *middleware.Deduper) {
	// Webhooks (deduplicated on delivery id; redelivery is acknowledged
	// without reprocessing)
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.With(middleware.Dedup(dedup)).Post("/approval", h.HandleApprovalWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Fleet
		r.Get("/fleet", h.FleetSummary)
		r.Post("/fleet/audit", h.FleetAudit)

		// Sprites
		r.Get("/sprites", h.ListSprites)
		r.Post("/sprites", h.RegisterSprite)
		r.Get("/sprites/{id}", h.GetSprite)
		r.Put("/sprites/{id}/desired-state", h.SetDesiredState)
		r.Post("/sprites/{id}/reconcile", h.ReconcileSprite)
		r.Delete("/sprites/{id}", h.DeleteSprite)

		// Observations (nested under sprites)
		r.Post("/sprites/{id}/observations", h.CreateObservation)
		r.Get("/sprites/{id}/observations", h.ListObservations)

		// Intents
		r.Get("/intents", h.ListIntents)
		r.Post("/intents", h.CreateIntent)
		r.Get("/intents/{id}", h.GetIntent)
		r.Get("/intents/{id}/history", h.IntentHistory)
		r.Post("/intents/{id}/approve", h.ApproveIntent)
		r.Post("/intents/{id}/reject", h.RejectIntent)
		r.Post("/intents/{id}/cancel", h.CancelIntent)
		r.Post("/intents/{id}/plan", h.AttachPlan)
		r.Put("/intents/{id}/plan/steps/{stepID}", h.UpdatePlanStep)
		r.Post("/intents/{id}/execute", h.ExecuteIntent)

		// Runs
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/answer", h.AnswerRun)
	})
}
