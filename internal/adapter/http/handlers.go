package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/domain/observation"
	"github.com/spritelab/fleetd/internal/domain/sprite"
	"github.com/spritelab/fleetd/internal/fleet"
	"github.com/spritelab/fleetd/internal/port/store"
	"github.com/spritelab/fleetd/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Fleet        *fleet.Registry
	Pipeline     *service.Pipeline
	Runs         *service.Runs
	Observations *service.Observations
	Profile      sprite.Profile
	// ApprovalPoke wakes the governance sweeper ahead of its poll interval.
	ApprovalPoke chan<- struct{}
}

// ---------------------------------------------------------------------------
// Health and fleet
// ---------------------------------------------------------------------------

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) FleetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Fleet.Summary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, sum)
}

func (h *Handlers) FleetAudit(w http.ResponseWriter, _ *http.Request) {
	n := h.Fleet.Audit()
	writeData(w, http.StatusAccepted, map[string]int{"reconciles_triggered": n})
}

// ---------------------------------------------------------------------------
// Sprites
// ---------------------------------------------------------------------------

type registerSpriteRequest struct {
	ID           string            `json:"id"`
	DesiredState string            `json:"desired_state"`
	Tags         map[string]string `json:"tags,omitempty"`
}

func (h *Handlers) RegisterSprite(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerSpriteRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.ID, "id") {
		return
	}
	desired := sprite.ParseState(req.DesiredState, h.Profile)
	if err := h.Fleet.Add(r.Context(), req.ID, desired, req.Tags); err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := h.Fleet.Get(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusCreated, st)
}

func (h *Handlers) ListSprites(w http.ResponseWriter, r *http.Request) {
	sprites, err := h.Fleet.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, sprites)
}

func (h *Handlers) GetSprite(w http.ResponseWriter, r *http.Request) {
	st, err := h.Fleet.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

type desiredStateRequest struct {
	State string `json:"state"`
}

func (h *Handlers) SetDesiredState(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[desiredStateRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.State, "state") {
		return
	}
	id := urlParam(r, "id")
	desired := sprite.ParseState(req.State, h.Profile)
	if err := h.Fleet.SetDesired(r.Context(), id, desired); err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := h.Fleet.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (h *Handlers) ReconcileSprite(w http.ResponseWriter, r *http.Request) {
	if err := h.Fleet.ReconcileNow(urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"status": "reconcile scheduled"})
}

func (h *Handlers) DeleteSprite(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Fleet.Remove(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}

// ---------------------------------------------------------------------------
// Observations
// ---------------------------------------------------------------------------

func (h *Handlers) CreateObservation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[observation.CreateRequest](w, r)
	if !ok {
		return
	}
	req.SpriteID = urlParam(r, "id")
	obs, err := h.Observations.Record(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusCreated, obs)
}

func (h *Handlers) ListObservations(w http.ResponseWriter, r *http.Request) {
	obs, err := h.Observations.List(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, obs)
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

func (h *Handlers) CreateIntent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[intent.CreateRequest](w, r)
	if !ok {
		return
	}
	in, err := h.Pipeline.Propose(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusCreated, in)
}

// ListIntents doubles as search: kind, state, source, since, until and limit
// are all optional query filters.
func (h *Handlers) ListIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Kind:       intent.Kind(q.Get("kind")),
		State:      intent.State(q.Get("state")),
		SourceType: intent.SourceType(q.Get("source")),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, CodeMissingField, "since must be RFC 3339")
			return
		}
		f.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, CodeMissingField, "until must be RFC 3339")
			return
		}
		f.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, CodeMissingField, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	intents, err := h.Pipeline.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, intents)
}

func (h *Handlers) GetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := h.Pipeline.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, in)
}

func (h *Handlers) IntentHistory(w http.ResponseWriter, r *http.Request) {
	log, err := h.Pipeline.History(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, log)
}

type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handlers) ApproveIntent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[decisionRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Actor, "actor") {
		return
	}
	in, err := h.Pipeline.Approve(r.Context(), urlParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, in)
}

func (h *Handlers) RejectIntent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[decisionRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Actor, "actor") {
		return
	}
	in, err := h.Pipeline.Reject(r.Context(), urlParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, in)
}

func (h *Handlers) CancelIntent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[decisionRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Actor, "actor") {
		return
	}
	in, err := h.Pipeline.Cancel(r.Context(), urlParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, in)
}

func (h *Handlers) AttachPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := readJSON[intent.Plan](w, r)
	if !ok {
		return
	}
	in, err := h.Pipeline.AttachPlan(r.Context(), urlParam(r, "id"), &plan)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, in)
}

type stepUpdateRequest struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

func (h *Handlers) UpdatePlanStep(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[stepUpdateRequest](w, r)
	if !ok {
		return
	}
	status := intent.StepStatus(req.Status)
	if !intent.ValidStepStatus(status) {
		writeError(w, http.StatusUnprocessableEntity, CodeMissingField, "unknown step status")
		return
	}
	in, err := h.Pipeline.UpdatePlanStep(r.Context(), urlParam(r, "id"), store.StepUpdate{
		StepID: urlParam(r, "stepID"),
		Status: status,
		Output: req.Output,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, in)
}

type executeRequest struct {
	SpriteID string `json:"sprite_id"`
}

func (h *Handlers) ExecuteIntent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[executeRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.SpriteID, "sprite_id") {
		return
	}
	rn, err := h.Runs.Execute(r.Context(), urlParam(r, "id"), req.SpriteID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, rn)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func (h *Handlers) ListRuns(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, h.Runs.List())
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Runs.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, rn)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (h *Handlers) AnswerRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[answerRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Answer, "answer") {
		return
	}
	rn, err := h.Runs.Answer(r.Context(), urlParam(r, "id"), req.Answer)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, rn)
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

// HandleApprovalWebhook acknowledges an approval-platform notification and
// wakes the governance sweeper. The payload itself is not trusted; the
// sweeper re-reads issue state from the tracker.
func (h *Handlers) HandleApprovalWebhook(w http.ResponseWriter, _ *http.Request) {
	if h.ApprovalPoke != nil {
		select {
		case h.ApprovalPoke <- struct{}{}:
		default:
		}
	}
	writeData(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
