// Package run defines execution sessions of approved intents against sprites.
package run

import "time"

// Status is the current state of an execution session.
type Status string

const (
	StatusRunning         Status = "running"
	StatusBlocked         Status = "blocked"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Run is a single execution session of an approved intent on a sprite.
type Run struct {
	ID              string     `json:"id"`
	IntentID        string     `json:"intent_id"`
	SpriteID        string     `json:"sprite_id"`
	Executor        string     `json:"executor"`
	Status          Status     `json:"status"`
	BlockedReason   string     `json:"blocked_reason,omitempty"`
	PendingQuestion string     `json:"pending_question,omitempty"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Event types published on the runs channel.
const (
	EventStarted         = "run.started"
	EventBlocked         = "run.blocked"
	EventWaitingForInput = "run.waiting_for_input"
	EventResumed         = "run.resumed"
	EventFinished        = "run.finished"
)

// Event is the payload broadcast for every run lifecycle change.
type Event struct {
	RunID    string    `json:"run_id"`
	IntentID string    `json:"intent_id"`
	SpriteID string    `json:"sprite_id,omitempty"`
	Status   Status    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Question string    `json:"question,omitempty"`
	At       time.Time `json:"at"`
}
