// Package approval defines the capability port for human sign-off via an
// external issue tracker. The governance layer files an issue per intent
// awaiting approval and maps labels back to decisions.
package approval

import "context"

// Issue is the tracked state of an approval request.
type Issue struct {
	ID       string
	Labels   []string
	Comments []string
	Closed   bool
}

// Tracker is the approval capability.
type Tracker interface {
	CreateIssue(ctx context.Context, title, body string) (id string, err error)
	GetIssue(ctx context.Context, id string) (*Issue, error)
	UpdateIssue(ctx context.Context, id string, attrs map[string]string) error
	CreateComment(ctx context.Context, id, body string) error
}
