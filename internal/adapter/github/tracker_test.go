package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/port/approval"
)

// Compile-time interface check.
var _ approval.Tracker = (*Tracker)(nil)

func newTestTracker(t *testing.T, handler http.HandlerFunc) *Tracker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr, err := NewTracker("owner/repo", "test-token")
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr.baseURL = srv.URL
	return tr
}

func TestNewTrackerRejectsBadRepo(t *testing.T) {
	for _, repo := range []string{"", "norepo", "a/b/c", "/repo", "owner/"} {
		if _, err := NewTracker(repo, "tok"); err == nil {
			t.Errorf("repo %q accepted", repo)
		}
	}
}

func TestCreateIssue(t *testing.T) {
	tr := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/owner/repo/issues" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !strings.Contains(body["title"], "approval") {
			t.Errorf("title = %q", body["title"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ghIssue{Number: 17, State: "open"})
	})

	id, err := tr.CreateIssue(context.Background(), "approval needed: redeploy web", "details")
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if id != "17" {
		t.Errorf("id = %q, want 17", id)
	}
}

func TestGetIssue(t *testing.T) {
	tr := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repos/owner/repo/issues/17":
			_ = json.NewEncoder(w).Encode(ghIssue{
				Number: 17, State: "closed",
				Labels: []ghLabel{{Name: "fleet-approved"}},
			})
		case "/repos/owner/repo/issues/17/comments":
			_ = json.NewEncoder(w).Encode([]ghComment{{Body: "lgtm"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	issue, err := tr.GetIssue(context.Background(), "17")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if !issue.Closed {
		t.Error("issue not marked closed")
	}
	if len(issue.Labels) != 1 || issue.Labels[0] != "fleet-approved" {
		t.Errorf("labels = %v", issue.Labels)
	}
	if len(issue.Comments) != 1 || issue.Comments[0] != "lgtm" {
		t.Errorf("comments = %v", issue.Comments)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	tr := newTestTracker(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if _, err := tr.GetIssue(context.Background(), "999"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCreateComment(t *testing.T) {
	var posted string
	tr := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/owner/repo/issues/17/comments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		posted = body["body"]
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("{}"))
	})

	if err := tr.CreateComment(context.Background(), "17", "escalated for review"); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if posted != "escalated for review" {
		t.Errorf("posted = %q", posted)
	}
}
