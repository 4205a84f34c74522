// Package github implements the approval tracker port on the GitHub Issues
// REST API. Approval requests become issues; operators answer with labels.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/port/approval"
)

const defaultBaseURL = "https://api.github.com"

// Tracker implements approval.Tracker against one GitHub repository.
type Tracker struct {
	baseURL    string
	repo       string // owner/repo
	token      string
	httpClient *http.Client
}

// NewTracker creates a tracker for the given owner/repo with a bearer token.
func NewTracker(repo, token string) (*Tracker, error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: repo %q, expected owner/repo", domain.ErrValidation, repo)
	}
	return &Tracker{
		baseURL:    defaultBaseURL,
		repo:       repo,
		token:      token,
		httpClient: http.DefaultClient,
	}, nil
}

// ghIssue mirrors the JSON shape of the GitHub issues API.
type ghIssue struct {
	Number int       `json:"number"`
	State  string    `json:"state"`
	Labels []ghLabel `json:"labels"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghComment struct {
	Body string `json:"body"`
}

// CreateIssue opens a new issue and returns its number as the tracker id.
func (t *Tracker) CreateIssue(ctx context.Context, title, body string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"title": title, "body": body})
	url := fmt.Sprintf("%s/repos/%s/issues", t.baseURL, t.repo)

	resp, err := t.doRequest(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", fmt.Errorf("github create issue: %w", err)
	}

	var issue ghIssue
	if err := json.Unmarshal(resp, &issue); err != nil {
		return "", fmt.Errorf("github parse response: %w", err)
	}
	return strconv.Itoa(issue.Number), nil
}

// GetIssue fetches the issue's labels, comments and open/closed state.
func (t *Tracker) GetIssue(ctx context.Context, id string) (*approval.Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%s", t.baseURL, t.repo, id)
	resp, err := t.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("github get issue: %w", err)
	}

	var issue ghIssue
	if err := json.Unmarshal(resp, &issue); err != nil {
		return nil, fmt.Errorf("github parse response: %w", err)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}

	commentsURL := fmt.Sprintf("%s/repos/%s/issues/%s/comments", t.baseURL, t.repo, id)
	resp, err = t.doRequest(ctx, http.MethodGet, commentsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("github list comments: %w", err)
	}
	var ghComments []ghComment
	if err := json.Unmarshal(resp, &ghComments); err != nil {
		return nil, fmt.Errorf("github parse response: %w", err)
	}
	comments := make([]string, 0, len(ghComments))
	for _, c := range ghComments {
		comments = append(comments, c.Body)
	}

	return &approval.Issue{
		ID:       id,
		Labels:   labels,
		Comments: comments,
		Closed:   issue.State == "closed",
	}, nil
}

// UpdateIssue patches issue attributes, e.g. {"state": "closed"}.
func (t *Tracker) UpdateIssue(ctx context.Context, id string, attrs map[string]string) error {
	payload, _ := json.Marshal(attrs)
	url := fmt.Sprintf("%s/repos/%s/issues/%s", t.baseURL, t.repo, id)
	if _, err := t.doRequest(ctx, http.MethodPatch, url, payload); err != nil {
		return fmt.Errorf("github update issue: %w", err)
	}
	return nil
}

// CreateComment posts a comment on the issue.
func (t *Tracker) CreateComment(ctx context.Context, id, body string) error {
	payload, _ := json.Marshal(map[string]string{"body": body})
	url := fmt.Sprintf("%s/repos/%s/issues/%s/comments", t.baseURL, t.repo, id)
	if _, err := t.doRequest(ctx, http.MethodPost, url, payload); err != nil {
		return fmt.Errorf("github create comment: %w", err)
	}
	return nil
}

func (t *Tracker) doRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+t.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", url, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200))
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
