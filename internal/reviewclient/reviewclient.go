// Package reviewclient is the HTTP client for the code-review server,
// one of the external collaborators SPEC_FULL.md §1 scopes out of the
// core. It is grounded on the teacher's go/client/client.go
// GradleBuildClient, generalised from build submission to change
// listing and review posting, reusing the shared workitem types
// instead of redeclaring duplicate DTOs, and using a consistent
// "Authorization: Bearer" header rather than the teacher's
// inconsistent X-Auth-Token.
package reviewclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/verygreen/lustretester/internal/workitem"
)

// Client talks to the code-review server's REST-ish API
// (SPEC_FULL.md §6: GET /changes, POST /changes/<id>/revisions/<rev>/review).
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

// New constructs a Client with a 30s default timeout, matching the
// teacher's NewClient.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewAuthenticated constructs a Client carrying a bearer token.
func NewAuthenticated(baseURL, token string) *Client {
	c := New(baseURL)
	c.AuthToken = token
	return c
}

// ChangeSummary is one row returned by GET /changes: enough to build a
// workitem.ChangeRecord and decide whether it is already in the local
// review-history file.
type ChangeSummary struct {
	ID              int      `json:"id"`
	Revision        int      `json:"revision"`
	Branch          string   `json:"branch"`
	CommitMessage   string   `json:"commit_message"`
	ChangedFiles    []string `json:"changed_files"`
	Topic           string   `json:"topic"`
	Score           int      `json:"score"`
	Open            bool     `json:"open"`
	BranchTip       bool     `json:"branch_tip"`
}

func (c ChangeSummary) ToChangeRecord() workitem.ChangeRecord {
	return workitem.ChangeRecord{
		ID:            c.ID,
		Revision:      c.Revision,
		Branch:        c.Branch,
		CommitMessage: c.CommitMessage,
		ChangedFiles:  c.ChangedFiles,
		Topic:         c.Topic,
		BranchTip:     c.BranchTip,
	}
}

// ListChanges fetches the change list from GET /changes, filtered by
// topic when one is given, and returns it as the server sent it: no
// filtering by status, age or score and no sorting is applied here.
func (c *Client) ListChanges(ctx context.Context, topic string) ([]ChangeSummary, error) {
	url := fmt.Sprintf("%s/changes", c.BaseURL)
	if topic != "" {
		url += "?topic=" + topic
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list changes: unexpected status %d", resp.StatusCode)
	}
	var changes []ChangeSummary
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	return changes, nil
}

// ReviewComment is one line-anchored or top-level message posted back
// to a change, per the taxonomy of SPEC_FULL.md §7.
type ReviewComment struct {
	Message string        `json:"message"`
	Score   int           `json:"score,omitempty"`
	Inline  []LineComment `json:"inline,omitempty"`
}

// LineComment anchors a comment at a specific file/line.
type LineComment struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// PostReview posts a final (or partial) review to a change revision.
// On transport failure it is the caller's responsibility to persist
// the post for offline retry, per SPEC_FULL.md §7 "Post failure".
func (c *Client) PostReview(ctx context.Context, changeID, revision int, comment ReviewComment) error {
	url := fmt.Sprintf("%s/changes/%d/revisions/%d/review", c.BaseURL, changeID, revision)
	data, err := json.Marshal(comment)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post review: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// PostInlineComment posts a single immediate, rate-limited inline
// comment, used by the Crash Analyzer (SPEC_FULL.md §4.5 step 5). It
// satisfies internal/crashanalyzer.ReviewPoster.
func (c *Client) PostInlineComment(ctx context.Context, changeID, revision int, path string, line int, message string) error {
	return c.PostReview(ctx, changeID, revision, ReviewComment{
		Message: "Immediate crash notification",
		Inline: []LineComment{
			{Path: path, Line: line, Message: message},
		},
	})
}

func (c *Client) setAuth(req *http.Request) {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
}

// HealthCheck verifies the review server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
