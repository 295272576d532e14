package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client, shaped for the chat
// gateway that relays button presses and modal submissions.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Brief               string    `json:"brief,omitempty"`
	Reward              int64     `json:"reward"`
	Status              string    `json:"status"`
	ThreadID            string    `json:"thread_id,omitempty"`
	EnrollmentWindowEnd time.Time `json:"enrollment_window_end"`
	SubmissionWindowEnd time.Time `json:"submission_window_end"`
	ScrapeCount         int       `json:"scrape_count"`
}

// Outcome is the result of an enrollment or submission attempt, e.g.
// ENROLLED, WINDOW_CLOSED or PROMPT_FOR_SUBMISSION.
type Outcome struct {
	Outcome  string `json:"outcome"`
	Accepted bool   `json:"accepted"`
}

// Submission is the input collected by the submission modal.
type Submission struct {
	TikTokLink    string `json:"tiktok_link,omitempty"`
	InstagramLink string `json:"instagram_link,omitempty"`
	Reflection    string `json:"reflection,omitempty"`
}

// SubmissionResult reports what was stored.
type SubmissionResult struct {
	Outcome  string `json:"outcome"`
	Platform string `json:"platform,omitempty"`
}

// Contributor represents a synced community member.
type Contributor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Active   bool   `json:"active"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Mission fetches one mission.
func (c *Client) Mission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, missionPath(id, ""), nil, &resp)
	return resp, err
}

// Missions lists missions, optionally filtered by status.
func (c *Client) Missions(ctx context.Context, status string, limit int) ([]Mission, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "missions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Mission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Enroll handles the accept button for a contributor holding roles.
func (c *Client) Enroll(ctx context.Context, missionID, contributorID, username string, roles []string) (Outcome, error) {
	body := map[string]any{
		"contributor_id": contributorID,
		"username":       username,
		"roles":          roles,
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, missionPath(missionID, "enrollments"), body, &resp)
	return resp, err
}

// CheckSubmission handles the submit button. An accepted outcome means the
// gateway should show the submission modal.
func (c *Client) CheckSubmission(ctx context.Context, missionID, contributorID string) (Outcome, error) {
	body := map[string]any{"contributor_id": contributorID}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, missionPath(missionID, "submission-checks"), body, &resp)
	return resp, err
}

// Submit records the modal contents.
func (c *Client) Submit(ctx context.Context, missionID, contributorID string, s Submission) (SubmissionResult, error) {
	body := map[string]any{
		"contributor_id": contributorID,
		"tiktok_link":    s.TikTokLink,
		"instagram_link": s.InstagramLink,
		"reflection":     s.Reflection,
	}
	var resp SubmissionResult
	err := c.do(ctx, http.MethodPost, missionPath(missionID, "submissions"), body, &resp)
	return resp, err
}

// SyncContributor upserts a community member and their eligibility roles.
func (c *Client) SyncContributor(ctx context.Context, id, username string, roles []string) (Contributor, error) {
	body := map[string]any{
		"contributor_id": id,
		"username":       username,
		"roles":          roles,
	}
	var resp Contributor
	err := c.do(ctx, http.MethodPost, "contributors/sync", body, &resp)
	return resp, err
}

// Events returns recent events, optionally for one mission.
func (c *Client) Events(ctx context.Context, missionID string, limit int) ([]Event, error) {
	q := url.Values{}
	if missionID != "" {
		q.Set("mission_id", missionID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func missionPath(id, sub string) string {
	p := "missions/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
