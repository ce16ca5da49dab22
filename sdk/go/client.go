package caselinesdk

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

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// PhaseStatus is one phase of a case timeline.
type PhaseStatus struct {
	Order                int    `json:"order"`
	Name                 string `json:"name,omitempty"`
	State                string `json:"state"`
	ExpectedDurationDays *int   `json:"expected_duration_days,omitempty"`
}

// Timeline is the API timeline model.
type Timeline struct {
	CaseID            string        `json:"case_id"`
	CaseType          string        `json:"case_type"`
	CurrentPhaseOrder int           `json:"current_phase_order"`
	Terminal          bool          `json:"terminal"`
	Phases            []PhaseStatus `json:"phases"`
	CreatedAt         string        `json:"created_at"`
	UpdatedAt         string        `json:"updated_at"`
}

// Activity is one entry of a case activity log.
type Activity struct {
	ID            string  `json:"id"`
	CaseID        string  `json:"case_id"`
	ActivityType  string  `json:"activity_type"`
	ReferenceID   *string `json:"reference_id,omitempty"`
	ReferenceType *string `json:"reference_type,omitempty"`
	Description   string  `json:"description,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// PaginatedActivities wraps list responses with cursors.
type PaginatedActivities struct {
	Items      []Activity `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Initialize creates the timeline for a case.
func (c *Client) Initialize(ctx context.Context, caseID, caseType string) (Timeline, error) {
	body := map[string]any{"case_type": caseType}
	var resp Timeline
	err := c.do(ctx, http.MethodPost, casePath(caseID, "timeline"), body, &resp)
	return resp, err
}

// Timeline fetches a case timeline.
func (c *Client) Timeline(ctx context.Context, caseID string) (Timeline, error) {
	var resp Timeline
	err := c.do(ctx, http.MethodGet, casePath(caseID, "timeline"), nil, &resp)
	return resp, err
}

// SetPhase moves the current phase pointer.
func (c *Client) SetPhase(ctx context.Context, caseID string, targetPhaseOrder int, note string) (Timeline, error) {
	body := map[string]any{"target_phase_order": targetPhaseOrder}
	if note != "" {
		body["note"] = note
	}
	var resp Timeline
	err := c.do(ctx, http.MethodPatch, casePath(caseID, "timeline/phase"), body, &resp)
	return resp, err
}

// CompletePhase completes the active phase.
func (c *Client) CompletePhase(ctx context.Context, caseID string, phaseOrder int, note string) (Timeline, error) {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	var resp Timeline
	endpoint := casePath(caseID, fmt.Sprintf("phases/%d/complete", phaseOrder))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SkipPhase skips the active phase.
func (c *Client) SkipPhase(ctx context.Context, caseID string, phaseOrder int, reason string) (Timeline, error) {
	body := map[string]any{}
	if reason != "" {
		body["note"] = reason
	}
	var resp Timeline
	endpoint := casePath(caseID, fmt.Sprintf("phases/%d/skip", phaseOrder))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordActivity appends an activity entry.
func (c *Client) RecordActivity(ctx context.Context, caseID, activityType, description string) (Activity, error) {
	body := map[string]any{
		"activity_type": activityType,
		"description":   description,
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, casePath(caseID, "activities"), body, &resp)
	return resp, err
}

// Activities returns recent activity entries.
func (c *Client) Activities(ctx context.Context, caseID string, limit int) ([]Activity, error) {
	page, err := c.ActivitiesPage(ctx, caseID, limit, "")
	return page.Items, err
}

// ActivitiesPage returns a paginated activity listing.
func (c *Client) ActivitiesPage(ctx context.Context, caseID string, limit int, cursor string) (PaginatedActivities, error) {
	endpoint := casePath(caseID, "activities")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedActivities
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteCase removes a case timeline and its activity log.
func (c *Client) DeleteCase(ctx context.Context, caseID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("v0/cases/%s", url.PathEscape(caseID)), nil, nil)
}

// CaseTypes lists the case types of the active catalog.
func (c *Client) CaseTypes(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "v0/case-types", nil, &resp)
	return resp, err
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

func casePath(caseID, p string) string {
	return fmt.Sprintf("v0/cases/%s/%s", url.PathEscape(caseID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
