package opsdecksdk

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

// Client is a minimal OpsDeck HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	Assignee       string  `json:"assignee"`
	AssigneeID     string  `json:"assignee_id,omitempty"`
	Priority       string  `json:"priority"`
	EstimatedHours float64 `json:"estimated_hours"`
}

// Meeting represents the shared live-meeting record.
type Meeting struct {
	ID           string   `json:"id"`
	HostID       string   `json:"host_id"`
	HostName     string   `json:"host_name"`
	Topic        string   `json:"topic"`
	StartTime    string   `json:"start_time"`
	Participants []string `json:"participants"`
}

// MeetingState is the polled meeting status.
type MeetingState struct {
	Active  bool     `json:"active"`
	Meeting *Meeting `json:"meeting,omitempty"`
}

// Session represents an archived meeting.
type Session struct {
	ID              string   `json:"id"`
	Date            string   `json:"date"`
	DurationSeconds int64    `json:"duration_seconds"`
	Transcript      []string `json:"transcript"`
	Summary         string   `json:"summary"`
	ActionItems     []string `json:"action_items"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// BoardColumn groups tasks under one status.
type BoardColumn struct {
	Status string `json:"status"`
	Tasks  []Task `json:"tasks"`
}

// Board is the full kanban view.
type Board struct {
	ProjectID string        `json:"project_id"`
	Columns   []BoardColumn `json:"columns"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, title, priority string) (Task, error) {
	body := map[string]any{
		"title":    title,
		"priority": priority,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// MoveTask sets a task's status.
func (c *Client) MoveTask(ctx context.Context, taskID, status string) (Task, error) {
	body := map[string]any{"status": status}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Board returns the kanban view grouped by status.
func (c *Client) Board(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, c.projectPath("board"), nil, &resp)
	return resp, err
}

// MeetingState returns the current live-meeting record; callers poll this.
func (c *Client) MeetingState(ctx context.Context) (MeetingState, error) {
	var resp MeetingState
	err := c.do(ctx, http.MethodGet, "v0/meeting", nil, &resp)
	return resp, err
}

// StartMeeting starts a live meeting with the given topic.
func (c *Client) StartMeeting(ctx context.Context, topic string) (Meeting, error) {
	body := map[string]any{"topic": topic}
	var resp Meeting
	err := c.do(ctx, http.MethodPost, "v0/meeting/start", body, &resp)
	return resp, err
}

// JoinMeeting adds the caller to the live meeting.
func (c *Client) JoinMeeting(ctx context.Context) (Meeting, error) {
	var resp Meeting
	err := c.do(ctx, http.MethodPost, "v0/meeting/join", nil, &resp)
	return resp, err
}

// LeaveMeeting removes the caller from the live meeting.
func (c *Client) LeaveMeeting(ctx context.Context) (Meeting, error) {
	var resp Meeting
	err := c.do(ctx, http.MethodPost, "v0/meeting/leave", nil, &resp)
	return resp, err
}

// StopMeeting ends the live meeting and returns the archived session.
func (c *Client) StopMeeting(ctx context.Context, transcript []string) (Session, error) {
	body := map[string]any{"transcript": transcript}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/meeting/stop", body, &resp)
	return resp, err
}

// Sessions returns archived meeting sessions.
func (c *Client) Sessions(ctx context.Context, limit int) ([]Session, error) {
	var resp struct {
		Items []Session `json:"items"`
	}
	endpoint := "v0/sessions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if c.ProjectID != "" {
		endpoint = fmt.Sprintf("%s?project_id=%s", endpoint, url.QueryEscape(c.ProjectID))
	}
	if limit > 0 {
		endpoint = appendQuery(endpoint, fmt.Sprintf("limit=%d", limit))
	}
	if cursor != "" {
		endpoint = appendQuery(endpoint, "after="+url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func appendQuery(endpoint, q string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + q
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
