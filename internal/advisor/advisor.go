// Package advisor is the boundary to the language-model endpoint. Every
// call degrades to a deterministic fallback when the endpoint is slow,
// down or returns garbage: callers always get usable content plus
// ErrUnavailable, never a hard failure.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
)

// ErrUnavailable wraps any transport or decode failure. Callers check it
// with errors.Is and still use the returned fallback content.
var ErrUnavailable = errors.New("advisor unavailable")

const (
	defaultTimeout = 30 * time.Second
	defaultModel   = "gemini-2.0-flash"
)

type Client struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
}

// New builds a client from the workspace config. The API key is read
// from the environment, never from the config file.
func New(cfg *config.Config) *Client {
	timeout := defaultTimeout
	model := defaultModel
	baseURL := ""
	apiKey := ""
	if cfg != nil {
		if cfg.Advisor.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.Advisor.TimeoutSeconds) * time.Second
		}
		if cfg.Advisor.Model != "" {
			model = cfg.Advisor.Model
		}
		baseURL = cfg.Advisor.BaseURL
		if cfg.Advisor.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.Advisor.APIKeyEnv)
		}
	}
	return &Client{
		BaseURL:    baseURL,
		Model:      model,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type Message struct {
	Role    string `json:"role" enum:"system,user,assistant"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// complete runs one chat-completion round trip and returns the assistant
// text. Any failure comes back wrapped in ErrUnavailable.
func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}
	body, err := json.Marshal(chatRequest{Model: c.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return parsed.Choices[0].Message.Content, nil
}

// completeJSON asks for strict JSON output and decodes it into out.
// Models like to wrap JSON in markdown fences, so those are stripped.
func (c *Client) completeJSON(ctx context.Context, system, user string, out any) error {
	content, err := c.complete(ctx, []Message{
		{Role: "system", Content: system + " Respond with a single JSON object and nothing else."},
		{Role: "user", Content: user},
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFences(content)), out); err != nil {
		return fmt.Errorf("%w: malformed completion: %v", ErrUnavailable, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// TaskDraft is the advisor's proposal for a new task.
type TaskDraft struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Category           string   `json:"category"`
	Priority           string   `json:"priority"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	EstimatedHours     float64  `json:"estimated_hours"`
}

// DraftTask expands a one-line brief into a full task draft.
func (c *Client) DraftTask(ctx context.Context, brief string) (TaskDraft, error) {
	fallback := TaskDraft{
		Title:       firstLine(brief),
		Description: brief,
		Priority:    domain.PriorityMedium,
	}
	var draft TaskDraft
	err := c.completeJSON(ctx,
		`You draft engineering tasks. Keys: title, description, category, priority (low|medium|high), acceptance_criteria (array of strings), estimated_hours (number).`,
		brief, &draft)
	if err != nil {
		return fallback, err
	}
	if draft.Title == "" {
		draft.Title = fallback.Title
	}
	if !domain.ValidPriority(draft.Priority) {
		draft.Priority = domain.PriorityMedium
	}
	return draft, nil
}

// Estimate is an effort estimate with its reasoning.
type Estimate struct {
	Hours     float64 `json:"hours"`
	Rationale string  `json:"rationale"`
}

func (c *Client) EstimateEffort(ctx context.Context, t domain.Task) (Estimate, error) {
	fallback := Estimate{Hours: t.EstimatedHours, Rationale: "estimate unchanged, advisor unreachable"}
	var est Estimate
	err := c.completeJSON(ctx,
		`You estimate engineering effort. Keys: hours (number), rationale (string).`,
		describeTask(t), &est)
	if err != nil {
		return fallback, err
	}
	if est.Hours <= 0 {
		est.Hours = fallback.Hours
	}
	return est, nil
}

// Insights is a workload read across the whole board.
type Insights struct {
	Summary     string   `json:"summary"`
	Risks       []string `json:"risks"`
	Suggestions []string `json:"suggestions"`
}

func (c *Client) TeamInsights(ctx context.Context, tasks []domain.Task, users []domain.User) (Insights, error) {
	counts := map[string]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	fallback := Insights{
		Summary: fmt.Sprintf("%d tasks on the board: %d todo, %d in progress, %d in review, %d done.",
			len(tasks), counts[domain.StatusTodo], counts[domain.StatusInProgress], counts[domain.StatusReview], counts[domain.StatusDone]),
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Team of %d.\n", len(users))
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- [%s/%s] %s (assignee: %s, est %.1fh)\n", t.Status, t.Priority, t.Title, t.Assignee, t.EstimatedHours)
	}
	var ins Insights
	err := c.completeJSON(ctx,
		`You analyze a team's task board. Keys: summary (string), risks (array of strings), suggestions (array of strings).`,
		sb.String(), &ins)
	if err != nil {
		return fallback, err
	}
	if ins.Summary == "" {
		ins.Summary = fallback.Summary
	}
	return ins, nil
}

// Coaching gives one contributor advice about their current workload.
func (c *Client) Coaching(ctx context.Context, user domain.User, tasks []domain.Task) (string, error) {
	fallback := fmt.Sprintf("You have %d task(s) assigned. Work the highest-priority item in progress first.", len(tasks))
	var sb strings.Builder
	fmt.Fprintf(&sb, "Advice for %s (%s):\n", user.Name, user.Role)
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- [%s/%s] %s\n", t.Status, t.Priority, t.Title)
	}
	content, err := c.complete(ctx, []Message{
		{Role: "system", Content: "You are a pragmatic engineering coach. Answer in a short paragraph."},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return fallback, err
	}
	return content, nil
}

// Standup turns the board into a short written standup report.
func (c *Client) Standup(ctx context.Context, tasks []domain.Task) (string, error) {
	var done, doing, next []string
	for _, t := range tasks {
		line := t.Title
		if t.Assignee != "" {
			line += " (" + t.Assignee + ")"
		}
		switch t.Status {
		case domain.StatusDone:
			done = append(done, line)
		case domain.StatusInProgress, domain.StatusReview:
			doing = append(doing, line)
		default:
			next = append(next, line)
		}
	}
	fallback := fmt.Sprintf("Done: %s\nIn flight: %s\nUp next: %s",
		joinOrNone(done), joinOrNone(doing), joinOrNone(next))
	content, err := c.complete(ctx, []Message{
		{Role: "system", Content: "You write concise daily standup reports with Done / In flight / Up next sections."},
		{Role: "user", Content: fallback},
	})
	if err != nil {
		return fallback, err
	}
	return content, nil
}

// TechnicalPlan drafts an implementation plan for a task.
func (c *Client) TechnicalPlan(ctx context.Context, t domain.Task) (string, error) {
	fallback := fmt.Sprintf("1. Break down \"%s\" into concrete steps.\n2. Identify affected components.\n3. Define the verification path.", t.Title)
	content, err := c.complete(ctx, []Message{
		{Role: "system", Content: "You write short numbered technical implementation plans for engineering tasks."},
		{Role: "user", Content: describeTask(t)},
	})
	if err != nil {
		return fallback, err
	}
	return content, nil
}

// MeetingSummary condenses a transcript into a summary and action items.
type MeetingSummary struct {
	Summary     string   `json:"summary"`
	ActionItems []string `json:"action_items"`
}

func (c *Client) SummarizeMeeting(ctx context.Context, transcript []string) (MeetingSummary, error) {
	fallback := MeetingSummary{
		Summary: fmt.Sprintf("Meeting with %d transcript entries. Summary unavailable.", len(transcript)),
	}
	var out MeetingSummary
	err := c.completeJSON(ctx,
		`You summarize engineering meetings. Keys: summary (string), action_items (array of strings).`,
		strings.Join(transcript, "\n"), &out)
	if err != nil {
		return fallback, err
	}
	if out.Summary == "" {
		out.Summary = fallback.Summary
	}
	return out, nil
}

// Chat is the free-form escape hatch: caller-managed history in, one
// assistant reply out.
func (c *Client) Chat(ctx context.Context, history []Message) (string, error) {
	const fallback = "The advisor is unreachable right now. Try again in a moment."
	messages := append([]Message{{Role: "system", Content: "You are a helpful assistant for a project task board."}}, history...)
	content, err := c.complete(ctx, messages)
	if err != nil {
		return fallback, err
	}
	return content, nil
}

func describeTask(t domain.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nStatus: %s\nPriority: %s\n", t.Title, t.Status, t.Priority)
	if t.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", t.Description)
	}
	for _, c := range t.AcceptanceCriteria {
		fmt.Fprintf(&sb, "Criterion: %s\n", c)
	}
	if t.EstimatedHours > 0 {
		fmt.Fprintf(&sb, "Current estimate: %.1fh\n", t.EstimatedHours)
	}
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, "; ")
}
