package advisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"opsdeck/internal/advisor"
	"opsdeck/internal/domain"
)

func fakeEndpoint(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req struct {
			Model    string            `json:"model"`
			Messages []advisor.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) == 0 {
			t.Errorf("request carried no messages")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL string) *advisor.Client {
	return &advisor.Client{
		BaseURL:    baseURL,
		Model:      "test-model",
		APIKey:     "test-key",
		HTTPClient: http.DefaultClient,
	}
}

func TestDraftTask(t *testing.T) {
	srv := fakeEndpoint(t, `{"title":"Add rate limiting","description":"429 on burst","priority":"high","acceptance_criteria":["returns 429"],"estimated_hours":3}`)
	c := newClient(srv.URL)

	draft, err := c.DraftTask(context.Background(), "protect the public api")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if draft.Title != "Add rate limiting" || draft.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if draft.EstimatedHours != 3 {
		t.Fatalf("estimate not carried: %v", draft.EstimatedHours)
	}
}

func TestDraftTaskNormalizesBadPriority(t *testing.T) {
	srv := fakeEndpoint(t, `{"title":"x","priority":"urgent"}`)
	draft, err := newClient(srv.URL).DraftTask(context.Background(), "x")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if draft.Priority != domain.PriorityMedium {
		t.Fatalf("unknown priority should normalize to medium, got %s", draft.Priority)
	}
}

func TestFencedJSONAccepted(t *testing.T) {
	srv := fakeEndpoint(t, "```json\n{\"summary\":\"short one\",\"action_items\":[\"follow up\"]}\n```")
	sum, err := newClient(srv.URL).SummarizeMeeting(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Summary != "short one" || len(sum.ActionItems) != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestEndpointDownFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newClient(srv.URL)

	task := domain.Task{Title: "Fix flaky test", EstimatedHours: 2}
	est, err := c.EstimateEffort(context.Background(), task)
	if !errors.Is(err, advisor.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if est.Hours != 2 {
		t.Fatalf("fallback should keep current estimate, got %v", est.Hours)
	}

	reply, err := c.Chat(context.Background(), []advisor.Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, advisor.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if reply == "" {
		t.Fatalf("chat fallback should not be empty")
	}
}

func TestNoEndpointConfigured(t *testing.T) {
	c := &advisor.Client{Model: "m"}
	draft, err := c.DraftTask(context.Background(), "add caching layer\nwith redis")
	if !errors.Is(err, advisor.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if draft.Title != "add caching layer" {
		t.Fatalf("fallback title should be the first line, got %q", draft.Title)
	}
	if draft.Priority != domain.PriorityMedium {
		t.Fatalf("fallback priority should be medium")
	}
}

func TestMalformedCompletionFallsBack(t *testing.T) {
	srv := fakeEndpoint(t, "definitely not json")
	_, err := newClient(srv.URL).SummarizeMeeting(context.Background(), []string{"a"})
	if !errors.Is(err, advisor.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on malformed output, got %v", err)
	}
}
