package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

var searchTool = ToolSpec{
	Name:        "search_free_slots",
	Description: "Find free slots",
	Parameters: map[string]any{
		"properties": map[string]any{"date": map[string]any{"type": "string"}},
		"required":   []string{"date"},
	},
}

var history = []model.Turn{
	{Role: model.RoleUser, Content: "find time tomorrow"},
	{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
		{ID: "call_1", Name: "search_free_slots", Arguments: json.RawMessage(`{"date":"tomorrow"}`)},
	}},
	{Role: model.RoleTool, ToolCallID: "call_1", ToolName: "search_free_slots", Content: `{"slots":[]}`},
}

func TestAnthropicComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [
				{"type": "text", "text": "Looking."},
				{"type": "tool_use", "id": "tu_2", "name": "search_free_slots", "input": {"date": "today"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`)
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(Options{APIKey: "k", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Complete(context.Background(), &Request{System: "be brief", Turns: history, Tools: []ToolSpec{searchTool}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Text != "Looking." || resp.TokensIn != 12 || resp.TokensOut != 7 {
		t.Errorf("resp = %+v", resp)
	}
	if !resp.HasToolCalls() || resp.ToolCalls[0].ID != "tu_2" || resp.ToolCalls[0].Name != "search_free_slots" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	var args map[string]string
	if err := json.Unmarshal(resp.ToolCalls[0].Arguments, &args); err != nil || args["date"] != "today" {
		t.Errorf("Arguments = %s", resp.ToolCalls[0].Arguments)
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want 3 (user, assistant, tool result)", len(msgs))
	}
	last := msgs[2].(map[string]any)
	content := last["content"].([]any)[0].(map[string]any)
	if last["role"] != "user" || content["type"] != "tool_result" || content["tool_use_id"] != "call_1" {
		t.Errorf("tool result message = %v", last)
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("sent tools = %v", body["tools"])
	}
}

func TestAnthropicMessagesMergesToolResults(t *testing.T) {
	turns := []model.Turn{
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}},
		{Role: model.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: model.RoleTool, ToolCallID: "b", Content: "2"},
		{Role: model.RoleAssistant, Content: "done"},
	}
	msgs := anthropicMessages(turns)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if len(msgs[2].Content) != 2 {
		t.Errorf("tool results in one message = %d, want 2", len(msgs[2].Content))
	}
}

func TestOpenAIComplete(t *testing.T) {
	var body openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "c1", "object": "chat.completion", "model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_9", "type": "function",
					"function": {"name": "create_event", "arguments": "{\"summary\":\"Sync\"}"}}]
			}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24}
		}`)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Options{APIKey: "k", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Complete(context.Background(), &Request{System: "sys", Turns: history, Tools: []ToolSpec{searchTool}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "create_event" || string(resp.ToolCalls[0].Arguments) != `{"summary":"Sync"}` {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.TokensIn != 20 {
		t.Errorf("TokensIn = %d", resp.TokensIn)
	}

	if len(body.Messages) != 4 || body.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("messages = %+v", body.Messages)
	}
	if m := body.Messages[3]; m.Role != openai.ChatMessageRoleTool || m.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", m)
	}
	if m := body.Messages[2]; len(m.ToolCalls) != 1 || m.ToolCalls[0].Function.Arguments != `{"date":"tomorrow"}` {
		t.Errorf("assistant message = %+v", m)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(ProviderAnthropic, Options{}); err == nil {
		t.Error("anthropic without key: error = nil")
	}
	if _, err := NewClient(ProviderOpenAI, Options{}); err == nil {
		t.Error("openai without key: error = nil")
	}
}

type flakyClient struct {
	errs  []error
	calls int
}

func (f *flakyClient) Name() string { return "flaky" }

func (f *flakyClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &Response{Text: "ok"}, nil
}

func newTestRetry(next Client, retries int) *RetryClient {
	c := NewRetryClient(next, retries, 0, logger.NewNop())
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestRetryClient(t *testing.T) {
	transient := errors.New("connection reset")
	permanent := &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad"}

	tests := []struct {
		name      string
		errs      []error
		retries   int
		wantErr   bool
		wantCalls int
	}{
		{"succeeds first time", nil, 2, false, 1},
		{"recovers from transient", []error{transient, transient}, 2, false, 3},
		{"exhausts budget", []error{transient, transient, transient}, 2, true, 3},
		{"stops on client error", []error{permanent}, 5, true, 1},
		{"retries rate limit", []error{&openai.APIError{HTTPStatusCode: 429}}, 1, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &flakyClient{errs: tt.errs}
			resp, err := newTestRetry(f, tt.retries).Complete(context.Background(), &Request{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Complete() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && resp.Text != "ok" {
				t.Errorf("Text = %q", resp.Text)
			}
			if f.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", f.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryClientHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &flakyClient{errs: []error{context.Canceled, context.Canceled}}
	c := NewRetryClient(f, 3, time.Second, logger.NewNop())
	if _, err := c.Complete(ctx, &Request{}); err == nil {
		t.Fatal("Complete() error = nil")
	}
	if f.calls > 1 {
		t.Errorf("calls = %d, want at most 1", f.calls)
	}
}
