package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client. Retries are left to
// RetryClient.
func NewAnthropicClient(opts Options) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	m := opts.Model
	if m == "" {
		m = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		model:  m,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	m := req.Model
	if m == "" {
		m = c.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m),
		MaxTokens: int64(maxTokens(req)),
		Messages:  anthropicMessages(req.Turns),
		Tools:     anthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Model:      string(resp.Model),
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: arguments(block.Input),
			})
		}
	}
	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

// anthropicMessages converts turns into alternating user/assistant messages.
// Tool results travel as user content, so consecutive tool turns and a
// following user turn collapse into one message.
func anthropicMessages(turns []model.Turn) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, t := range turns {
		switch t.Role {
		case model.RoleUser:
			add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(t.Content))
		case model.RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(t.ToolCallID, t.Content, t.IsError))
		case model.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if t.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			}
			for _, tc := range t.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, arguments(tc.Arguments), tc.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)
		}
	}
	return out
}

func anthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		schema := anthropic.ToolInputSchemaParam{Properties: s.Parameters["properties"]}
		if req, ok := s.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tool := anthropic.ToolUnionParamOfTool(schema, s.Name)
		tool.OfTool.Description = anthropic.String(s.Description)
		tools = append(tools, tool)
	}
	return tools
}
