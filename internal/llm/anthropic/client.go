// Package anthropic adapts the Anthropic Messages dialect onto the
// normalized llm.Provider interface, including extended-thinking block
// preservation across turns.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/agentserver/internal/llm"
)

const defaultMaxTokens int64 = 4096

// thinkingData preserves one extended-thinking block so it can be replayed
// on the next turn; Anthropic requires assistant messages to restate prior
// thinking blocks verbatim when extended thinking is enabled.
type thinkingData struct {
	Signature string `json:"signature"`
	Thinking  string `json:"thinking"`
}

// Client implements llm.Provider against the Anthropic Messages API.
type Client struct {
	sdk           anthropic.Client
	model         string
	maxTokens     int64
	thinkingModel bool
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens overrides the default response token ceiling.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithExtendedThinking turns on the thinking budget for models that support
// it (spec §4.4 thought-summary streaming).
func WithExtendedThinking() Option {
	return func(c *Client) { c.thinkingModel = true }
}

// New builds a Client. baseURL may be empty to use the public Anthropic API.
func New(apiKey, baseURL, model string, opts ...Option) *Client {
	sdkOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	c := &Client{sdk: anthropic.NewClient(sdkOpts...), model: model, maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string        { return "anthropic" }
func (c *Client) SupportsTools() bool { return true }

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

func adaptTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}
		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

// adaptMessages splits normalized messages into Anthropic's separate system
// prompt and message list, restoring saved thinking blocks onto assistant
// messages ahead of their text/tool_use content.
func adaptMessages(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("anthropic: messages required")
	}
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	toolResultCount := 0

	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case llm.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case llm.RoleUser:
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case llm.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.ThoughtSignature != "" {
				var saved []thinkingData
				if err := json.Unmarshal([]byte(m.ThoughtSignature), &saved); err == nil {
					for _, td := range saved {
						blocks = append(blocks, anthropic.NewThinkingBlock(td.Signature, td.Thinking))
					}
				}
			}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case llm.RoleTool:
			id := strings.TrimSpace(m.ToolID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(id, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return system, out, nil
}

func messageFromResponse(resp *anthropic.Message) llm.Message {
	if resp == nil {
		return llm.Message{}
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	var thinkingBlocks []thinkingData
	callIdx := 0

	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.ThinkingBlock:
			thinkingBlocks = append(thinkingBlocks, thinkingData{Signature: v.Signature, Thinking: v.Thinking})
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			args := v.Input
			if len(args) == 0 {
				if b, err := json.Marshal(v.Input); err == nil {
					args = b
				}
			}
			calls = append(calls, llm.ToolCall{ID: id, Name: v.Name, Args: args})
		}
	}

	var thoughtSig string
	if len(thinkingBlocks) > 0 {
		if encoded, err := json.Marshal(thinkingBlocks); err == nil {
			thoughtSig = string(encoded)
		}
	}

	var toolCalls []llm.ToolCall
	if len(calls) > 0 {
		toolCalls = calls
	}
	return llm.Message{Role: llm.RoleAssistant, Content: sb.String(), ToolCalls: toolCalls, ThoughtSignature: thoughtSig}
}

func (c *Client) buildParams(req llm.Request) (anthropic.MessageNewParams, error) {
	system, converted, err := adaptMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	toolDefs, err := adaptTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(req.Model)),
		Messages:  converted,
		System:    system,
		Tools:     toolDefs,
		MaxTokens: maxTokens,
	}
	if c.thinkingModel {
		const thinkingBudget int64 = 1024
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
		if params.MaxTokens <= thinkingBudget {
			params.MaxTokens = thinkingBudget + 1024
		}
	}
	return params, nil
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Message, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return llm.Message{}, err
	}
	log.Ctx(ctx).Debug().Str("model", string(params.Model)).Int("tools", len(req.Tools)).Msg("anthropic_chat")
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llm.Message{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return messageFromResponse(resp), nil
}

// toolBuffer reassembles one tool_use block's streamed JSON input. Anthropic
// sends the initial content_block_start with a placeholder "{}" input, then
// the real JSON arrives as input_json_delta partials that replace rather
// than extend it.
type toolBuffer struct {
	name      string
	id        string
	buf       strings.Builder
	hasDeltas bool
}

func (tb *toolBuffer) appendPartial(partial string) {
	if partial == "" {
		return
	}
	if !tb.hasDeltas {
		tb.buf.Reset()
		tb.hasDeltas = true
	}
	tb.buf.WriteString(partial)
}

// ChatStream implements llm.Provider.
func (c *Client) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Event, 16)
	go func() {
		defer close(out)
		stream := c.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		toolBuffers := map[int64]*toolBuffer{}
		var order []int64
		sawToolUse := false

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				switch block := ev.ContentBlock.AsAny().(type) {
				case anthropic.ToolUseBlock:
					sawToolUse = true
					toolBuffers[ev.Index] = &toolBuffer{name: block.Name, id: block.ID}
					order = append(order, ev.Index)
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out <- llm.Event{Kind: llm.EventTextDelta, Text: delta.Text}
				case anthropic.ThinkingDelta:
					out <- llm.Event{Kind: llm.EventThought, Thought: []byte(delta.Thinking)}
				case anthropic.InputJSONDelta:
					if tb, ok := toolBuffers[ev.Index]; ok {
						tb.appendPartial(delta.PartialJSON)
					}
				}
			case anthropic.MessageDeltaEvent:
				switch ev.Delta.StopReason {
				case anthropic.StopReasonToolUse:
					// handled after stream ends, once all blocks are closed
				case anthropic.StopReasonMaxTokens:
					out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishLength}
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishError, Err: err}
			return
		}
		if sawToolUse {
			for _, idx := range order {
				tb := toolBuffers[idx]
				out <- llm.Event{Kind: llm.EventToolCallDelta, Index: int(idx), ID: tb.id, Name: tb.name, ArgumentsChunk: tb.buf.String()}
			}
			out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishToolCalls}
			return
		}
		out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishStop}
	}()
	return out, nil
}
