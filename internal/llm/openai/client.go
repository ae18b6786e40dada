// Package openai adapts the OpenAI-style Chat Completions dialect onto the
// normalized llm.Provider interface, including streamed tool-call
// reassembly by index.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	sdk "github.com/sashabaranov/go-openai"

	"github.com/manifold-labs/agentserver/internal/llm"
)

// Client implements llm.Provider against the Chat Completions API.
type Client struct {
	sdk         *sdk.Client
	model       string
	maxRetries  int
	toolsOK     bool
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries overrides the default transient-error retry bound.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithToolsDisabled marks the model as not accepting tool declarations
// (spec §4.4 "tool-less fallback" — some preview models reject tool
// messages).
func WithToolsDisabled() Option {
	return func(c *Client) { c.toolsOK = false }
}

// New builds a Client. baseURL may be empty to use the public OpenAI API, or
// set to point at a self-hosted / Azure-compatible endpoint.
func New(apiKey, baseURL, model string, opts ...Option) *Client {
	cfg := sdk.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	c := &Client{sdk: sdk.NewClientWithConfig(cfg), model: model, maxRetries: 3, toolsOK: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string         { return "openai" }
func (c *Client) SupportsTools() bool  { return c.toolsOK }

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessage {
	out := make([]sdk.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := sdk.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		switch m.Role {
		case llm.RoleTool:
			cm.ToolCallID = m.ToolID
			cm.Name = m.Name
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, sdk.ToolCall{
					ID:   tc.ID,
					Type: sdk.ToolTypeFunction,
					Function: sdk.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
		}
		out = append(out, cm)
	}
	return out
}

func adaptTools(schemas []llm.ToolSchema) []sdk.Tool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]sdk.Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func (c *Client) buildRequest(req llm.Request, stream bool) sdk.ChatCompletionRequest {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	r := sdk.ChatCompletionRequest{
		Model:    model,
		Messages: adaptMessages(req.Messages),
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		r.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		r.Temperature = float32(req.Temperature)
	}
	if c.toolsOK && len(req.Tools) > 0 {
		r.Tools = adaptTools(req.Tools)
	}
	return r
}

func fromToolCalls(calls []sdk.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, llm.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Message, error) {
	log.Ctx(ctx).Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Int("tools", len(req.Tools)).Msg("openai_chat")
	apiReq := c.buildRequest(req, false)
	var resp sdk.ChatCompletionResponse
	err := llm.WithRetryHTTP(ctx, c.maxRetries, func(ctx context.Context) (int, error) {
		r, err := c.sdk.CreateChatCompletion(ctx, apiReq)
		if err != nil {
			return statusFromErr(err), err
		}
		resp = r
		return 0, nil
	})
	if err != nil {
		return llm.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.Message{}, llm.NewProviderProtocolError("empty choices", nil)
	}
	choice := resp.Choices[0]
	return llm.Message{
		Role:      llm.RoleAssistant,
		Content:   choice.Message.Content,
		ToolCalls: fromToolCalls(choice.Message.ToolCalls),
	}, nil
}

// ChatStream implements llm.Provider, reassembling delta tool calls by
// index and emitting the completed calls only at Finish(tool_calls).
func (c *Client) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	apiReq := c.buildRequest(req, true)
	stream, err := c.sdk.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Event, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		toolCalls := make(map[int]*llm.ToolCall)
		order := make([]int, 0, 4)

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishStop}
				return
			}
			if err != nil {
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishError, Err: err}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				out <- llm.Event{Kind: llm.EventTextDelta, Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				cur, ok := toolCalls[idx]
				if !ok {
					cur = &llm.ToolCall{}
					toolCalls[idx] = cur
					order = append(order, idx)
				}
				if tc.ID != "" {
					cur.ID = tc.ID
				}
				if tc.Function.Name != "" {
					cur.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					cur.Args = append(cur.Args, []byte(tc.Function.Arguments)...)
				}
			}

			if choice.FinishReason == sdk.FinishReasonToolCalls {
				for _, idx := range order {
					call := toolCalls[idx]
					out <- llm.Event{Kind: llm.EventToolCallDelta, Index: idx, ID: call.ID, Name: call.Name, ArgumentsChunk: string(call.Args)}
				}
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishToolCalls}
				toolCalls = make(map[int]*llm.ToolCall)
				order = order[:0]
				continue
			}
			if choice.FinishReason == sdk.FinishReasonLength {
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishLength}
			}
		}
	}()
	return out, nil
}

func statusFromErr(err error) int {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}

