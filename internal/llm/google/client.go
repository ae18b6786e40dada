// Package google adapts the Gemini-native generateContent dialect onto the
// normalized llm.Provider interface, including thought-signature capture and
// replay across turns.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/manifold-labs/agentserver/internal/llm"
)

// Client implements llm.Provider against the Gemini-native API.
type Client struct {
	client  *genai.Client
	model   string
	toolsOK bool
}

// New builds a Client talking to the Gemini API with apiKey, defaulting to
// model when a Request leaves Model empty.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("google: new client: %w", err)
	}
	return &Client{client: c, model: model, toolsOK: true}, nil
}

func (c *Client) Name() string        { return "gemini" }
func (c *Client) SupportsTools() bool { return c.toolsOK }

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

// decodeThoughtSignature decodes a base64-stored thought signature back into
// raw bytes. Signatures must be echoed byte-identical, so any sign of
// UTF-8 corruption (replacement runes from a lossy round-trip) is treated as
// unrecoverable and dropped rather than replayed wrong.
func decodeThoughtSignature(sig string) ([]byte, bool) {
	s := strings.TrimSpace(sig)
	if s == "" {
		return nil, false
	}
	if strings.ContainsRune(s, '�') {
		return nil, false
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return []byte(s), true
}

func encodeThoughtSignature(sig []byte) string {
	if len(sig) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// toContents adapts normalized messages into Gemini content turns. Tool
// results become function responses addressed by the tool name recorded for
// their ToolID; assistant tool calls carry their thought signature back on
// the function-call part, per Gemini's "echo the signature inside its
// original part" contract. Tool response parts never carry a signature —
// attaching one there has been observed to 5xx.
func toContents(msgs []llm.Message) ([]*genai.Content, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("google: messages required")
	}

	toolNamesByID := make(map[string]string)
	var lastFuncName string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "", llm.RoleUser, llm.RoleSystem:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && tc.Name != "" {
					toolNamesByID[tc.ID] = tc.Name
				}
				if strings.TrimSpace(tc.Name) != "" {
					lastFuncName = tc.Name
				}
			}
		case llm.RoleTool:
			name := toolNamesByID[m.ToolID]
			if name == "" {
				name = lastFuncName
				if name == "" {
					name = "tool_response"
				}
			}
			respMap := map[string]any{}
			if trimmed := strings.TrimSpace(m.Content); trimmed != "" {
				if err := json.Unmarshal([]byte(trimmed), &respMap); err != nil {
					respMap = map[string]any{"output": m.Content}
				}
			}
			part := genai.NewPartFromFunctionResponse(name, respMap)
			part.FunctionResponse.ID = m.ToolID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
			continue
		default:
			return nil, fmt.Errorf("google: unsupported role %q", m.Role)
		}

		text := m.Content
		if role == genai.RoleUser && strings.ToLower(strings.TrimSpace(m.Role)) == llm.RoleSystem {
			text = "[system] " + text
		}
		parts := []*genai.Part{}
		if strings.TrimSpace(text) != "" {
			textPart := &genai.Part{Text: text}
			if role == genai.RoleModel {
				if sigBytes, ok := decodeThoughtSignature(m.ThoughtSignature); ok {
					textPart.ThoughtSignature = sigBytes
				}
			}
			parts = append(parts, textPart)
		}
		if role == genai.RoleModel {
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Args) > 0 {
					_ = json.Unmarshal(tc.Args, &args)
				}
				if len(args) == 0 && len(tc.Args) > 0 {
					args = map[string]any{"input": string(tc.Args)}
				}
				p := genai.NewPartFromFunctionCall(tc.Name, args)
				if sigBytes, ok := decodeThoughtSignature(tc.ThoughtSignature); ok {
					p.ThoughtSignature = sigBytes
				}
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func adaptTools(schemas []llm.ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (c *Client) buildContentConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if c.toolsOK && len(req.Tools) > 0 {
		cfg.Tools = adaptTools(req.Tools)
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}
	return cfg
}

// messageFromResponse flattens a non-streaming response's first candidate
// into a normalized Message, capturing the earliest thought signature seen
// on any non-function-call part (Gemini 3 may attach one to any part type)
// for replay as the assistant message's own ThoughtSignature.
func messageFromResponse(resp *genai.GenerateContentResponse) (llm.Message, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return llm.Message{}, llm.NewProviderProtocolError("empty candidates", nil)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Message{}, fmt.Errorf("google: blocked: %s", resp.PromptFeedback.BlockReason)
	}
	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety:
		return llm.Message{}, fmt.Errorf("google: response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return llm.Message{}, fmt.Errorf("google: response blocked due to recitation")
	case genai.FinishReasonMalformedFunctionCall:
		return llm.Message{}, llm.NewProviderProtocolError("malformed function call", nil)
	}
	if candidate.Content == nil {
		return llm.Message{}, llm.NewProviderProtocolError("nil content", nil)
	}

	var sb strings.Builder
	var tcs []llm.ToolCall
	var textSig string
	callIdx := 0
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.FunctionCall == nil && len(part.ThoughtSignature) > 0 && textSig == "" {
			textSig = encodeThoughtSignature(part.ThoughtSignature)
		}
		if part.Thought {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			callIdx++
			id := part.FunctionCall.ID
			if strings.TrimSpace(id) == "" {
				id = "call-" + strconv.Itoa(callIdx)
			}
			tcs = append(tcs, llm.ToolCall{
				ID:               id,
				Name:             part.FunctionCall.Name,
				Args:             args,
				ThoughtSignature: encodeThoughtSignature(part.ThoughtSignature),
			})
		}
	}
	return llm.Message{
		Role:             llm.RoleAssistant,
		Content:          sb.String(),
		ToolCalls:        tcs,
		ThoughtSignature: textSig,
	}, nil
}

// Chat implements llm.Provider.
func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Message, error) {
	model := c.pickModel(req.Model)
	log.Ctx(ctx).Debug().Str("model", model).Int("messages", len(req.Messages)).Int("tools", len(req.Tools)).Msg("gemini_chat")
	contents, err := toContents(req.Messages)
	if err != nil {
		return llm.Message{}, err
	}
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, c.buildContentConfig(req))
	if err != nil {
		return llm.Message{}, fmt.Errorf("google: generate content: %w", err)
	}
	return messageFromResponse(resp)
}

// ChatStream implements llm.Provider. Gemini's SDK streams whole candidate
// chunks rather than token-level tool-call argument fragments, so each chunk
// is parsed as a complete (possibly partial-text) response and re-emitted as
// deltas; tool calls therefore arrive as a single EventToolCallDelta per
// call rather than many small argument chunks.
func (c *Client) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	model := c.pickModel(req.Model)
	contents, err := toContents(req.Messages)
	if err != nil {
		return nil, err
	}
	cfg := c.buildContentConfig(req)

	out := make(chan llm.Event, 16)
	go func() {
		defer close(out)
		callIdx := 0
		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishError, Err: err}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishError, Err: fmt.Errorf("google: blocked: %s", resp.PromptFeedback.BlockReason)}
				return
			}
			candidate := resp.Candidates[0]
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				sig := encodeThoughtSignature(part.ThoughtSignature)
				if part.Thought {
					if len(part.ThoughtSignature) > 0 || part.Text != "" {
						out <- llm.Event{Kind: llm.EventThought, Thought: []byte(part.Text)}
					}
					continue
				}
				if part.Text != "" {
					out <- llm.Event{Kind: llm.EventTextDelta, Text: part.Text, ThoughtSignature: sig}
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					callIdx++
					id := part.FunctionCall.ID
					if strings.TrimSpace(id) == "" {
						id = "call-" + strconv.Itoa(callIdx)
					}
					out <- llm.Event{
						Kind:             llm.EventToolCallDelta,
						Index:            callIdx - 1,
						ID:               id,
						Name:             part.FunctionCall.Name,
						ArgumentsChunk:   string(args),
						ThoughtSignature: sig,
					}
				}
			}
			switch candidate.FinishReason {
			case genai.FinishReasonStop, "":
				// Intermediate chunk or final stop comes after the loop ends.
			case genai.FinishReasonSafety, genai.FinishReasonRecitation:
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishError, Err: fmt.Errorf("google: response blocked: %s", candidate.FinishReason)}
				return
			case genai.FinishReasonMalformedFunctionCall:
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishError, Err: llm.NewProviderProtocolError("malformed function call", nil)}
				return
			case genai.FinishReasonMaxTokens:
				out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishLength}
				return
			}
			if candidate.FinishReason != "" && len(candidate.Content.Parts) > 0 {
				hasCall := false
				for _, part := range candidate.Content.Parts {
					if part != nil && part.FunctionCall != nil {
						hasCall = true
						break
					}
				}
				if hasCall {
					out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishToolCalls}
					return
				}
			}
		}
		out <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishStop}
	}()
	return out, nil
}
