package llms

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider talks to the Anthropic Messages API. It is the only
// backend with a native tool protocol: tool-use blocks are surfaced
// unchanged as ToolCalls for the execution engine to dispatch.
type AnthropicProvider struct {
	name         string
	cfg          *config.BackendConfig
	client       *httpclient.Client
	streamClient *http.Client
}

// NewAnthropicProvider creates a provider for the Anthropic backend.
func NewAnthropicProvider(name string, cfg *config.BackendConfig) *AnthropicProvider {
	return &AnthropicProvider{
		name:         name,
		cfg:          cfg,
		client:       httpclient.New(httpclient.WithTimeout(cfg.Timeout())),
		streamClient: &http.Client{},
	}
}

func (p *AnthropicProvider) Name() string    { return p.name }
func (p *AnthropicProvider) Available() bool { return p.cfg.APIKey() != "" }

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) buildRequest(messages []Message, opts Options, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: opts.Temperature,
		System:      opts.System,
		Stream:      stream,
	}
	if opts.MaxTokens != 0 {
		req.MaxTokens = opts.MaxTokens
	}
	for _, t := range opts.Tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			// Tool results travel as user messages carrying tool_result blocks.
			req.Messages = append(req.Messages, anthropicMessage{
				Role: RoleUser,
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case RoleAssistant:
			var blocks []anthropicContent
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: RoleAssistant, Content: blocks})
		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    RoleUser,
				Content: []anthropicContent{{Type: "text", Text: m.Content}},
			})
		}
	}
	return req
}

func (p *AnthropicProvider) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", p.cfg.APIKey())
	h.Set("anthropic-version", anthropicVersion)
	return h
}

// Chat performs a blocking Messages call. When the model stops for tool
// use, the reply carries the requested calls and any preceding text.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Reply, error) {
	if !p.Available() {
		return nil, errs.New(errs.KindTransport, "anthropic backend has no API key configured")
	}
	body, err := json.Marshal(p.buildRequest(messages, opts, false))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to encode request", err)
	}

	resp, err := p.client.Do(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", body, p.headers())
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "anthropic backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.Newf(errs.KindTransport, "anthropic backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "anthropic backend sent malformed response", err)
	}

	reply := &Reply{Tokens: parsed.Usage.InputTokens + parsed.Usage.OutputTokens}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	reply.Text = text.String()
	if parsed.StopReason != "tool_use" {
		reply.ToolCalls = nil
	}
	return reply, nil
}

type anthropicStreamFrame struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

// ChatStream yields text deltas; tool-use blocks are accumulated and
// emitted once their input JSON is complete.
func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error) {
	if !p.Available() {
		return nil, errs.New(errs.KindTransport, "anthropic backend has no API key configured")
	}
	body, err := json.Marshal(p.buildRequest(messages, opts, true))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", strings.NewReader(string(body)))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to build request", err)
	}
	req.Header = p.headers()

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "anthropic backend unreachable", err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errs.Newf(errs.KindTransport, "anthropic backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	events := make(chan StreamEvent, StreamBufferSize)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		stallCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stall := time.AfterFunc(stallTimeout, cancel)
		defer stall.Stop()
		go func() {
			<-stallCtx.Done()
			resp.Body.Close()
		}()

		var pendingTool *ToolCall
		var pendingJSON strings.Builder

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			stall.Reset(stallTimeout)
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var frame anthropicStreamFrame
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
				continue
			}
			switch frame.Type {
			case "content_block_start":
				if frame.ContentBlock.Type == "tool_use" {
					pendingTool = &ToolCall{ID: frame.ContentBlock.ID, Name: frame.ContentBlock.Name}
					pendingJSON.Reset()
				}
			case "content_block_delta":
				switch frame.Delta.Type {
				case "text_delta":
					if frame.Delta.Text != "" {
						events <- StreamEvent{Type: EventChunk, Content: frame.Delta.Text}
					}
				case "input_json_delta":
					pendingJSON.WriteString(frame.Delta.PartialJSON)
				}
			case "content_block_stop":
				if pendingTool != nil {
					args := map[string]any{}
					_ = json.Unmarshal([]byte(pendingJSON.String()), &args)
					pendingTool.Arguments = args
					events <- StreamEvent{Type: EventToolCall, ToolCall: pendingTool}
					pendingTool = nil
				}
			case "message_stop":
				events <- StreamEvent{Type: EventDone}
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			events <- StreamEvent{Type: EventError, Err: errs.Wrap(errs.KindTransport, "stream read failed", err)}
			return
		}
		if ctx.Err() != nil {
			events <- StreamEvent{Type: EventError, Err: errs.Wrap(errs.KindCancelled, "stream cancelled", ctx.Err())}
			return
		}
		events <- StreamEvent{Type: EventDone}
	}()
	return events, nil
}
