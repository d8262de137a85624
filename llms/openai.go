package llms

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/httpclient"
)

// stallTimeout caps the gap between streamed chunks.
const stallTimeout = 120 * time.Second

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
// (llama.cpp server, vLLM, or a hosted API).
type OpenAIProvider struct {
	name   string
	cfg    *config.BackendConfig
	client *httpclient.Client
	// stream requests must not carry an overall timeout
	streamClient *http.Client
}

// NewOpenAIProvider creates a provider for the given backend config.
func NewOpenAIProvider(name string, cfg *config.BackendConfig) *OpenAIProvider {
	return &OpenAIProvider{
		name:         name,
		cfg:          cfg,
		client:       httpclient.New(httpclient.WithTimeout(cfg.Timeout())),
		streamClient: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Available is true when no API key is required or one is set.
func (p *OpenAIProvider) Available() bool {
	return p.cfg.APIKeyEnv == "" || p.cfg.APIKey() != ""
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts Options, stream bool) openAIRequest {
	req := openAIRequest{
		Model:       p.cfg.Model,
		Temperature: p.temperature(opts),
		MaxTokens:   p.maxTokens(opts),
		Stream:      stream,
	}
	if opts.System != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: RoleSystem, Content: opts.System})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: openAIContent(m)})
	}
	return req
}

// openAIContent renders a message's content, expanding multimodal parts
// into the OpenAI content-array form.
func openAIContent(m Message) any {
	if len(m.Parts) == 0 {
		return m.Content
	}
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case "image_url":
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": part.ImageURL},
			})
		default:
			parts = append(parts, map[string]any{"type": "text", "text": part.Text})
		}
	}
	return parts
}

func (p *OpenAIProvider) temperature(opts Options) float64 {
	if opts.Temperature != 0 {
		return opts.Temperature
	}
	return p.cfg.Temperature
}

func (p *OpenAIProvider) maxTokens(opts Options) int {
	if opts.MaxTokens != 0 {
		return opts.MaxTokens
	}
	return p.cfg.MaxTokens
}

func (p *OpenAIProvider) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if key := p.cfg.APIKey(); key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return h
}

// Chat performs a blocking chat completion.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Reply, error) {
	body, err := json.Marshal(p.buildRequest(messages, opts, false))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to encode request", err)
	}

	resp, err := p.client.Do(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", body, p.headers())
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, fmt.Sprintf("%s backend unreachable", p.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.Newf(errs.KindTransport, "%s backend returned %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, fmt.Sprintf("%s backend sent malformed response", p.name), err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.Newf(errs.KindProtocol, "%s backend returned no choices", p.name)
	}
	return &Reply{
		Text:   parsed.Choices[0].Message.Content,
		Tokens: parsed.Usage.TotalTokens,
	}, nil
}

// ChatStream performs a streaming chat completion, yielding one chunk per
// SSE data line until the [DONE] sentinel or a finish reason.
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error) {
	body, err := json.Marshal(p.buildRequest(messages, opts, true))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", strings.NewReader(string(body)))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to build request", err)
	}
	req.Header = p.headers()

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, fmt.Sprintf("%s backend unreachable", p.name), err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errs.Newf(errs.KindTransport, "%s backend returned %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	events := make(chan StreamEvent, StreamBufferSize)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stall := time.AfterFunc(stallTimeout, cancel)
		defer stall.Stop()
		go func() {
			<-streamCtx.Done()
			resp.Body.Close()
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			stall.Reset(stallTimeout)
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				slog.Debug("Skipping unparseable stream chunk", "provider", p.name, "error", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if content := chunk.Choices[0].Delta.Content; content != "" {
				events <- StreamEvent{Type: EventChunk, Content: content}
			}
			if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "" {
				break
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
