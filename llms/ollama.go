package llms

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/httpclient"
)

// OllamaProvider talks to a local Ollama daemon via /api/chat.
type OllamaProvider struct {
	name         string
	cfg          *config.BackendConfig
	client       *httpclient.Client
	streamClient *http.Client
}

// NewOllamaProvider creates a provider for an Ollama backend.
func NewOllamaProvider(name string, cfg *config.BackendConfig) *OllamaProvider {
	return &OllamaProvider{
		name:         name,
		cfg:          cfg,
		client:       httpclient.New(httpclient.WithTimeout(cfg.Timeout())),
		streamClient: &http.Client{},
	}
}

func (p *OllamaProvider) Name() string    { return p.name }
func (p *OllamaProvider) Available() bool { return true }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done      bool `json:"done"`
	EvalCount int  `json:"eval_count"`
}

func (p *OllamaProvider) buildRequest(messages []Message, opts Options, stream bool) ollamaRequest {
	req := ollamaRequest{Model: p.cfg.Model, Stream: stream}
	if opts.Temperature != 0 {
		req.Options = map[string]any{"temperature": opts.Temperature}
	}
	if opts.System != "" {
		req.Messages = append(req.Messages, ollamaMessage{Role: RoleSystem, Content: opts.System})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

// Chat performs a blocking chat call.
func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Reply, error) {
	body, err := json.Marshal(p.buildRequest(messages, opts, false))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to encode request", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(ctx, http.MethodPost, p.cfg.BaseURL+"/api/chat", body, header)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "ollama backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.Newf(errs.KindTransport, "ollama backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "ollama backend sent malformed response", err)
	}
	return &Reply{Text: parsed.Message.Content, Tokens: parsed.EvalCount}, nil
}

// ChatStream yields incremental message deltas from Ollama's NDJSON stream
// until a frame with done=true.
func (p *OllamaProvider) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error) {
	body, err := json.Marshal(p.buildRequest(messages, opts, true))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/chat", strings.NewReader(string(body)))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "ollama backend unreachable", err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errs.Newf(errs.KindTransport, "ollama backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			stall.Reset(stallTimeout)
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var frame ollamaResponse
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				events <- StreamEvent{Type: EventError, Err: errs.Wrap(errs.KindProtocol, fmt.Sprintf("malformed stream frame from %s", p.name), err)}
				return
			}
			if frame.Message.Content != "" {
				events <- StreamEvent{Type: EventChunk, Content: frame.Message.Content}
			}
			if frame.Done {
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
