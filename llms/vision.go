package llms

import (
	"context"

	"github.com/arbiterhq/arbiter/config"
)

// VisionProvider is the cloud vision backend: an OpenAI-compatible chat API
// that accepts mixed text and image-URL content parts. It requires an API
// key; when the key is absent the engine falls back to the local vision
// backend. Requests without any image part run on the backend's companion
// text model, which handles plain language far better than the vision one.
type VisionProvider struct {
	*OpenAIProvider
	text *OpenAIProvider
}

// NewVisionProvider creates a cloud vision provider.
func NewVisionProvider(name string, cfg *config.BackendConfig) *VisionProvider {
	p := &VisionProvider{OpenAIProvider: NewOpenAIProvider(name, cfg)}
	if cfg.TextModel != "" {
		textCfg := *cfg
		textCfg.Model = cfg.TextModel
		p.text = NewOpenAIProvider(name+"_text", &textCfg)
	}
	return p
}

// Available requires an API key: vision_cloud is never keyless.
func (p *VisionProvider) Available() bool {
	return p.cfg.APIKey() != ""
}

// hasImages reports whether any message carries an image part.
func hasImages(messages []Message) bool {
	for _, m := range messages {
		for _, part := range m.Parts {
			if part.Type == "image_url" {
				return true
			}
		}
	}
	return false
}

// textOptions tightens generation for text-only queries on the
// companion model.
func textOptions(opts Options) Options {
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	return opts
}

// Chat routes imageless conversations to the text model when one is
// configured.
func (p *VisionProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Reply, error) {
	if p.text != nil && !hasImages(messages) {
		return p.text.Chat(ctx, messages, textOptions(opts))
	}
	return p.OpenAIProvider.Chat(ctx, messages, opts)
}

// ChatStream routes imageless conversations to the text model when one
// is configured.
func (p *VisionProvider) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error) {
	if p.text != nil && !hasImages(messages) {
		return p.text.ChatStream(ctx, messages, textOptions(opts))
	}
	return p.OpenAIProvider.ChatStream(ctx, messages, opts)
}

// Describe asks the backend about a single image with an instruction.
func (p *VisionProvider) Describe(ctx context.Context, instruction, imageURL string) (*Reply, error) {
	msg := Message{
		Role: RoleUser,
		Parts: []ContentPart{
			{Type: "text", Text: instruction},
			{Type: "image_url", ImageURL: imageURL},
		},
	}
	return p.Chat(ctx, []Message{msg}, Options{})
}
