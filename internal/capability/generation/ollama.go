package generation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
)

type ollamaGenerator struct {
	client *api.Client
	model  string
}

func NewOllama(cfg config.GenerationConfig) (capability.Generator, error) {
	rawURL := cfg.OllamaURL
	if rawURL == "" {
		rawURL = "http://localhost:11434"
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	return &ollamaGenerator{
		client: api.NewClient(base, http.DefaultClient),
		model:  cfg.Model,
	}, nil
}

// Generate implements capability.Generator.
func (g *ollamaGenerator) Generate(ctx context.Context, req capability.GenerationRequest) (<-chan capability.SegmentEvent, error) {
	out := make(chan capability.SegmentEvent, 4)
	go runSegmentStream(ctx, out, func(ctx context.Context, emit func(string) error) error {
		msgs := make([]api.Message, 0, len(req.History)+2)
		if req.SystemPrompt != "" {
			msgs = append(msgs, api.Message{Role: "system", Content: req.SystemPrompt})
		}
		for _, m := range req.History {
			msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
		}
		msgs = append(msgs, api.Message{Role: "user", Content: req.UserText})

		stream := true
		chatReq := &api.ChatRequest{
			Model:    g.model,
			Messages: msgs,
			Stream:   &stream,
		}
		err := g.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				return emit(resp.Message.Content)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("ollama chat: %w", err)
		}
		return err
	})
	return out, nil
}
