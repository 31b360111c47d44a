package generation

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
)

type geminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, cfg config.GenerationConfig) (capability.Generator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiApiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &geminiGenerator{client: client, model: model}, nil
}

// Generate implements capability.Generator.
func (g *geminiGenerator) Generate(ctx context.Context, req capability.GenerationRequest) (<-chan capability.SegmentEvent, error) {
	out := make(chan capability.SegmentEvent, 4)
	go runSegmentStream(ctx, out, func(ctx context.Context, emit func(string) error) error {
		model := g.client.GenerativeModel(g.model)
		if req.SystemPrompt != "" {
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(req.SystemPrompt)},
			}
		}

		cs := model.StartChat()
		for _, m := range req.History {
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			cs.History = append(cs.History, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}

		iter := cs.SendMessageStream(ctx, genai.Text(req.UserText))
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return fmt.Errorf("gemini stream: %w", err)
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if txt, ok := part.(genai.Text); ok && txt != "" {
						if err := emit(string(txt)); err != nil {
							return err
						}
					}
				}
			}
		}
	})
	return out, nil
}
