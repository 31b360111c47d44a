package generation

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
)

type openAIGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAI(cfg config.GenerationConfig) capability.Generator {
	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &openAIGenerator{
		client: openai.NewClient(option.WithAPIKey(cfg.OpenAIApiKey)),
		model:  model,
	}
}

// Generate implements capability.Generator.
func (g *openAIGenerator) Generate(ctx context.Context, req capability.GenerationRequest) (<-chan capability.SegmentEvent, error) {
	out := make(chan capability.SegmentEvent, 4)
	go runSegmentStream(ctx, out, func(ctx context.Context, emit func(string) error) error {
		msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
		if req.SystemPrompt != "" {
			msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
		}
		for _, m := range req.History {
			if m.Role == "assistant" {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
			} else {
				msgs = append(msgs, openai.UserMessage(m.Content))
			}
		}
		msgs = append(msgs, openai.UserMessage(req.UserText))

		stream := g.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(g.model),
			Messages: msgs,
		})
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if d := chunk.Choices[0].Delta.Content; d != "" {
				if err := emit(d); err != nil {
					return err
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		return nil
	})
	return out, nil
}
