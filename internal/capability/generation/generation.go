package generation

import (
	"context"
	"fmt"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
)

// deltaStream drives one provider call, pushing raw text deltas through
// emit. emit returns an error when the consumer is gone; the provider loop
// must stop then.
type deltaStream func(ctx context.Context, emit func(delta string) error) error

// runSegmentStream is the shared pump: provider deltas -> parser -> ordered
// SegmentEvents. The out channel is always closed; after cancellation no
// further events are delivered.
func runSegmentStream(ctx context.Context, out chan<- capability.SegmentEvent, stream deltaStream) {
	defer close(out)

	parser := NewParser()
	send := func(seg capability.Segment) error {
		select {
		case out <- capability.SegmentEvent{Segment: seg}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	emit := func(delta string) error {
		for _, seg := range parser.Feed(delta) {
			if err := send(seg); err != nil {
				return err
			}
		}
		return nil
	}

	if err := stream(ctx, emit); err != nil {
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- capability.SegmentEvent{Err: err}:
		case <-ctx.Done():
		}
		return
	}
	if seg := parser.Finalize(); seg != nil {
		_ = send(*seg)
	}
}

// New builds a Generator for the configured provider.
func New(ctx context.Context, cfg config.GenerationConfig) (capability.Generator, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg), nil
	case "ollama":
		return NewOllama(cfg)
	case "gemini":
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
