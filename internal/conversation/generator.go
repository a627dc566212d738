package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/askd/internal/composer"
	"github.com/kalambet/askd/internal/engine"
)

// GenerationOptions select and tune the chat model.
type GenerationOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// EngineGenerator generates answers by composing a prompt and sending it to
// an inference engine.
type EngineGenerator struct {
	engine   engine.Engine
	composer *composer.Composer
	model    string
	chatOpts *engine.ChatOptions
}

func NewEngineGenerator(e engine.Engine, c *composer.Composer, opts GenerationOptions) *EngineGenerator {
	if c == nil {
		c = composer.New(0)
	}
	return &EngineGenerator{
		engine:   e,
		composer: c,
		model:    opts.Model,
		chatOpts: &engine.ChatOptions{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens},
	}
}

func (g *EngineGenerator) Generate(ctx context.Context, grounding composer.Grounding, question string) (string, error) {
	msgs := g.composer.Compose(grounding, question)
	out, err := g.engine.Chat(ctx, g.model, msgs, g.chatOpts)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrGenerationTimeout, ctx.Err())
		}
		if errors.Is(err, engine.ErrUnavailable) {
			return "", fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		return "", fmt.Errorf("chat with %s: %w", g.model, err)
	}
	return strings.TrimSpace(out), nil
}
