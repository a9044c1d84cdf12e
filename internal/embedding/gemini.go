package embedding

import (
	"context"

	"github.com/kalambet/techdocs/internal/gemini"
)

// Gemini embeds with the Gemini batch embedding API.
type Gemini struct {
	client *gemini.Client
	model  string
}

// NewGemini creates a Gemini provider.
func NewGemini(c *gemini.Client, model string) *Gemini {
	return &Gemini{client: c, model: model}
}

func (g *Gemini) Name() string { return "gemini/" + g.model }

func (g *Gemini) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	return g.client.Embed(ctx, g.model, texts, input == InputQuery)
}
