package embedding

import (
	"context"
	"strings"

	"github.com/kalambet/techdocs/internal/ollama"
)

// Ollama embeds through a local Ollama server. Models of the nomic family
// expect a task prefix on every input.
type Ollama struct {
	client *ollama.Client
	model  string
}

// NewOllama creates an Ollama provider.
func NewOllama(c *ollama.Client, model string) *Ollama {
	return &Ollama{client: c, model: model}
}

func (o *Ollama) Name() string { return "ollama/" + o.model }

func (o *Ollama) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	prefix := taskPrefix(o.model, input)
	if prefix != "" {
		prefixed := make([]string, len(texts))
		for i, t := range texts {
			prefixed[i] = prefix + t
		}
		texts = prefixed
	}
	return o.client.Embed(ctx, o.model, texts)
}

func taskPrefix(model string, input InputType) string {
	if !strings.Contains(strings.ToLower(model), "nomic") {
		return ""
	}
	if input == InputQuery {
		return "search_query: "
	}
	return "search_document: "
}
