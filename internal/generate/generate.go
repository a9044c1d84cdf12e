// Package generate adapts the chat backends (Ollama, OpenRouter, Gemini)
// to one Generator interface used by the query engine.
package generate

import (
	"context"
	"fmt"

	"github.com/kalambet/techdocs/internal/gemini"
	"github.com/kalambet/techdocs/internal/ollama"
	"github.com/kalambet/techdocs/internal/openrouter"
)

// Message is a prior conversation turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Schema describes a JSON object reply. Ollama enforces it; OpenRouter is
// only told to answer with a JSON object.
type (
	Schema         = ollama.Schema
	SchemaProperty = ollama.SchemaProperty
)

// Request is a single generation call.
type Request struct {
	System  string
	History []Message
	Prompt  string
	Schema  *Schema // optional structured reply
}

// Generator produces a completion. Rate limits and 5xx responses come back
// as *pipeline.TransientError so callers can retry.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Ollama generates with a local Ollama model.
type Ollama struct {
	client *ollama.Client
	model  string
}

func NewOllama(c *ollama.Client, model string) *Ollama {
	return &Ollama{client: c, model: model}
}

func (o *Ollama) Name() string { return "ollama/" + o.model }

func (o *Ollama) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]ollama.Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.Prompt})
	return o.client.Chat(ctx, o.model, msgs, req.Schema)
}

// OpenRouter generates through the OpenRouter chat completions API.
type OpenRouter struct {
	client      *openrouter.Client
	model       string
	temperature float64
}

func NewOpenRouter(c *openrouter.Client, model string) *OpenRouter {
	return &OpenRouter{client: c, model: model, temperature: 0.2}
}

func (o *OpenRouter) Name() string { return "openrouter/" + o.model }

func (o *OpenRouter) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]openrouter.Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openrouter.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, openrouter.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, openrouter.Message{Role: "user", Content: req.Prompt})
	cr := openrouter.ChatRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: &o.temperature,
	}
	if req.Schema != nil {
		cr.ResponseFormat = &openrouter.ResponseFormat{Type: "json_object"}
	}
	return o.client.Complete(ctx, cr)
}

// Gemini generates with a Gemini model.
type Gemini struct {
	client *gemini.Client
	model  string
}

func NewGemini(c *gemini.Client, model string) *Gemini {
	return &Gemini{client: c, model: model}
}

func (g *Gemini) Name() string { return "gemini/" + g.model }

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	history := make([]gemini.Turn, len(req.History))
	for i, m := range req.History {
		history[i] = gemini.Turn{Role: m.Role, Text: m.Content}
	}
	return g.client.Generate(ctx, g.model, req.System, history, req.Prompt)
}

// Func adapts a plain function to Generator; handy in tests.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Name() string { return "func" }

func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	if f == nil {
		return "", fmt.Errorf("generate: nil func")
	}
	return f(ctx, req)
}
