// Package gemini wraps the Gemini SDK for embeddings and text generation.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kalambet/techdocs/internal/pipeline"
)

// Client holds one SDK client shared by embedding and generation calls.
type Client struct {
	client *genai.Client
}

// New creates a Gemini client authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Client{client: client}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Embed embeds texts in one batch request. query selects the
// RETRIEVAL_QUERY task type, otherwise RETRIEVAL_DOCUMENT is used.
func (c *Client) Embed(ctx context.Context, model string, texts []string, query bool) ([][]float32, error) {
	em := c.client.EmbeddingModel(model)
	if query {
		em.TaskType = genai.TaskTypeRetrievalQuery
	} else {
		em.TaskType = genai.TaskTypeRetrievalDocument
	}

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify("gemini embed", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embed: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			continue
		}
		vec := make([]float32, len(e.Values))
		for j, v := range e.Values {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// Turn is one prior exchange replayed as chat history.
type Turn struct {
	Role string // "user" or "model"
	Text string
}

// Generate runs a chat with the given system instruction and history and
// returns the concatenated text of the first candidate.
func (c *Client) Generate(ctx context.Context, model, system string, history []Turn, prompt string) (string, error) {
	gm := c.client.GenerativeModel(model)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	gm.SetTemperature(0.2)

	cs := gm.StartChat()
	for _, t := range history {
		role := t.Role
		if role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Text)}})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify("gemini generate", err)
	}

	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("gemini generate: empty response")
	}
	return sb.String(), nil
}

// classify marks quota, availability and deadline failures as transient.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return &pipeline.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
