package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/techdocs/internal/ollama"
	"github.com/kalambet/techdocs/internal/openrouter"
)

func testRequest() Request {
	return Request{
		System:  "answer from the manual",
		History: []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		Prompt:  "What is the idle speed?",
	}
}

type roleContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func TestOllama_MessageOrder(t *testing.T) {
	var got struct {
		Messages []roleContent `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"800 rpm"},"done":true}`)
	}))
	defer srv.Close()

	g := NewOllama(ollama.New(srv.URL), "llama3.1")
	out, err := g.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "800 rpm" {
		t.Errorf("out = %q", out)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("messages = %+v", got.Messages)
	}
	for i, r := range wantRoles {
		if got.Messages[i].Role != r {
			t.Errorf("message %d role = %q, want %q", i, got.Messages[i].Role, r)
		}
	}
	if got.Messages[3].Content != "What is the idle speed?" {
		t.Errorf("last message = %q", got.Messages[3].Content)
	}
}

func TestOpenRouter_SendsModelAndTemperature(t *testing.T) {
	var got openrouter.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	g := NewOpenRouter(openrouter.NewClientWithBaseURL("k", srv.URL), "openai/gpt-4o-mini")
	if _, err := g.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Model != "openai/gpt-4o-mini" {
		t.Errorf("model = %q", got.Model)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestOllama_PassesSchemaAsFormat(t *testing.T) {
	var got struct {
		Format *Schema `json:"format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"score\":0.7}"},"done":true}`)
	}))
	defer srv.Close()

	req := testRequest()
	req.Schema = &Schema{
		Type:       "object",
		Properties: map[string]SchemaProperty{"score": {Type: "number"}},
		Required:   []string{"score"},
	}
	out, err := NewOllama(ollama.New(srv.URL), "llama3.1").Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != `{"score":0.7}` {
		t.Errorf("out = %q", out)
	}
	if got.Format == nil || got.Format.Properties["score"].Type != "number" {
		t.Errorf("format = %+v, want score schema", got.Format)
	}
}

func TestOpenRouter_SchemaRequestsJSONObject(t *testing.T) {
	var got openrouter.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`)
	}))
	defer srv.Close()

	g := NewOpenRouter(openrouter.NewClientWithBaseURL("k", srv.URL), "openai/gpt-4o-mini")
	if _, err := g.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.ResponseFormat != nil {
		t.Errorf("response_format = %+v without a schema", got.ResponseFormat)
	}

	req := testRequest()
	req.Schema = &Schema{Type: "object"}
	if _, err := g.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
}

func TestFunc(t *testing.T) {
	g := Func(func(_ context.Context, req Request) (string, error) { return "echo: " + req.Prompt, nil })
	out, err := g.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil || out != "echo: x" {
		t.Errorf("Generate = %q, %v", out, err)
	}
}
