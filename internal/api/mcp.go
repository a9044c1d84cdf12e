package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/query"
	"github.com/kalambet/techdocs/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Ingest  *ingest.Service
	Query   *query.Engine
	Version string
}

// NewMCPServer creates an MCP server with the techdocs tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"techdocs",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("techdocs answers questions from ingested technical PDFs and cites the pages it used."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_docs",
			mcp.WithDescription("Semantic search over ingested documents. Returns matching chunks with source file and page."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 4, max 20)")),
			mcp.WithArray("document_ids", mcp.Description("Restrict the search to these documents")),
		),
		mcpSearchDocs(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the ingested documents, with page citations."),
			mcp.WithString("question", mcp.Description("The question (10 to 1000 characters)"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation id; earlier turns of the session are used as history")),
			mcp.WithString("mode", mcp.Description("Force a dialogue mode: documentation, conversational or hybrid")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_status",
			mcp.WithDescription("Report ingestion progress for a task or document. Without arguments, lists all documents."),
			mcp.WithString("task_id", mcp.Description("Ingestion task id")),
			mcp.WithString("document_id", mcp.Description("Document id")),
		),
		mcpIngestStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_file",
			mcp.WithDescription("Queue a local PDF file for ingestion."),
			mcp.WithString("path", mcp.Description("Absolute path of the PDF"), mcp.Required()),
		),
		mcpIngestFile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docs://stats",
			"Knowledge base stats",
			mcp.WithResourceDescription("Point counts per document and task counts per status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

type searchResult struct {
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Page       int     `json:"page"`
	Pages      []int   `json:"pages,omitempty"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

func mcpSearchDocs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 0)
		if limit > 20 {
			limit = 20
		}

		hits, err := deps.Query.Search(ctx, q, limit, req.GetStringSlice("document_ids", nil))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]searchResult, len(hits))
		for i, h := range hits {
			results[i] = searchResult{
				DocumentID: h.Payload.DocumentID,
				Source:     h.Payload.Filename,
				Page:       h.Payload.Page,
				Pages:      h.Payload.Pages,
				Text:       h.Payload.Text,
				Score:      h.Score,
			}
		}
		return mcpJSON(results)
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		r := query.Request{
			Question:  question,
			SessionID: req.GetString("session_id", ""),
		}
		if m := req.GetString("mode", ""); m != "" {
			mode, err := query.ParseMode(m)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			r.Mode = &mode
		}

		ans, err := deps.Query.Ask(ctx, r)
		if err != nil {
			var genErr *query.AnswerGenerationFailedError
			if errors.As(err, &genErr) {
				ans, err = deps.Query.Regenerate(ctx, genErr)
			}
			if err != nil {
				return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
			}
		}
		return mcpJSON(ans)
	}
}

func mcpIngestStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if id := req.GetString("task_id", ""); id != "" {
			task, err := deps.Store.GetTask(ctx, id)
			if err != nil {
				return mcpError(fmt.Sprintf("task %s: %v", id, err)), nil
			}
			return mcpJSON(taskView(task))
		}
		if id := req.GetString("document_id", ""); id != "" {
			doc, err := deps.Store.GetDocument(ctx, id)
			if err != nil {
				return mcpError(fmt.Sprintf("document %s: %v", id, err)), nil
			}
			out := DocumentDetail{DocumentView: documentView(doc)}
			if task, err := deps.Store.LatestTaskForDocument(ctx, id); err == nil {
				tv := taskView(task)
				out.Task = &tv
			}
			return mcpJSON(out)
		}

		docs, err := deps.Store.ListDocuments(ctx, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents: %v", err)), nil
		}
		out := make([]DocumentView, len(docs))
		for i, d := range docs {
			out[i] = documentView(d)
		}
		return mcpJSON(out)
	}
}

func mcpIngestFile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		f, err := os.Open(path)
		if err != nil {
			return mcpError(fmt.Sprintf("opening %s: %v", path, err)), nil
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return mcpError(fmt.Sprintf("stat %s: %v", path, err)), nil
		}

		sub, err := deps.Ingest.Submit(ctx, ingest.Upload{Filename: filepath.Base(path), Size: info.Size(), Body: f})
		if err != nil {
			var verr *pipeline.ValidationError
			if errors.As(err, &verr) {
				return mcpError(fmt.Sprintf("rejected: %v", verr)), nil
			}
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		return mcpJSON(SubmissionView{Document: documentView(sub.Document), Task: taskView(sub.Task)})
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Ingest.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}
		b, err := json.Marshal(statsView(st))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
