package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/techdocs/internal/config"
	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/query"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type reply struct {
	status int
	body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]reply) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if resp.status != 0 {
				w.WriteHeader(resp.status)
			}
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

const submissionJSON = `{"document":{"id":"doc-1","filename":"pump.pdf","page_count":12,"status":"uploaded"},"task":{"id":"task-1","document_id":"doc-1","status":"uploaded"}}`

func TestUpload_SendsMultipartFile(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /documents": {status: 202, body: submissionJSON},
	})

	sub, err := ts.client().upload(ctx, "/tmp/manuals/pump.pdf", strings.NewReader("%PDF-1.4 body"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Document.ID != "doc-1" || sub.Task.ID != "task-1" || sub.Document.PageCount != 12 {
		t.Errorf("submission = %+v", sub)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", r.ContentType)
	}
	if !strings.Contains(r.Body, `name="file"; filename="pump.pdf"`) {
		t.Errorf("body missing file part header: %q", r.Body)
	}
	if !strings.Contains(r.Body, "%PDF-1.4 body") {
		t.Errorf("body missing file content")
	}
}

func TestUploadFile_MissingFile(t *testing.T) {
	ts := newTestServer(t, map[string]reply{})

	_, err := ts.client().uploadFile(ctx, filepath.Join(t.TempDir(), "nope.pdf"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestDomainError_ValidationRoundTrip(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /documents": {status: 400, body: `{"error":{"message":"filename must end in .pdf","type":"invalid_request_error","field":"filename"}}`},
	})

	_, err := ts.client().upload(ctx, "notes.txt", strings.NewReader("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	err = domainError(err)
	if !errors.Is(err, pipeline.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	var ve *pipeline.ValidationError
	if !errors.As(err, &ve) || ve.Field != "filename" {
		t.Errorf("validation error = %+v", ve)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	var ae *apiError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if ae.Status != 401 || ae.Message != "unauthorized" {
		t.Errorf("apiError = %+v", ae)
	}
	if domainError(err) != err {
		t.Error("non-400 errors should pass through unchanged")
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "gateway down") {
		t.Errorf("err = %v", err)
	}
}

func TestAsk_SendsRequest(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /query": {body: `{"turn_id":"t1","mode":"documentation","answer":"Torque to 25 Nm.","sources":[{"document_id":"doc-1","filename":"pump.pdf","page":4,"chunk_index":0,"score":0.91}]}`},
	})

	mode := query.ModeDocumentation
	ans, err := ask(ctx, ts.client(), query.Request{
		Question:    "What is the torque spec for the housing bolts?",
		SessionID:   "s1",
		Mode:        &mode,
		DocumentIDs: []string{"doc-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Answer != "Torque to 25 Nm." || len(ans.Sources) != 1 || ans.Sources[0].Page != 4 {
		t.Errorf("answer = %+v", ans)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["mode"] != "documentation" || body["session_id"] != "s1" {
		t.Errorf("body = %v", body)
	}
}

func TestAsk_RegeneratesOnToken(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /query":            {status: 502, body: `{"error":{"message":"answer generation failed","type":"generation_error","regenerate_token":"tok-1"}}`},
		"POST /query/regenerate": {body: `{"turn_id":"t2","mode":"hybrid","answer":"Second try.","sources":[]}`},
	})

	ans, err := ask(ctx, ts.client(), query.Request{Question: "How do I bleed the hydraulic lines?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Answer != "Second try." {
		t.Errorf("answer = %q", ans.Answer)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if !strings.Contains(ts.requests[1].Body, `"token":"tok-1"`) {
		t.Errorf("regenerate body = %s", ts.requests[1].Body)
	}
}

func TestAsk_ValidationErrorNotRetried(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /query": {status: 400, body: `{"error":{"message":"Question must be at least 10 characters","type":"invalid_request_error","field":"Question"}}`},
	})

	_, err := ask(ctx, ts.client(), query.Request{Question: "short"})
	if !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
	if len(ts.requests) != 1 {
		t.Errorf("expected 1 request, got %d", len(ts.requests))
	}
}

func TestWaitForTask_Terminal(t *testing.T) {
	tests := []struct {
		status  string
		wantErr bool
	}{
		{"completed", false},
		{"empty", false},
		{"cancelled", false},
		{"failed", true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ts := newTestServer(t, map[string]reply{
				"GET /tasks/task-1": {body: `{"id":"task-1","status":"` + tt.status + `","progress":100,"error":"boom"}`},
			})
			err := waitForTask(ctx, ts.client(), "task-1")
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWaitForTask_StopsOnCancel(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"GET /tasks/task-1": {body: `{"id":"task-1","status":"embedding","progress":40}`},
	})
	c, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := waitForTask(c, ts.client(), "task-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestHTTPSubmitter(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /documents": {status: 202, body: submissionJSON},
	})

	s := &httpSubmitter{client: ts.client()}
	sub, err := s.Submit(ctx, ingest.Upload{Filename: "pump.pdf", Size: 5, Body: strings.NewReader("%PDF-")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Document.ID != "doc-1" || sub.Task.ID != "task-1" || sub.Document.PageCount != 12 {
		t.Errorf("submission = %+v", sub)
	}
}

func TestHTTPSubmitter_Rejected(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /documents": {status: 400, body: `{"error":{"message":"file is not a readable PDF","type":"invalid_request_error","field":"file"}}`},
	})

	s := &httpSubmitter{client: ts.client()}
	_, err := s.Submit(ctx, ingest.Upload{Filename: "bad.pdf", Body: strings.NewReader("junk")})
	if !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestClient_ServerStopped(t *testing.T) {
	ts := newTestServer(t, map[string]reply{})
	ts.server.Close()

	err := ts.client().getJSON(ctx, "/stats", &statsResponse{})
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestStats_Decode(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"GET /stats": {body: `{"points":42,"documents":[{"id":"doc-1","filename":"pump.pdf","points":42}],"tasks":{"completed":1}}`},
	})

	var st statsResponse
	if err := ts.client().getJSON(ctx, "/stats", &st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Points != 42 || len(st.Documents) != 1 || *st.Documents[0].Points != 42 || st.Tasks["completed"] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestAskCommand_BadMode(t *testing.T) {
	defer rootCmd.SetArgs(nil)
	defer askCmd.Flags().Set("mode", "")

	rootCmd.SetArgs([]string{"ask", "--mode", "poetry", "what is the torque spec?"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestServerAddr(t *testing.T) {
	if got := serverAddr(config.ServerConfig{Port: 4100}); got != "127.0.0.1:4100" {
		t.Errorf("addr = %q", got)
	}
	if got := serverAddr(config.ServerConfig{Bind: "::1", Port: 4100}); got != "[::1]:4100" {
		t.Errorf("addr = %q", got)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
