package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/techdocs/internal/api"
	"github.com/kalambet/techdocs/internal/config"
	"github.com/kalambet/techdocs/internal/pipeline"
)

type statsResponse = api.StatsView

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(cfg, config.NewSecretStore())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL: "http://" + serverAddr(cfg.Server),
		token:   token,
		// Answers can take as long as query.timeout times the retry budget.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *apiClient) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is techdocs serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, v any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func (c *apiClient) delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// upload streams a file to POST /documents as multipart/form-data.
func (c *apiClient) upload(ctx context.Context, filename string, r io.Reader) (*api.SubmissionView, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(filename))
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/documents", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.send(req)
	if err != nil {
		pr.Close()
		return nil, err
	}
	var sub api.SubmissionView
	if err := decodeJSON(resp, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *apiClient) uploadFile(ctx context.Context, path string) (*api.SubmissionView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.upload(ctx, path, f)
}

// apiError is the decoded error body of a failed request.
type apiError struct {
	Status          int
	Message         string `json:"message"`
	Type            string `json:"type"`
	Field           string `json:"field"`
	RegenerateToken string `json:"regenerate_token"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// asValidation converts 400 responses carrying a field into the domain
// validation error so callers can treat them like local rejections.
func (e *apiError) asValidation() error {
	if e.Status == http.StatusBadRequest && e.Field != "" {
		reason := strings.TrimPrefix(e.Message, "validation error: "+e.Field+": ")
		return &pipeline.ValidationError{Field: e.Field, Reason: reason}
	}
	return e
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var wrapped struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) != nil || wrapped.Error.Message == "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}
		wrapped.Error.Status = resp.StatusCode
		return &wrapped.Error
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
