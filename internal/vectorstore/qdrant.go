package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/techdocs/internal/pipeline"
)

var _ Store = (*QdrantStore)(nil)

// QdrantStore is a REST client for a Qdrant collection.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewQdrantStore creates a client. No request is made until the first call.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

type qdrantError struct {
	status int
	body   string
}

func (e *qdrantError) Error() string {
	return fmt.Sprintf("qdrant: status %d: %s", e.status, e.body)
}

// EnsureCollection creates the collection with HNSW settings and a keyword
// index on document_id when it does not exist yet.
func (q *QdrantStore) EnsureCollection(ctx context.Context, cfg CollectionConfig) error {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, &info)
	if err == nil {
		if size := info.Result.Config.Params.Vectors.Size; cfg.Dimension > 0 && size != cfg.Dimension {
			return fmt.Errorf("qdrant collection %s has dimension %d, want %d", q.collection, size, cfg.Dimension)
		}
		return nil
	}
	if qe, ok := err.(*qdrantError); !ok || qe.status != http.StatusNotFound {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     cfg.Dimension,
			"distance": "Cosine",
		},
		"hnsw_config": map[string]any{
			"m":            cfg.HNSWM,
			"ef_construct": cfg.HNSWEfConstruct,
		},
		"on_disk_payload": cfg.OnDiskPayload,
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath(""), body, nil); err != nil {
		return fmt.Errorf("creating qdrant collection: %w", err)
	}
	index := map[string]any{"field_name": "document_id", "field_schema": "keyword"}
	if err := q.do(ctx, http.MethodPut, q.collectionPath("/index?wait=true"), index, nil); err != nil {
		return fmt.Errorf("creating document_id index: %w", err)
	}
	return nil
}

func (q *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	out := make([]map[string]any, len(points))
	for i, p := range points {
		out[i] = map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		}
	}
	return q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), map[string]any{"points": out}, nil)
}

func (q *QdrantStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	opts = opts.withDefaults()
	req := map[string]any{
		"vector":          vector,
		"limit":           opts.TopK,
		"with_payload":    true,
		"score_threshold": opts.ScoreThreshold,
	}
	if !opts.Filter.empty() {
		req["filter"] = documentFilter(opts.Filter.DocumentIDs...)
	}
	var resp struct {
		Result []struct {
			ID      string  `json:"id"`
			Score   float32 `json:"score"`
			Payload Payload `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{ID: r.ID, Score: r.Score, Payload: r.Payload})
	}
	return finalize(hits, opts), nil
}

func (q *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	body := map[string]any{"filter": documentFilter(documentID)}
	return q.do(ctx, http.MethodPost, q.collectionPath("/points/delete?wait=true"), body, nil)
}

func (q *QdrantStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	return q.count(ctx, documentFilter(documentID))
}

func (q *QdrantStore) Count(ctx context.Context) (int, error) {
	return q.count(ctx, nil)
}

func (q *QdrantStore) count(ctx context.Context, filter map[string]any) (int, error) {
	body := map[string]any{"exact": true}
	if filter != nil {
		body["filter"] = filter
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/count"), body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (q *QdrantStore) Status(ctx context.Context) (Status, error) {
	var resp struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, &resp); err != nil {
		return StatusRed, err
	}
	switch resp.Result.Status {
	case "green":
		return StatusGreen, nil
	case "yellow", "grey":
		return StatusYellow, nil
	}
	return StatusRed, nil
}

func (q *QdrantStore) Close() error { return nil }

func (q *QdrantStore) collectionPath(suffix string) string {
	return q.url + "/collections/" + q.collection + suffix
}

func documentFilter(ids ...string) map[string]any {
	match := map[string]any{"value": ids[0]}
	if len(ids) > 1 {
		match = map[string]any{"any": ids}
	}
	return map[string]any{
		"must": []any{
			map[string]any{"key": "document_id", "match": match},
		},
	}
}

// do sends a JSON request. 503 maps to ErrNotReady, 429 and other 5xx to
// a TransientError.
func (q *QdrantStore) do(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling qdrant request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("creating qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &pipeline.TransientError{Op: "qdrant " + method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		qe := &qdrantError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		switch {
		case resp.StatusCode == http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %v", pipeline.ErrNotReady, qe)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &pipeline.TransientError{Op: "qdrant " + method, Status: resp.StatusCode, Err: qe}
		}
		return qe
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding qdrant response: %w", err)
		}
	}
	return nil
}
