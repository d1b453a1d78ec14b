// Package embeddings provides the external embedding collaborator.
//
// The engine consumes embeddings through the Embedder interface with
// degrade-to-nil semantics: a failed or slow embedding call yields a nil
// vector, never an error; callers treat "no vector" as a valid degraded
// result. The concrete client speaks to a HuggingFace Text Embeddings
// Inference (TEI) server over HTTP.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// PrefixDocument is the task prefix for document embeddings (storage).
	// Required by nomic-embed-text for optimal performance.
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for query embeddings (search).
	PrefixQuery = "search_query: "
)

// Embedder is the collaborator interface the engine depends on. All methods
// are safe with empty or garbage input and never fail loudly: a nil vector
// (or nil slot in a batch) means embedding was unavailable.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) []float32
	EmbedDocument(ctx context.Context, text string) []float32
	// EmbedBatch embeds documents in one call; the result always has
	// len(texts) slots, nil where embedding failed.
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

// TEIClient is an HTTP client for HuggingFace Text Embeddings Inference.
type TEIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTEIClient creates a new TEI client.
func NewTEIClient(baseURL string) *TEIClient {
	return &TEIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// embedRequest is the TEI /embed request body.
type embedRequest struct {
	Inputs any `json:"inputs"` // string or []string
}

func (c *TEIClient) embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = taskPrefix + t
	}

	var body embedRequest
	if len(prefixed) == 1 {
		body = embedRequest{Inputs: prefixed[0]}
	} else {
		body = embedRequest{Inputs: prefixed}
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("TEI returned %d: %s", resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return vectors, nil
}

// EmbedQuery embeds a search query. Nil on any failure.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) []float32 {
	return c.embedOne(ctx, text, PrefixQuery)
}

// EmbedDocument embeds a document for storage. Nil on any failure.
func (c *TEIClient) EmbedDocument(ctx context.Context, text string) []float32 {
	return c.embedOne(ctx, text, PrefixDocument)
}

func (c *TEIClient) embedOne(ctx context.Context, text, prefix string) []float32 {
	if text == "" {
		return nil
	}
	vectors, err := c.embed(ctx, []string{text}, prefix)
	if err != nil || len(vectors) == 0 {
		slog.Warn("embedding degraded to nil", "error", err)
		return nil
	}
	return vectors[0]
}

// EmbedBatch embeds documents in one request. On failure every slot is nil;
// on a short response the tail slots are nil.
func (c *TEIClient) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}
	vectors, err := c.embed(ctx, texts, PrefixDocument)
	if err != nil {
		slog.Warn("batch embedding degraded to nil", "count", len(texts), "error", err)
		return out
	}
	for i := range out {
		if i < len(vectors) {
			out[i] = vectors[i]
		}
	}
	return out
}

// Health checks if the TEI service is available.
func (c *TEIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("TEI health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("TEI unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Null is an Embedder that always degrades: every vector is nil. Used when
// no embedding endpoint is configured; the engine then runs lexical-only.
type Null struct{}

func (Null) EmbedQuery(context.Context, string) []float32    { return nil }
func (Null) EmbedDocument(context.Context, string) []float32 { return nil }
func (Null) EmbedBatch(_ context.Context, texts []string) [][]float32 {
	return make([][]float32, len(texts))
}
