// Package enrich attaches AI insights and embeddings to stored records.
//
// Enrichment is best-effort and asynchronous: the ingestion pipeline hands a
// stored record to the Worker and moves on. Insights are written to the
// silver layer next to the untouched bronze object; embeddings go to the
// search index. Failures are logged and counted, never retried by the
// pipeline.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// Enricher produces insights for a record. A nil map with a nil error means
// the enricher had nothing to add.
type Enricher interface {
	Enrich(ctx context.Context, rec model.Record) (map[string]any, error)
}

// Noop never produces insights.
type Noop struct{}

func (Noop) Enrich(context.Context, model.Record) (map[string]any, error) { return nil, nil }

// HTTPEnricher posts records to an external insight service.
//
// Request:  {"kind": "...", "natural_key": "...", "record": {...}}
// Response: {"insights": {...}}
type HTTPEnricher struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPEnricher returns an enricher calling url with the given per-request timeout.
func NewHTTPEnricher(url, apiKey string, timeout time.Duration) *HTTPEnricher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPEnricher{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type enrichRequest struct {
	Kind       model.Kind   `json:"kind"`
	NaturalKey string       `json:"natural_key"`
	Record     model.Record `json:"record"`
}

type enrichResponse struct {
	Insights map[string]any `json:"insights"`
	Error    string         `json:"error,omitempty"`
}

func (h *HTTPEnricher) Enrich(ctx context.Context, rec model.Record) (map[string]any, error) {
	body, err := json.Marshal(enrichRequest{Kind: rec.Kind(), NaturalKey: rec.NaturalKey(), Record: rec})
	if err != nil {
		return nil, fmt.Errorf("enrich: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("enrich: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrich: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("enrich: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("enrich: status %d: %s", resp.StatusCode, truncate(raw, 256))
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out enrichResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("enrich: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("enrich: service error: %s", out.Error)
	}
	return out.Insights, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
