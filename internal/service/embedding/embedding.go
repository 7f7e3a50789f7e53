// Package embedding generates vector embeddings for stored records.
//
// Providers satisfy a single interface so the enrichment worker and the
// query service never depend on a specific model vendor. Ollama keeps
// embeddings on-premises; OpenAI is the hosted option; Noop disables
// semantic search without disabling ingestion.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
)

// ErrDisabled is returned by the noop provider so callers can skip
// indexing instead of storing zero vectors.
var ErrDisabled = errors.New("embedding: provider disabled")

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// Config selects and configures a provider.
type Config struct {
	Provider   string // auto, openai, ollama, noop
	Model      string
	Dimensions int
	OpenAIKey  string
	OllamaURL  string
}

// New builds the provider named by cfg.Provider. "auto" prefers OpenAI when
// a key is present, then Ollama when a URL is configured, then noop.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	name := cfg.Provider
	if name == "" || name == "auto" {
		switch {
		case cfg.OpenAIKey != "":
			name = "openai"
		case cfg.OllamaURL != "":
			name = "ollama"
		default:
			name = "noop"
		}
	}

	switch name {
	case "openai":
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		p, err := NewOpenAIProvider(cfg.OpenAIKey, model, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		logger.Info("embedding: using openai", "model", model, "dimensions", p.Dimensions())
		return p, nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "mxbai-embed-large"
		}
		logger.Info("embedding: using ollama", "url", cfg.OllamaURL, "model", model, "dimensions", cfg.Dimensions)
		return NewOllamaProvider(cfg.OllamaURL, model, cfg.Dimensions), nil
	case "noop":
		logger.Info("embedding: disabled, semantic search unavailable")
		return NewNoopProvider(cfg.Dimensions), nil
	}
	return nil, fmt.Errorf("embedding: unknown provider %q", name)
}

// MaxInputChars caps the text sent to a provider. Longer inputs are
// truncated on a rune boundary.
const MaxInputChars = 8000

// Truncate shortens text to at most MaxInputChars runes.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxInputChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxInputChars])
}

// NoopProvider reports ErrDisabled for every request.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a disabled provider.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

func (p *NoopProvider) Dimensions() int { return p.dims }

func (p *NoopProvider) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.Vector{}, ErrDisabled
}

func (p *NoopProvider) EmbedBatch(context.Context, []string) ([]pgvector.Vector, error) {
	return nil, ErrDisabled
}
