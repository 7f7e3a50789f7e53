// Package storage persists data lake objects as canonical JSON blobs.
//
// A Store layers the JSON codec, error taxonomy and lazy listing over a
// Backend. Backends exist for S3-compatible object stores (AWS S3, MinIO),
// PostgreSQL, embedded SQLite and process memory. Stores never retry; callers
// wrap operations in WithRetry when they want transient failures retried.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
)

// ContentType is the media type of every stored object.
const ContentType = "application/json"

// DefaultPageSize is the number of keys fetched per backend list call.
const DefaultPageSize = 1000

// Client is the storage contract used by the ingestion pipeline.
// Implementations must be safe for concurrent use.
type Client interface {
	// Store serializes record to canonical JSON and writes it at key,
	// overwriting any existing object.
	Store(ctx context.Context, key string, record any) error

	// Read returns the JSON stored at key. It fails with ErrNotFound when the
	// key is absent and ErrCorrupt when the bytes are not valid JSON.
	Read(ctx context.Context, key string) (json.RawMessage, error)

	// List yields every key under prefix in lexical order, fetching pages
	// lazily. Iteration stops after the first error.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]

	// Delete removes the object at key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
}

// Backend is the byte-level object store a Store delegates to. Errors
// returned by a Backend should already be *Error values carrying a kind.
type Backend interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// ListPage returns up to limit keys under prefix that sort after the
	// given key, in lexical order.
	ListPage(ctx context.Context, prefix, after string, limit int) ([]string, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Store implements Client over a Backend.
type Store struct {
	backend  Backend
	pageSize int
	logger   *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithPageSize overrides the list page size.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates a Store over backend.
func New(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{backend: backend, pageSize: DefaultPageSize, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Store implements Client.
func (s *Store) Store(ctx context.Context, key string, record any) error {
	if key == "" {
		return newError("store", key, ErrInvalidKey, fmt.Errorf("empty key"))
	}
	body, err := Marshal(record)
	if err != nil {
		return newError("store", key, ErrCorrupt, err)
	}
	if err := s.backend.Put(ctx, key, body); err != nil {
		return classify("store", key, err, nil)
	}
	s.logger.Debug("storage: object stored", "backend", s.backend.Name(), "object_key", key, "bytes", len(body))
	return nil
}

// Read implements Client.
func (s *Store) Read(ctx context.Context, key string) (json.RawMessage, error) {
	if key == "" {
		return nil, newError("read", key, ErrInvalidKey, fmt.Errorf("empty key"))
	}
	body, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, classify("read", key, err, nil)
	}
	if !json.Valid(body) {
		return nil, newError("read", key, ErrCorrupt, nil)
	}
	return json.RawMessage(body), nil
}

// ReadInto reads the object at key and decodes it into v.
func ReadInto(ctx context.Context, c Client, key string, v any) error {
	raw, err := c.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newError("read", key, ErrCorrupt, err)
	}
	return nil
}

// List implements Client.
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			page, err := s.backend.ListPage(ctx, prefix, after, s.pageSize)
			if err != nil {
				yield("", classify("list", prefix, err, nil))
				return
			}
			for _, key := range page {
				if !yield(key, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1]
		}
	}
}

// Delete implements Client.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return classify("delete", key, err, nil)
	}
	return nil
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Collect drains a key sequence into a slice, stopping at limit keys when
// limit is positive. The boolean reports whether more keys remained.
func Collect(seq iter.Seq2[string, error], limit int) ([]string, bool, error) {
	var keys []string
	for key, err := range seq {
		if err != nil {
			return keys, false, err
		}
		if limit > 0 && len(keys) == limit {
			return keys, true, nil
		}
		keys = append(keys, key)
	}
	return keys, false, nil
}

// Marshal encodes v as canonical pretty-printed JSON: two-space indent, HTML
// characters unescaped, map keys sorted, no trailing newline. Encoding the
// same value always yields the same bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("storage: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
