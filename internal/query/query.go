// Package query answers natural-language questions with records from the lake.
//
// Semantic retrieval embeds the question, searches the vector index and
// hydrates each hit from bronze storage. When no index or embedder is
// available, or either fails, the service falls back to a bounded keyword
// scan over bronze objects. No answer is synthesized; callers get ranked
// records.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/partition"
	"github.com/ashita-ai/gtmlake/internal/search"
	"github.com/ashita-ai/gtmlake/internal/service/embedding"
	"github.com/ashita-ai/gtmlake/internal/storage"
	"github.com/ashita-ai/gtmlake/internal/telemetry"
)

const (
	DefaultLimit = 10
	MaxLimit     = 50

	// MaxScan bounds the objects read by the keyword fallback.
	MaxScan = 1000

	// KeywordMonths is how many months back the keyword fallback looks.
	KeywordMonths = 120
)

// ErrEmptyQuestion is returned for a blank question.
var ErrEmptyQuestion = errors.New("query: question is required")

// Service runs queries. Index and embedder may be nil.
type Service struct {
	store    storage.Client
	index    search.Index
	embedder embedding.Provider
	logger   *slog.Logger

	duration metric.Float64Histogram
}

// New creates a query service.
func New(store storage.Client, index search.Index, embedder embedding.Provider, logger *slog.Logger) *Service {
	s := &Service{store: store, index: index, embedder: embedder, logger: logger}
	s.duration, _ = telemetry.Meter("gtmlake/query").Float64Histogram("gtm.query.duration",
		metric.WithDescription("Query latency by retrieval mode"),
		metric.WithUnit("ms"),
	)
	return s
}

// Query returns the records most relevant to req.Question.
func (s *Service) Query(ctx context.Context, req model.QueryRequest) (model.QueryResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return model.QueryResponse{}, ErrEmptyQuestion
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	var kind model.Kind
	if req.Kind != nil {
		if !req.Kind.Valid() {
			return model.QueryResponse{}, fmt.Errorf("%w: %q", model.ErrUnknownKind, *req.Kind)
		}
		kind = *req.Kind
	}

	start := time.Now()
	hits, ok := s.semantic(ctx, question, kind, limit)
	mode := "semantic"
	if !ok {
		mode = "keyword"
		var err error
		hits, err = s.keyword(ctx, question, kind, limit)
		if err != nil {
			return model.QueryResponse{}, err
		}
	}
	if s.duration != nil {
		s.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("mode", mode)))
	}

	if hits == nil {
		hits = []model.QueryHit{}
	}
	return model.QueryResponse{Question: question, Hits: hits}, nil
}

// semantic reports false when vector retrieval is unavailable so the caller
// can fall back.
func (s *Service) semantic(ctx context.Context, question string, kind model.Kind, limit int) ([]model.QueryHit, bool) {
	if s.index == nil || s.embedder == nil {
		return nil, false
	}
	if err := s.index.Healthy(ctx); err != nil {
		s.logger.Debug("query: index unhealthy, using keyword scan", "error", err)
		return nil, false
	}
	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		if !errors.Is(err, embedding.ErrDisabled) {
			s.logger.Warn("query: embedding failed, using keyword scan", "error", err)
		}
		return nil, false
	}
	results, err := s.index.Search(ctx, vec.Slice(), search.Filter{Kind: kind}, limit)
	if err != nil {
		s.logger.Warn("query: index search failed, using keyword scan", "error", err)
		return nil, false
	}
	return s.hydrate(ctx, results), true
}

// hydrate reads each hit's bronze object. Hits whose object is gone are
// skipped; the index can lag storage deletes.
func (s *Service) hydrate(ctx context.Context, results []search.Result) []model.QueryHit {
	hits := make([]model.QueryHit, 0, len(results))
	for _, r := range results {
		raw, err := s.store.Read(ctx, r.ObjectKey)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("query: hydrate failed", "object_key", r.ObjectKey, "error", err)
			}
			continue
		}
		hits = append(hits, model.QueryHit{
			Kind:       r.Kind,
			NaturalKey: r.NaturalKey,
			ObjectKey:  r.ObjectKey,
			Score:      r.Score,
			Record:     raw,
		})
	}
	return hits
}

// keyword scores bronze objects by the fraction of question terms they
// contain. Each kind gets an equal share of MaxScan and is read newest month
// first, so old partitions of one kind never crowd out recent data.
func (s *Service) keyword(ctx context.Context, question string, kind model.Kind, limit int) ([]model.QueryHit, error) {
	terms := Terms(question)
	if len(terms) == 0 {
		return nil, nil
	}

	kinds := model.Kinds()
	if kind != "" {
		kinds = []model.Kind{kind}
	}
	budget := MaxScan / len(kinds)
	now := time.Now().UTC()

	var hits []model.QueryHit
	for _, k := range kinds {
		found, err := s.scanKind(ctx, k, terms, budget, now)
		if err != nil {
			return nil, err
		}
		hits = append(hits, found...)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ObjectKey > hits[j].ObjectKey // newer partitions first
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// scanKind reads up to budget objects of kind k, walking month prefixes back
// from the month after now for KeywordMonths months.
func (s *Service) scanKind(ctx context.Context, k model.Kind, terms []string, budget int, now time.Time) ([]model.QueryHit, error) {
	var hits []model.QueryHit
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	for range KeywordMonths + 1 {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		prefix := partition.MonthPrefix(partition.Bronze, k.DataType(), month.Year(), int(month.Month()))
		month = month.AddDate(0, -1, 0)

		keys, _, err := storage.Collect(s.store.List(ctx, prefix), 0)
		if err != nil {
			return nil, fmt.Errorf("query: list %s: %w", prefix, err)
		}
		for i := len(keys) - 1; i >= 0 && budget > 0; i-- {
			budget--
			key := keys[i]
			raw, err := s.store.Read(ctx, key)
			if err != nil {
				s.logger.Debug("query: skip unreadable object", "object_key", key, "error", err)
				continue
			}
			score := matchScore(strings.ToLower(string(raw)), terms)
			if score == 0 {
				continue
			}
			hits = append(hits, model.QueryHit{
				Kind:       k,
				NaturalKey: naturalKeyFromObjectKey(key),
				ObjectKey:  key,
				Score:      score,
				Record:     raw,
			})
		}
	}
	return hits, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "about": true, "did": true, "do": true,
	"for": true, "from": true, "how": true, "in": true, "is": true, "of": true, "on": true,
	"or": true, "the": true, "to": true, "what": true, "when": true, "which": true, "who": true,
	"with": true, "we": true, "were": true, "was": true,
}

// Terms lowercases question and splits it into distinct non-stopword terms.
func Terms(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '@' || r == '.' || r == '-' || r == '_' || r > 127)
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, ".-_")
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func matchScore(text string, terms []string) float32 {
	matched := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			matched++
		}
	}
	return float32(matched) / float32(len(terms))
}

// naturalKeyFromObjectKey recovers a best-effort natural key from the file
// name. Type prefixes contain underscores, so the key is what follows the
// known prefix.
func naturalKeyFromObjectKey(key string) string {
	name := key[strings.LastIndex(key, "/")+1:]
	name = strings.TrimSuffix(name, ".json")
	return unescapeKey(stripTypePrefix(name))
}

func stripTypePrefix(name string) string {
	for _, prefix := range []string{"call_", "email_thread_", "user_events_", "calendar_event_"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	if strings.HasPrefix(name, "agent_") {
		rest := strings.TrimPrefix(name, "agent_")
		for _, at := range model.AgentTypes() {
			if p := string(at) + "_"; strings.HasPrefix(rest, p) {
				return strings.TrimPrefix(rest, p)
			}
		}
	}
	return name
}

func unescapeKey(name string) string {
	if key, err := url.PathUnescape(name); err == nil {
		return key
	}
	return name
}
