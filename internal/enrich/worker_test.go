package enrich_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/gtmlake/internal/enrich"
	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/search"
	"github.com/ashita-ai/gtmlake/internal/service/embedding"
	"github.com/ashita-ai/gtmlake/internal/storage"
	"github.com/ashita-ai/gtmlake/internal/testutil"
)

const convKey = "bronze/conversations/year=2024/month=03/day=05/call_c1.json"

func conversation() *model.Conversation {
	return &model.Conversation{
		ConversationID: "c1",
		Timestamp:      "2024-03-05T10:00:00Z",
		RawTranscript:  "Customer asked about pricing tiers.",
		CompanyDomain:  "acme.com",
		OpportunityID:  "opp-1",
	}
}

type enricherFunc func(ctx context.Context, rec model.Record) (map[string]any, error)

func (f enricherFunc) Enrich(ctx context.Context, rec model.Record) (map[string]any, error) {
	return f(ctx, rec)
}

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct {
	calls atomic.Int32
	err   error
}

func (f *fixedEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	f.calls.Add(1)
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fixedEmbedder) Dimensions() int { return 3 }

func newStore() *storage.Store {
	return storage.New(storage.NewMemoryBackend(), testutil.TestLogger())
}

func runOne(t *testing.T, w *enrich.Worker, rec model.Record, key string) {
	t.Helper()
	w.Start(context.Background())
	require.True(t, w.Enqueue(rec, key))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(ctx)
}

func TestWorkerWritesSilverAndIndexes(t *testing.T) {
	store := newStore()
	index := search.NewMemoryIndex()
	insights := enricherFunc(func(context.Context, model.Record) (map[string]any, error) {
		return map[string]any{"sentiment": "positive", "topics": []any{"pricing"}}, nil
	})
	w := enrich.NewWorker(store, insights, &fixedEmbedder{}, index, enrich.Config{}, testutil.TestLogger())

	runOne(t, w, conversation(), convKey)

	raw, err := store.Read(context.Background(), "silver/conversations/year=2024/month=03/day=05/call_c1.json")
	require.NoError(t, err)
	var silver struct {
		Record     map[string]any `json:"record"`
		AIInsights map[string]any `json:"ai_insights"`
		EnrichedAt time.Time      `json:"enriched_at"`
	}
	require.NoError(t, json.Unmarshal(raw, &silver))
	assert.Equal(t, "c1", silver.Record["conversation_id"])
	assert.Equal(t, "positive", silver.AIInsights["sentiment"])
	assert.False(t, silver.EnrichedAt.IsZero())

	_, err = store.Read(context.Background(), convKey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the worker never writes bronze")

	results, err := index.Search(context.Background(), []float32{1, 0, 0}, search.Filter{CompanyDomain: "acme.com", OpportunityID: "opp-1"}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, search.PointID(model.KindConversation, "c1"), results[0].ID)
	assert.Equal(t, convKey, results[0].ObjectKey)
	assert.Equal(t, model.KindConversation, results[0].Kind)
}

func TestWorkerEnrichFailureStillEmbeds(t *testing.T) {
	store := newStore()
	index := search.NewMemoryIndex()
	failing := enricherFunc(func(context.Context, model.Record) (map[string]any, error) {
		return nil, errors.New("model timeout")
	})
	w := enrich.NewWorker(store, failing, &fixedEmbedder{}, index, enrich.Config{}, testutil.TestLogger())

	runOne(t, w, conversation(), convKey)

	keys, _, err := storage.Collect(store.List(context.Background(), "silver/"), 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 1, index.Len())
}

func TestWorkerSkipsStages(t *testing.T) {
	tests := []struct {
		name      string
		enricher  enrich.Enricher
		embedder  embedding.Provider
		wantSaved int
		wantIndex int
	}{
		{"noop enricher writes nothing", enrich.Noop{}, nil, 0, 0},
		{"disabled embedder indexes nothing", nil, embedding.NewNoopProvider(3), 0, 0},
		{"embedder error is contained", nil, &fixedEmbedder{err: errors.New("down")}, 0, 0},
		{"embedder only", nil, &fixedEmbedder{}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore()
			index := search.NewMemoryIndex()
			w := enrich.NewWorker(store, tt.enricher, tt.embedder, index, enrich.Config{}, testutil.TestLogger())
			runOne(t, w, conversation(), convKey)

			keys, _, err := storage.Collect(store.List(context.Background(), ""), 0)
			require.NoError(t, err)
			assert.Len(t, keys, tt.wantSaved)
			assert.Equal(t, tt.wantIndex, index.Len())
		})
	}
}

func TestWorkerCalendarInsightsFillCopy(t *testing.T) {
	store := newStore()
	ev := &model.CalendarEvent{
		EventID:   "e1",
		Title:     "QBR",
		StartTime: "2024-01-10T15:00:00Z",
		EndTime:   "2024-01-10T16:00:00Z",
		Attendees: []map[string]any{{"email": "a@acme.com"}},
		Organizer: map[string]any{"email": "rep@us.com"},
	}
	insights := enricherFunc(func(context.Context, model.Record) (map[string]any, error) {
		return map[string]any{
			"meeting_summary": map[string]any{"headline": "renewal at risk"},
			"action_items":    []any{"send proposal", map[string]any{"description": "book follow-up"}},
		}, nil
	})
	w := enrich.NewWorker(store, insights, nil, nil, enrich.Config{}, testutil.TestLogger())
	runOne(t, w, ev, "bronze/calendar_events/year=2024/month=01/day=10/calendar_event_e1.json")

	raw, err := store.Read(context.Background(), "silver/calendar_events/year=2024/month=01/day=10/calendar_event_e1.json")
	require.NoError(t, err)
	var silver struct {
		Record model.CalendarEvent `json:"record"`
	}
	require.NoError(t, json.Unmarshal(raw, &silver))
	assert.Equal(t, "renewal at risk", silver.Record.MeetingSummary["headline"])
	require.Len(t, silver.Record.ActionItems, 2)
	assert.Equal(t, "send proposal", silver.Record.ActionItems[0]["description"])

	assert.Nil(t, ev.MeetingSummary, "the original record is not modified")
	assert.Nil(t, ev.ActionItems)
}

func TestWorkerEnqueueDrops(t *testing.T) {
	w := enrich.NewWorker(newStore(), nil, nil, nil, enrich.Config{QueueSize: 1}, testutil.TestLogger())

	assert.True(t, w.Enqueue(conversation(), convKey))
	assert.False(t, w.Enqueue(conversation(), convKey), "queue is full")
	assert.Equal(t, int64(1), w.Dropped())
	assert.Equal(t, 1, w.Depth())

	w.Start(context.Background())
	w.Drain(context.Background())
	assert.Equal(t, 0, w.Depth())

	assert.False(t, w.Enqueue(conversation(), convKey), "drained worker rejects jobs")
	assert.Equal(t, int64(2), w.Dropped())

	w.Drain(context.Background())
}

func TestWorkerDrainFinishesQueueAfterStartContextCancelled(t *testing.T) {
	gate := make(chan struct{})
	var completed atomic.Int32
	gated := enricherFunc(func(ctx context.Context, _ model.Record) (map[string]any, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		completed.Add(1)
		return nil, nil
	})
	w := enrich.NewWorker(newStore(), gated, nil, nil, enrich.Config{Workers: 1, Timeout: time.Minute}, testutil.TestLogger())

	startCtx, stop := context.WithCancel(context.Background())
	w.Start(startCtx)
	for range 5 {
		require.True(t, w.Enqueue(conversation(), convKey))
	}
	// A shutdown signal cancels the process context before the drain phase.
	stop()
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Drain(ctx)
	assert.Equal(t, int32(5), completed.Load())
	assert.Zero(t, w.Dropped())
}

func TestWorkerDrainTimeoutCancelsJobs(t *testing.T) {
	started := make(chan struct{})
	blocking := enricherFunc(func(ctx context.Context, _ model.Record) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := enrich.NewWorker(newStore(), blocking, nil, nil, enrich.Config{Workers: 1, Timeout: time.Minute}, testutil.TestLogger())
	w.Start(context.Background())
	require.True(t, w.Enqueue(conversation(), convKey))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	w.Drain(ctx)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestHTTPEnricher(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    map[string]any
		wantErr string
	}{
		{"insights", http.StatusOK, `{"insights":{"risk":"low"}}`, map[string]any{"risk": "low"}, ""},
		{"no content", http.StatusNoContent, ``, nil, ""},
		{"server error", http.StatusInternalServerError, `boom`, nil, "status 500"},
		{"service error", http.StatusOK, `{"error":"quota exceeded"}`, nil, "quota exceeded"},
		{"bad json", http.StatusOK, `{`, nil, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				var req struct {
					Kind       string         `json:"kind"`
					NaturalKey string         `json:"natural_key"`
					Record     map[string]any `json:"record"`
				}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "conversation", req.Kind)
				assert.Equal(t, "c1", req.NaturalKey)
				assert.Equal(t, "acme.com", req.Record["company_domain"])

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := enrich.NewHTTPEnricher(srv.URL, "secret", time.Second)
			got, err := h.Enrich(context.Background(), conversation())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
