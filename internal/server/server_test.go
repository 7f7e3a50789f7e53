package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/gtmlake/internal/auth"
	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/ingest"
	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/query"
	"github.com/ashita-ai/gtmlake/internal/ratelimit"
	"github.com/ashita-ai/gtmlake/internal/server"
	"github.com/ashita-ai/gtmlake/internal/storage"
	"github.com/ashita-ai/gtmlake/internal/testutil"
)

const conversationJSON = `{
	"conversation_id": "c1",
	"timestamp": "2024-03-05T14:30:00Z",
	"raw_transcript": "Acme asked about Q3 pricing and the SSO roadmap.",
	"company_domain": "acme.com"
}`

type env struct {
	store    *storage.Store
	backend  *storage.MemoryBackend
	broker   *broker.Memory
	pipeline *ingest.Pipeline
	handler  http.Handler
}

type option func(*server.ServerConfig)

func newEnv(t *testing.T, opts ...option) *env {
	t.Helper()
	logger := testutil.TestLogger()
	backend := storage.NewMemoryBackend()
	store := storage.New(backend, logger)
	b := broker.NewMemory(broker.NewTopics("gtm"), 16, logger)
	t.Cleanup(func() { _ = b.Close() })
	p := ingest.New(store, b, ingest.Config{StoreRetries: 0}, logger)

	cfg := server.ServerConfig{
		Ingester:            p,
		Publisher:           ingest.NewProducer(b),
		Querier:             query.New(store, nil, nil, logger),
		Store:               store,
		StoragePing:         store,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &env{
		store:    store,
		backend:  backend,
		broker:   b,
		pipeline: p,
		handler:  server.New(cfg).Handler(),
	}
}

func (e *env) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestDirectIngest(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeData[model.IngestResponse](t, rec)
	assert.Equal(t, "stored", resp.Status)
	assert.Equal(t, model.KindConversation, resp.Kind)
	assert.Equal(t, "c1", resp.NaturalKey)
	assert.Equal(t, "bronze/conversations/year=2024/month=03/day=05/call_c1.json", resp.ObjectKey)

	stored, err := e.store.Read(context.Background(), resp.ObjectKey)
	require.NoError(t, err)
	assert.Contains(t, string(stored), `"conversation_id": "c1"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestDirectIngestEmailThreadUsesFirstEmail(t *testing.T) {
	e := newEnv(t)
	body := `{"thread_id":"t1","emails":[
		{"subject":"Intro","body_text":"hi","timestamp":"2024-01-10T09:00:00"},
		{"subject":"Re: Intro","body_text":"hello","timestamp":"2024-01-10T10:00:00"}]}`

	rec := e.do(t, http.MethodPost, "/ingest/email-thread", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeData[model.IngestResponse](t, rec)
	assert.Equal(t, "bronze/emails/year=2024/month=01/day=10/email_thread_t1.json", resp.ObjectKey)
}

func TestDirectIngestRejections(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing transcript", "/ingest/conversation", `{"conversation_id":"c1","timestamp":"2024-03-05T00:00:00Z"}`, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput},
		{"bad timestamp", "/ingest/conversation", `{"conversation_id":"c1","timestamp":"yesterday","raw_transcript":"x"}`, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput},
		{"malformed json", "/ingest/conversation", `{"conversation_id":`, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput},
		{"bogus agent type", "/ingest/agent-data", `{"agent_id":"a1","agent_type":"bogus","timestamp":"2024-03-05T00:00:00Z","data":{}}`, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput},
		{"unknown kind", "/ingest/invoice", `{}`, http.StatusNotFound, model.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Error.Code)
			assert.Zero(t, e.backend.Len(), "nothing is written for a rejected record")
		})
	}
}

func TestDirectIngestBodyTooLarge(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) { c.MaxRequestBodyBytes = 16 })
	rec := e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, e.backend.Len())
}

// failingStore fails every write as unavailable.
type failingStore struct{}

func (failingStore) Store(context.Context, string, any) error {
	return fmt.Errorf("put: %w", storage.ErrUnavailable)
}

func (failingStore) Read(context.Context, string) (json.RawMessage, error) {
	return nil, fmt.Errorf("get: %w", storage.ErrAccessDenied)
}

func (failingStore) List(context.Context, string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) { yield("", storage.ErrUnavailable) }
}

func (failingStore) Delete(context.Context, string) error { return nil }

func (failingStore) Ping(context.Context) error { return storage.ErrUnavailable }

func TestDirectIngestStorageFailure(t *testing.T) {
	logger := testutil.TestLogger()
	p := ingest.New(failingStore{}, nil, ingest.Config{StoreRetries: 0}, logger)
	h := server.New(server.ServerConfig{Ingester: p, Store: failingStore{}, Logger: logger}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/ingest/conversation", strings.NewReader(conversationJSON))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "unavailable", "storage internals stay out of responses")

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/api/v1/objects/bronze/x.json", nil))
	assert.Equal(t, http.StatusInternalServerError, get.Code)

	list := httptest.NewRecorder()
	h.ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/api/v1/objects?prefix=bronze/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, list.Code)
}

func TestPublish(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/ingest/conversation", conversationJSON)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeData[model.PublishResponse](t, rec)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, model.TopicConversations, resp.Topic)
	assert.Equal(t, "c1", resp.NaturalKey)
	assert.Equal(t, int64(1), e.broker.Published())
	assert.Equal(t, 1, e.broker.Depth(model.TopicConversations))
	assert.Zero(t, e.backend.Len(), "publishing does not write storage")

	rec = e.do(t, http.MethodPost, "/api/v1/ingest/email", `{"thread_id":"t1","emails":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int64(1), e.broker.Published())
}

func TestPublishBrokerFailure(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.broker.Close())

	rec := e.do(t, http.MethodPost, "/api/v1/ingest/conversation", conversationJSON)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, model.ErrCodePublishFailed, decodeError(t, rec).Error.Code)
}

func TestPublishWithoutBroker(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) { c.Publisher = nil })
	rec := e.do(t, http.MethodPost, "/api/v1/ingest/conversation", conversationJSON)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQuery(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON).Code)

	rec := e.do(t, http.MethodPost, "/api/v1/query", `{"question":"What did acme.com say about pricing?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeData[model.QueryResponse](t, rec)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "c1", resp.Hits[0].NaturalKey)

	rec = e.do(t, http.MethodPost, "/api/v1/query", `{"question":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/query", `{"question":"x","kind":"invoice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/query", `{"question":"x","unknown_field":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObjects(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		body := strings.Replace(conversationJSON, `"c1"`, `"`+id+`"`, 1)
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/ingest/conversation", body).Code)
	}

	rec := e.do(t, http.MethodGet, "/api/v1/objects?prefix=bronze/conversations/&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[model.ObjectList](t, rec)
	assert.Equal(t, []string{
		"bronze/conversations/year=2024/month=03/day=05/call_c1.json",
		"bronze/conversations/year=2024/month=03/day=05/call_c2.json",
	}, list.Keys)
	assert.True(t, list.HasMore)

	rec = e.do(t, http.MethodGet, "/api/v1/objects?prefix=silver/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{}, decodeData[model.ObjectList](t, rec).Keys)

	rec = e.do(t, http.MethodGet, "/api/v1/objects?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/objects/bronze/conversations/year=2024/month=03/day=05/call_c2.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	obj := decodeData[model.Conversation](t, rec)
	assert.Equal(t, "c2", obj.ConversationID)

	rec = e.do(t, http.MethodGet, "/api/v1/objects/bronze/nope.json", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("healthy without broker", func(t *testing.T) {
		e := newEnv(t)
		rec := e.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeData[model.HealthResponse](t, rec)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "stopped", resp.Pipeline)
		assert.Equal(t, "connected", resp.Storage)
		assert.Equal(t, "test", resp.Version)
	})

	t.Run("stopped pipeline with broker is degraded", func(t *testing.T) {
		e := newEnv(t, func(c *server.ServerConfig) { c.BrokerPing = pingFunc(func(context.Context) error { return nil }) })
		rec := e.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeData[model.HealthResponse](t, rec)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "connected", resp.Broker)
	})

	t.Run("running pipeline", func(t *testing.T) {
		first := newEnv(t)
		e := newEnv(t, func(c *server.ServerConfig) { c.BrokerPing = first.broker; c.Ingester = first.pipeline })
		require.NoError(t, first.pipeline.Start(context.Background()))
		t.Cleanup(func() { first.pipeline.Stop(context.Background()) })

		resp := decodeData[model.HealthResponse](t, e.do(t, http.MethodGet, "/health", ""))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "running", resp.Pipeline)
	})

	t.Run("storage down", func(t *testing.T) {
		e := newEnv(t, func(c *server.ServerConfig) { c.StoragePing = failingStore{} })
		rec := e.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decodeData[model.HealthResponse](t, rec)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "disconnected", resp.Storage)
	})

	t.Run("index and enrichment", func(t *testing.T) {
		e := newEnv(t, func(c *server.ServerConfig) {
			c.Index = healthFunc(func(context.Context) error { return errors.New("down") })
			c.Enrich = enrichStats{depth: 4, dropped: 2}
		})
		resp := decodeData[model.HealthResponse](t, e.do(t, http.MethodGet, "/health", ""))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "disconnected", resp.Qdrant)
		assert.Equal(t, 4, resp.EnrichDepth)
		assert.Equal(t, int64(2), resp.EnrichDropped)
	})
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type healthFunc func(context.Context) error

func (f healthFunc) Healthy(ctx context.Context) error { return f(ctx) }

type enrichStats struct {
	depth   int
	dropped int64
}

func (s enrichStats) Depth() int     { return s.depth }
func (s enrichStats) Dropped() int64 { return s.dropped }

func newAuthEnv(t *testing.T) *env {
	t.Helper()
	hashes, err := auth.ParseKeys("crm:key-a")
	require.NoError(t, err)
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	return newEnv(t, func(c *server.ServerConfig) {
		c.Keyring = auth.NewKeyring(hashes)
		c.JWTMgr = jwtMgr
	})
}

func TestAuth(t *testing.T) {
	e := newAuthEnv(t)

	rec := e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Error.Code)

	rec = e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON, "X-API-Key", "key-a")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")

	rec = e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthTokenExchange(t *testing.T) {
	e := newAuthEnv(t)

	rec := e.do(t, http.MethodPost, "/auth/token", `{"client_id":"crm","api_key":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/auth/token", `{"client_id":"crm","api_key":"key-a"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok := decodeData[model.AuthTokenResponse](t, rec)
	require.NotEmpty(t, tok.Token)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	rec = e.do(t, http.MethodGet, "/api/v1/objects", "", "Authorization", "Bearer "+tok.Token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/objects", "", "Authorization", "Bearer "+tok.Token+"x")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthTokenDisabled(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/auth/token", `{"client_id":"crm","api_key":"key-a"}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, func(c *server.ServerConfig) { c.Limiter = limiter })

	rec := e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body.Meta.RequestID)

	rec = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}

// panicIngester panics on every ingest.
type panicIngester struct{}

func (panicIngester) IngestRaw(context.Context, model.Kind, []byte) (model.Record, string, error) {
	panic("boom")
}

func (panicIngester) State() ingest.State { return ingest.StateStopped }

func TestPanicRecovery(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) { c.Ingester = panicIngester{} })
	rec := e.do(t, http.MethodPost, "/ingest/conversation", conversationJSON)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "server keeps serving after a panic")
}

func TestRequestIDPropagation(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", "X-Request-ID", "caller-123")
	assert.Equal(t, "caller-123", rec.Header().Get("X-Request-ID"))

	var body model.APIResponse
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&body))
	assert.Equal(t, "caller-123", body.Meta.RequestID)
}

func TestMethodNotAllowed(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/ingest/conversation", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
