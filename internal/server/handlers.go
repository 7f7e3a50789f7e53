package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/gtmlake/internal/auth"
	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/ingest"
	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/query"
	"github.com/ashita-ai/gtmlake/internal/storage"
)

// Ingester stores records synchronously. *ingest.Pipeline implements it.
type Ingester interface {
	IngestRaw(ctx context.Context, kind model.Kind, payload []byte) (model.Record, string, error)
	State() ingest.State
}

// Publisher queues records on the broker. *ingest.Producer implements it.
type Publisher interface {
	PublishRaw(ctx context.Context, kind model.Kind, payload []byte) (model.Record, model.TopicType, error)
}

// Querier answers natural-language questions. *query.Service implements it.
type Querier interface {
	Query(ctx context.Context, req model.QueryRequest) (model.QueryResponse, error)
}

// Pinger reports connectivity to a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker reports vector index health.
type Checker interface {
	Healthy(ctx context.Context) error
}

// EnrichStats exposes the enrichment queue for the health report.
type EnrichStats interface {
	Depth() int
	Dropped() int64
}

const (
	defaultObjectLimit = 100
	maxObjectLimit     = 1000
	healthTimeout      = 3 * time.Second
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	ingester  Ingester
	publisher Publisher
	querier   Querier
	store     storage.Client

	storagePing Pinger
	brokerPing  Pinger
	index       Checker
	enrich      EnrichStats

	keyring *auth.Keyring
	jwtMgr  *auth.JWTManager

	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Publisher, Querier, StoragePing, BrokerPing, Index,
// Enrich, Keyring, JWTMgr.
type HandlersDeps struct {
	Ingester    Ingester
	Publisher   Publisher
	Querier     Querier
	Store       storage.Client
	StoragePing Pinger
	BrokerPing  Pinger
	Index       Checker
	Enrich      EnrichStats
	Keyring     *auth.Keyring
	JWTMgr      *auth.JWTManager
	Logger      *slog.Logger
	Version     string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		ingester:    d.Ingester,
		publisher:   d.Publisher,
		querier:     d.Querier,
		store:       d.Store,
		storagePing: d.StoragePing,
		brokerPing:  d.BrokerPing,
		index:       d.Index,
		enrich:      d.Enrich,
		keyring:     d.Keyring,
		jwtMgr:      d.JWTMgr,
		logger:      d.Logger,
		version:     d.Version,
		startedAt:   time.Now(),
	}
}

// HandleIngest handles POST /ingest/{kind}: validate and store synchronously.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.pathKind(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	rec, key, err := h.ingester.IngestRaw(r.Context(), kind, body)
	if err != nil {
		h.writeIngestError(w, r, kind, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.IngestResponse{
		Status:     "stored",
		Kind:       kind,
		NaturalKey: rec.NaturalKey(),
		ObjectKey:  key,
	})
}

// HandlePublish handles POST /api/v1/ingest/{kind}: validate and queue.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "no message broker configured")
		return
	}
	kind, ok := h.pathKind(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	rec, topic, err := h.publisher.PublishRaw(r.Context(), kind, body)
	if err != nil {
		h.writeIngestError(w, r, kind, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.PublishResponse{
		Status:     "queued",
		Topic:      topic,
		NaturalKey: rec.NaturalKey(),
	})
}

func (h *Handlers) pathKind(w http.ResponseWriter, r *http.Request) (model.Kind, bool) {
	kind, err := model.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown record type: "+r.PathValue("kind"))
		return "", false
	}
	return kind, true
}

// writeIngestError maps an ingest or publish failure to a status. Callers
// see the validation reason but never storage or broker internals.
func (h *Handlers) writeIngestError(w http.ResponseWriter, r *http.Request, kind model.Kind, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, verr.Error())
	case errors.Is(err, model.ErrInvalidRecord), errors.Is(err, model.ErrUnknownAgentType):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, broker.ErrPublishFailed), errors.Is(err, broker.ErrConnectionLost),
		errors.Is(err, broker.ErrUnknownTopic), errors.Is(err, broker.ErrClosed):
		h.logger.Error("http: publish failed", "kind", kind, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodePublishFailed, "failed to publish record")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "request cancelled")
	default:
		h.logger.Error("http: ingest failed", "kind", kind, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to store record")
	}
}

// HandleQuery handles POST /api/v1/query.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if h.querier == nil {
		writeError(w, r, http.StatusNotImplemented, model.ErrCodeNotImplemented, "query is not enabled")
		return
	}
	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}
	resp, err := h.querier.Query(r.Context(), req)
	if err != nil {
		if errors.Is(err, query.ErrEmptyQuestion) || errors.Is(err, model.ErrUnknownKind) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("http: query failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListObjects handles GET /api/v1/objects?prefix=&limit=.
func (h *Handlers) HandleListObjects(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	limit, err := queryLimit(r, defaultObjectLimit, maxObjectLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	keys, more, err := storage.Collect(h.store.List(r.Context(), prefix), limit)
	if err != nil {
		h.writeStorageError(w, r, prefix, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, r, http.StatusOK, model.ObjectList{Prefix: prefix, Keys: keys, HasMore: more})
}

// HandleGetObject handles GET /api/v1/objects/{key...}.
func (h *Handlers) HandleGetObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "object key is required")
		return
	}
	body, err := h.store.Read(r.Context(), key)
	if err != nil {
		h.writeStorageError(w, r, key, err)
		return
	}
	writeJSON(w, r, http.StatusOK, body)
}

func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, key string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "object not found")
	case errors.Is(err, storage.ErrInvalidKey):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid object key")
	case errors.Is(err, storage.ErrAccessDenied):
		h.logger.Error("http: storage access denied", "object_key", key, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "storage error")
	case errors.Is(err, storage.ErrUnavailable):
		h.logger.Warn("http: storage unavailable", "object_key", key, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "storage unavailable")
	default:
		h.logger.Error("http: storage read failed", "object_key", key, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "storage error")
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil || h.keyring == nil || !h.keyring.Enabled() {
		writeError(w, r, http.StatusNotImplemented, model.ErrCodeNotImplemented, "token exchange requires configured API keys")
		return
	}
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if err := h.keyring.Verify(req.ClientID, req.APIKey); err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	token, expiresAt, err := h.jwtMgr.IssueToken(req.ClientID)
	if err != nil {
		h.logger.Error("http: issue token", "client_id", req.ClientID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health. Storage is required; broker, index and
// a stopped pipeline only degrade the status.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := model.HealthResponse{
		Version:  h.version,
		Pipeline: h.ingester.State().String(),
		Storage:  "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.storagePing != nil {
		if err := h.storagePing.Ping(ctx); err != nil {
			resp.Storage = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	if h.brokerPing != nil {
		resp.Broker = "connected"
		if err := h.brokerPing.Ping(ctx); err != nil {
			resp.Broker = "disconnected"
			degrade()
		}
		if h.ingester.State() != ingest.StateRunning {
			degrade()
		}
	}
	if h.index != nil {
		resp.Qdrant = "connected"
		if err := h.index.Healthy(ctx); err != nil {
			resp.Qdrant = "disconnected"
			degrade()
		}
	}
	if h.enrich != nil {
		resp.EnrichDepth = h.enrich.Depth()
		resp.EnrichDropped = h.enrich.Dropped()
	}
	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}

// queryLimit returns a bounded limit value from query params.
func queryLimit(r *http.Request, defaultVal, maxVal int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxVal), nil
}
