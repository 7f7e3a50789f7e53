package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/gtmlake/internal/auth"
	"github.com/ashita-ai/gtmlake/internal/ratelimit"
	"github.com/ashita-ai/gtmlake/internal/storage"
)

// Server is the ingestion HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Required: Ingester, Store, Logger. Everything else is nil-safe.
type ServerConfig struct {
	Ingester Ingester
	Store    storage.Client
	Logger   *slog.Logger

	Publisher   Publisher
	Querier     Querier
	StoragePing Pinger
	BrokerPing  Pinger
	Index       Checker
	Enrich      EnrichStats
	Keyring     *auth.Keyring
	JWTMgr      *auth.JWTManager
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Ingester:    cfg.Ingester,
		Publisher:   cfg.Publisher,
		Querier:     cfg.Querier,
		Store:       cfg.Store,
		StoragePing: cfg.StoragePing,
		BrokerPing:  cfg.BrokerPing,
		Index:       cfg.Index,
		Enrich:      cfg.Enrich,
		Keyring:     cfg.Keyring,
		JWTMgr:      cfg.JWTMgr,
		Logger:      cfg.Logger,
		Version:     cfg.Version,
	})

	reqIDFunc := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	ingestRL := ratelimit.Middleware(cfg.Limiter, clientKeyFunc(ratelimit.IPKeyFunc), reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Direct ingest: synchronous store.
	mux.Handle("POST /ingest/{kind}", ingestRL(http.HandlerFunc(h.HandleIngest)))

	// Queue ingest: validate and publish.
	mux.Handle("POST /api/v1/ingest/{kind}", ingestRL(http.HandlerFunc(h.HandlePublish)))

	mux.Handle("POST /api/v1/query", ingestRL(http.HandlerFunc(h.HandleQuery)))
	mux.HandleFunc("GET /api/v1/objects", h.HandleListObjects)
	mux.HandleFunc("GET /api/v1/objects/{key...}", h.HandleGetObject)

	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", ingestRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → body limit → handler.
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(authenticator{keyring: cfg.Keyring, jwtMgr: cfg.JWTMgr}, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
