// Package mcp exposes the data lake to AI agents over the Model Context
// Protocol.
//
// Agents store their output and whole GTM records through tools, ask
// natural-language questions of the lake, and read stored objects as
// resources. The tools reach the same pipeline, producer and query service
// as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// Ingester stores records synchronously. *ingest.Pipeline implements it.
type Ingester interface {
	IngestRaw(ctx context.Context, kind model.Kind, payload []byte) (model.Record, string, error)
}

// Publisher queues records on the broker. *ingest.Producer implements it.
type Publisher interface {
	PublishRaw(ctx context.Context, kind model.Kind, payload []byte) (model.Record, model.TopicType, error)
}

// Querier answers natural-language questions. *query.Service implements it.
type Querier interface {
	Query(ctx context.Context, req model.QueryRequest) (model.QueryResponse, error)
}

// Reader reads stored objects by key. storage.Client implements it.
type Reader interface {
	Read(ctx context.Context, key string) (json.RawMessage, error)
}

// Deps are the services the MCP tools call. Publisher and Querier may be
// nil; the tools that need them then report an error result.
type Deps struct {
	Ingester  Ingester
	Publisher Publisher
	Querier   Querier
	Store     Reader
}

// Server wraps the MCP server with the lake's services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ingester  Ingester
	publisher Publisher
	querier   Querier
	store     Reader
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools and resources.
func New(deps Deps, logger *slog.Logger, version string) *Server {
	s := &Server{
		ingester:  deps.Ingester,
		publisher: deps.Publisher,
		querier:   deps.Querier,
		store:     deps.Store,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"gtmlake",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	s.registerResources()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `gtmlake is a go-to-market data lake. Sales calls, email threads,
product usage sessions, calendar events and the output of GTM agents are
stored as partitioned JSON objects.

Use gtm_agent_data to save what you produced. Use gtm_ingest to store any
other record kind. Use gtm_query to ask questions about stored records and
read individual objects through the gtm://objects/{key} resource.`

func textResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result")
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
