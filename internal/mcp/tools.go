package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/gtmlake/internal/ctxutil"
	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/query"
)

const (
	modeDirect = "direct"
	modeQueue  = "queue"

	defaultQueryLimit = 5
	maxQueryLimit     = 50
)

func kindNames() []string {
	kinds := model.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func agentTypeNames() []string {
	types := model.AgentTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("gtm_ingest",
			mcplib.WithDescription(`Store one GTM record in the data lake.

The record is validated before anything is written. A record that fails
validation is rejected with the reason and nothing is stored.

mode=direct (default) writes the record immediately and returns its object
key. mode=queue publishes it to the ingestion topic for its kind; a consumer
stores it shortly after.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("kind",
				mcplib.Description("Record kind."),
				mcplib.Enum(kindNames()...),
				mcplib.Required(),
			),
			mcplib.WithString("record_json",
				mcplib.Description("The record as a JSON object, using the field names of the record kind."),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("direct stores synchronously, queue publishes to the broker."),
				mcplib.Enum(modeDirect, modeQueue),
			),
		),
		s.handleIngest,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("gtm_agent_data",
			mcplib.WithDescription(`Save the output of a GTM agent.

Call this when you finish a lead qualification, account research, forecast
or any other GTM analysis, so later agents and queries can build on it.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Unique id for this output. Reusing an id on the same day overwrites the earlier output."),
				mcplib.Required(),
			),
			mcplib.WithString("agent_type",
				mcplib.Description("The kind of agent that produced the output."),
				mcplib.Enum(agentTypeNames()...),
				mcplib.Required(),
			),
			mcplib.WithString("data_json",
				mcplib.Description("The agent output as a JSON object."),
				mcplib.Required(),
			),
			mcplib.WithString("metadata_json",
				mcplib.Description("Optional JSON object with run metadata such as model or source records."),
			),
			mcplib.WithString("timestamp",
				mcplib.Description("RFC 3339 time the output was produced. Defaults to now."),
			),
		),
		s.handleAgentData,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("gtm_query",
			mcplib.WithDescription(`Ask a natural-language question about the records in the lake.

Returns the best matching records with their object keys and scores. Narrow
the search with kind when you know what you are looking for.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("question",
				mcplib.Description("The question, e.g. \"which accounts mentioned pricing concerns last week?\""),
				mcplib.Required(),
			),
			mcplib.WithString("kind",
				mcplib.Description("Only search records of this kind."),
				mcplib.Enum(kindNames()...),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of records to return."),
				mcplib.DefaultNumber(defaultQueryLimit),
				mcplib.Min(1),
				mcplib.Max(maxQueryLimit),
			),
		),
		s.handleQuery,
	)
}

type ingestResult struct {
	Status     string          `json:"status"`
	Kind       model.Kind      `json:"kind"`
	NaturalKey string          `json:"natural_key"`
	ObjectKey  string          `json:"object_key,omitempty"`
	Topic      model.TopicType `json:"topic,omitempty"`
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kindArg := request.GetString("kind", "")
	if kindArg == "" {
		return errorResult("kind is required"), nil
	}
	kind, err := model.ParseKind(kindArg)
	if err != nil {
		return errorResult(fmt.Sprintf("kind must be one of: %s", strings.Join(kindNames(), ", "))), nil
	}
	payload := request.GetString("record_json", "")
	if strings.TrimSpace(payload) == "" {
		return errorResult("record_json is required"), nil
	}
	return s.storePayload(ctx, kind, []byte(payload), request.GetString("mode", modeDirect)), nil
}

func (s *Server) handleAgentData(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	agentType := model.AgentType(request.GetString("agent_type", ""))
	if !agentType.Valid() {
		return errorResult(fmt.Sprintf("agent_type must be one of: %s", strings.Join(agentTypeNames(), ", "))), nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(request.GetString("data_json", "")), &data); err != nil || data == nil {
		return errorResult("data_json must be a JSON object"), nil
	}
	var metadata map[string]any
	if raw := request.GetString("metadata_json", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return errorResult("metadata_json must be a JSON object"), nil
		}
	}

	ts := model.Timestamp(request.GetString("timestamp", ""))
	if ts == "" {
		ts = model.NewTimestamp(time.Now())
	}

	payload, err := json.Marshal(model.AgentData{
		AgentID:   agentID,
		AgentType: agentType,
		Timestamp: ts,
		Data:      data,
		Metadata:  metadata,
	})
	if err != nil {
		return errorResult("failed to encode agent data"), nil
	}
	return s.storePayload(ctx, model.KindAgentData, payload, modeDirect), nil
}

// storePayload routes payload through the pipeline or the producer and turns the
// outcome into a tool result.
func (s *Server) storePayload(ctx context.Context, kind model.Kind, payload []byte, mode string) *mcplib.CallToolResult {
	switch mode {
	case modeDirect, "":
		rec, key, err := s.ingester.IngestRaw(ctx, kind, payload)
		if err != nil {
			return s.ingestError(ctx, kind, err)
		}
		s.logger.Debug("mcp: record stored", "kind", kind, "object_key", key, "client_id", ctxutil.ClientIDFromContext(ctx))
		return textResult(ingestResult{Status: "stored", Kind: kind, NaturalKey: rec.NaturalKey(), ObjectKey: key})
	case modeQueue:
		if s.publisher == nil {
			return errorResult("queue mode is unavailable: no broker is configured")
		}
		rec, topic, err := s.publisher.PublishRaw(ctx, kind, payload)
		if err != nil {
			return s.ingestError(ctx, kind, err)
		}
		return textResult(ingestResult{Status: "queued", Kind: kind, NaturalKey: rec.NaturalKey(), Topic: topic})
	default:
		return errorResult("mode must be direct or queue")
	}
}

func (s *Server) ingestError(ctx context.Context, kind model.Kind, err error) *mcplib.CallToolResult {
	if errors.Is(err, model.ErrInvalidRecord) || errors.Is(err, model.ErrUnknownAgentType) {
		return errorResult(fmt.Sprintf("invalid %s: %v", kind, err))
	}
	s.logger.Error("mcp: ingest failed", "kind", kind, "error", err,
		"client_id", ctxutil.ClientIDFromContext(ctx),
		"request_id", ctxutil.RequestIDFromContext(ctx))
	return errorResult(fmt.Sprintf("failed to store %s", kind))
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.querier == nil {
		return errorResult("querying is not configured"), nil
	}
	question := request.GetString("question", "")
	if strings.TrimSpace(question) == "" {
		return errorResult("question is required"), nil
	}

	req := model.QueryRequest{Question: question, Limit: request.GetInt("limit", defaultQueryLimit)}
	if req.Limit < 1 {
		req.Limit = defaultQueryLimit
	}
	if req.Limit > maxQueryLimit {
		req.Limit = maxQueryLimit
	}
	if k := request.GetString("kind", ""); k != "" {
		kind, err := model.ParseKind(k)
		if err != nil {
			return errorResult(fmt.Sprintf("kind must be one of: %s", strings.Join(kindNames(), ", "))), nil
		}
		req.Kind = &kind
	}

	resp, err := s.querier.Query(ctx, req)
	if err != nil {
		if errors.Is(err, query.ErrEmptyQuestion) || errors.Is(err, model.ErrUnknownKind) {
			return errorResult(err.Error()), nil
		}
		s.logger.Error("mcp: query failed", "error", err, "request_id", ctxutil.RequestIDFromContext(ctx))
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}
	return textResult(resp), nil
}
