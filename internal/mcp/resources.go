package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/gtmlake/internal/model"
)

const (
	objectURIPrefix = "gtm://objects/"
	schemaURI       = "gtm://schema"
)

func (s *Server) registerResources() {
	// gtm://schema: record kinds, topics and agent types accepted by the lake.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			schemaURI,
			"Record Schema",
			mcplib.WithResourceDescription("Record kinds, their topics and the recognized agent types"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSchema,
	)

	// gtm://objects/{key}: one stored object by its full key.
	if s.store != nil {
		s.mcpServer.AddResourceTemplate(
			mcplib.NewResourceTemplate(
				objectURIPrefix+"{key}",
				"Stored Object",
				mcplib.WithTemplateDescription("A stored record by object key, e.g. gtm://objects/bronze/conversations/year=2024/month=03/day=05/call_c1.json"),
				mcplib.WithTemplateMIMEType("application/json"),
			),
			s.handleObject,
		)
	}
}

type kindSchema struct {
	Kind     model.Kind      `json:"kind"`
	Topic    model.TopicType `json:"topic"`
	DataType string          `json:"data_type"`
}

func (s *Server) handleSchema(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	kinds := make([]kindSchema, 0, len(model.Kinds()))
	for _, k := range model.Kinds() {
		kinds = append(kinds, kindSchema{Kind: k, Topic: k.TopicType(), DataType: k.DataType()})
	}
	data, err := json.MarshalIndent(map[string]any{
		"kinds":       kinds,
		"agent_types": model.AgentTypes(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal schema: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      schemaURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleObject(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	key, ok := strings.CutPrefix(uri, objectURIPrefix)
	if !ok || key == "" || strings.Contains(key, "..") {
		return nil, fmt.Errorf("mcp: invalid object URI: %s", uri)
	}

	body, err := s.store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("mcp: read object %s: %w", key, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(body),
		},
	}, nil
}
