package model

import (
	"encoding/json"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodePublishFailed  = "PUBLISH_FAILED"
	ErrCodeNotImplemented = "NOT_IMPLEMENTED"
)

// IngestResponse is returned by the direct-ingest endpoints.
type IngestResponse struct {
	Status     string `json:"status"`
	Kind       Kind   `json:"kind"`
	NaturalKey string `json:"natural_key"`
	ObjectKey  string `json:"object_key"`
}

// PublishResponse is returned by the queue-publish endpoints.
type PublishResponse struct {
	Status     string    `json:"status"`
	Topic      TopicType `json:"topic"`
	NaturalKey string    `json:"natural_key"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Question string `json:"question"`
	Kind     *Kind  `json:"kind,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// QueryHit is one record matched by a natural-language query.
type QueryHit struct {
	Kind       Kind            `json:"kind"`
	NaturalKey string          `json:"natural_key"`
	ObjectKey  string          `json:"object_key"`
	Score      float32         `json:"score"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// QueryResponse is the response for POST /api/v1/query.
type QueryResponse struct {
	Question string     `json:"question"`
	Hits     []QueryHit `json:"hits"`
}

// ObjectList is the response for GET /api/v1/objects.
type ObjectList struct {
	Prefix  string   `json:"prefix"`
	Keys    []string `json:"keys"`
	HasMore bool     `json:"has_more"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Pipeline      string `json:"pipeline"`
	Storage       string `json:"storage"`
	Broker        string `json:"broker,omitempty"`
	Qdrant        string `json:"qdrant,omitempty"`
	EnrichDepth   int    `json:"enrich_queue_depth"`
	EnrichDropped int64  `json:"enrich_dropped"`
	Uptime        int64  `json:"uptime_seconds"`
}
