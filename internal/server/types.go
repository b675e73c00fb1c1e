package server

import "github.com/ryugou/analytics-chat-agent/internal/models"

// ErrorResponse represents a standardized error response format
type ErrorResponse struct {
	Error   string `json:"error"`             // Human-readable error message
	Code    int    `json:"code"`              // HTTP status code
	Kind    string `json:"kind,omitempty"`    // Error kind when known
	Details any    `json:"details,omitempty"` // Additional error details (dev mode only)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	OK     bool              `json:"ok"`               // Service health status
	Checks map[string]string `json:"checks,omitempty"` // Per-dependency status
}

// AIAskRequest represents a natural language query request
type AIAskRequest struct {
	Question string `json:"question"` // Natural language question about GA4 events
	Model    string `json:"model"`    // Optional AI model override
}

// AIAskResponse represents the response from an AI query
type AIAskResponse struct {
	Intent models.Intent             `json:"intent"`
	Fields models.FieldMappingResult `json:"field_mapping"`
	SQL    string                    `json:"sql"`     // Generated SQL query
	Rows   []map[string]any          `json:"results"` // Query results
	Answer string                    `json:"answer"`  // Natural language answer
	TookMs int64                     `json:"took_ms"` // Execution time in milliseconds
}

// ResolveRequest asks for the fields matching a query
type ResolveRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"` // Optional, defaults to 5
}

// ImportRequest starts an event import
type ImportRequest struct {
	Mode string `json:"mode"` // "full" or "date"
	Date string `json:"date"` // YYYY-MM-DD, required for mode "date"
}

// ItemsResponse wraps list endpoints
type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}
