package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/ryugou/analytics-chat-agent/internal/ai"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/runs"
	"github.com/ryugou/analytics-chat-agent/internal/storage"
	"github.com/sirupsen/logrus"
)

// Asker answers natural language questions
type Asker interface {
	Ask(ctx context.Context, question string) (*ai.AskResult, error)
}

// FieldResolver maps a query to fields
type FieldResolver interface {
	Resolve(ctx context.Context, query string, limit int) (models.FieldMappingResult, error)
}

// ImportStarter launches background imports
type ImportStarter interface {
	Start(ctx context.Context, mode models.ImportMode, date string) (*models.ImportRun, error)
}

// Registry lists the virtual key registry
type Registry interface {
	Registry(ctx context.Context) ([]models.FieldDefinition, error)
}

// Pinger is a dependency reported by the health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains all dependencies for API endpoint handlers
type Handlers struct {
	AI       Asker                             // Default analysis agent
	NewAgent func(model string) (Asker, error) // Builds an agent for a model override (optional)
	Resolver FieldResolver                     // Vector field resolver
	Importer ImportStarter                     // Event importer
	Runs     storage.RunStore                  // Import run history (optional)
	Schema   Registry                          // Virtual key registry
	Checks   map[string]Pinger                 // Dependencies pinged by /health
	DevMode  bool                              // Enable detailed error responses in development
	Logger   *logrus.Logger                    // Structured logger
}

// err returns a standardized JSON error response
// In dev mode, includes additional error details for debugging
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

// fail maps err to a status by its kind and logs server-side failures
func (h *Handlers) fail(c echo.Context, msg string, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.WithError(err).WithField("path", c.Path()).Error(msg)
	}
	resp := ErrorResponse{Error: msg, Code: code, Kind: string(apperr.KindOf(err))}
	if h.DevMode || code < http.StatusInternalServerError {
		resp.Details = map[string]any{"err": err.Error()}
	}
	return c.JSON(code, resp)
}

// withTimeout creates a context with timeout, defaulting to 10 seconds if duration <= 0
func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Health pings every configured dependency
// Returns 503 when any of them fails
func (h *Handlers) Health(c echo.Context) error {
	if len(h.Checks) == 0 {
		return c.JSON(http.StatusOK, HealthResponse{OK: true})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, Checks: make(map[string]string, len(h.Checks))}
	for name, p := range h.Checks {
		if err := p.Ping(ctx); err != nil {
			resp.OK = false
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	if !resp.OK {
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// AIAsk processes natural language questions about GA4 events
// Supports optional model override for one-off requests
func (h *Handlers) AIAsk(c echo.Context) error {
	if h.AI == nil {
		return h.err(c, http.StatusBadRequest, "ai is not configured", nil)
	}

	var req AIAskRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return h.err(c, http.StatusBadRequest, "question is required", map[string]any{"question": "required"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 45*time.Second)
	defer cancel()

	start := time.Now()

	agent := h.AI
	if m := strings.TrimSpace(req.Model); m != "" && h.NewAgent != nil {
		a, err := h.NewAgent(m)
		if err != nil {
			return h.fail(c, "failed to create ai agent", err)
		}
		agent = a
	}

	res, err := agent.Ask(ctx, req.Question)
	if err != nil {
		return h.fail(c, "ai ask failed", err)
	}

	return c.JSON(http.StatusOK, AIAskResponse{
		Intent: res.Intent,
		Fields: res.Fields,
		SQL:    res.SQL,
		Rows:   res.Rows,
		Answer: res.Answer,
		TookMs: time.Since(start).Milliseconds(),
	})
}

// ResolveFields returns the fields nearest to the query
func (h *Handlers) ResolveFields(c echo.Context) error {
	if h.Resolver == nil {
		return h.err(c, http.StatusBadRequest, "resolver is not configured", nil)
	}

	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	if strings.TrimSpace(req.Query) == "" {
		return h.err(c, http.StatusBadRequest, "query is required", map[string]any{"query": "required"})
	}
	if req.Limit < 0 || req.Limit > 50 {
		return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 0 max 50"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	res, err := h.Resolver.Resolve(ctx, req.Query, req.Limit)
	if err != nil {
		return h.fail(c, "failed to resolve fields", err)
	}
	return c.JSON(http.StatusOK, res)
}

// ImportsStart launches an import in the background
// Returns 202 with the run, or 409 while another import is running
func (h *Handlers) ImportsStart(c echo.Context) error {
	if h.Importer == nil {
		return h.err(c, http.StatusBadRequest, "importer is not configured", nil)
	}

	var req ImportRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	mode, err := models.ParseImportMode(req.Mode)
	if err != nil {
		return h.err(c, http.StatusBadRequest, "invalid mode", map[string]any{"mode": "full or date"})
	}

	run, err := h.Importer.Start(c.Request().Context(), mode, strings.TrimSpace(req.Date))
	if err != nil {
		return h.fail(c, "failed to start import", err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// ImportsList returns recent import runs, newest first
// Accepts limit query parameter (default: 20, range: 1-200)
func (h *Handlers) ImportsList(c echo.Context) error {
	if h.Runs == nil {
		return h.err(c, http.StatusBadRequest, "run history is not configured", nil)
	}

	limit := 20
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "must be an integer"})
		}
		limit = n
	}
	if limit < 1 || limit > 200 {
		return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 200"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Runs.List(ctx, limit)
	if err != nil {
		return h.fail(c, "failed to list imports", err)
	}
	return c.JSON(http.StatusOK, ItemsResponse[*models.ImportRun]{Items: items})
}

// ImportsGet returns one import run
func (h *Handlers) ImportsGet(c echo.Context) error {
	if h.Runs == nil {
		return h.err(c, http.StatusBadRequest, "run history is not configured", nil)
	}
	id := c.Param("id")
	if err := runs.ValidateID(id); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid id", map[string]any{"id": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	run, err := h.Runs.Get(ctx, id)
	if err != nil {
		return h.fail(c, "failed to get import", err)
	}
	return c.JSON(http.StatusOK, run)
}

// VirtualKeys lists the virtual key registry
func (h *Handlers) VirtualKeys(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	defs, err := h.Schema.Registry(ctx)
	if err != nil {
		return h.fail(c, "failed to list virtual keys", err)
	}
	if defs == nil {
		defs = []models.FieldDefinition{}
	}
	return c.JSON(http.StatusOK, ItemsResponse[models.FieldDefinition]{Items: defs})
}
