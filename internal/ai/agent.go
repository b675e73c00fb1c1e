package ai

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/metrics"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LLMConfig holds the OpenAI-compatible endpoint settings.
type LLMConfig struct {
	APIKey string
	// BaseURL defaults to OpenRouter.
	BaseURL string
	// Model name as understood by the endpoint, e.g. "openai/gpt-4.1-mini".
	Model string
}

// NewLLM creates the chat model used by the agent.
func NewLLM(cfg LLMConfig) (llms.Model, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Configuration("create LLM", "OPENROUTER_API_KEY is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "openai/gpt-4.1-mini"
	}

	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return llm, nil
}

// FieldResolver finds the fields relevant to question fragments.
type FieldResolver interface {
	ResolveAll(ctx context.Context, queries []string, limit int) (models.FieldMappingResult, error)
}

// Catalog lists the live columns of the events table.
type Catalog interface {
	Columns(ctx context.Context) ([]string, error)
}

// Querier runs read-only SQL. *sql.DB and *sqlx.DB satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// AgentConfig wires the agent.
type AgentConfig struct {
	Resolver FieldResolver
	Catalog  Catalog
	DB       Querier
	// Dialect is named in the SQL prompt, e.g. "PostgreSQL".
	Dialect string
	// FieldLimit caps the fields resolved per fragment.
	FieldLimit int
	// MaxRows caps the rows read back from the generated query.
	MaxRows int

	Logger *logrus.Logger
}

// Agent answers analytics questions over the events table.
type Agent struct {
	llm        llms.Model
	resolver   FieldResolver
	catalog    Catalog
	db         Querier
	dialect    string
	fieldLimit int
	maxRows    int
	logger     *logrus.Logger
}

// NewAgent creates an Agent around llm.
func NewAgent(llm llms.Model, cfg AgentConfig) (*Agent, error) {
	if llm == nil || cfg.Resolver == nil || cfg.Catalog == nil || cfg.DB == nil {
		return nil, apperr.Configuration("create agent", "llm, resolver, catalog and db are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "PostgreSQL"
	}
	if cfg.FieldLimit <= 0 {
		cfg.FieldLimit = 5
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 200
	}
	return &Agent{
		llm:        llm,
		resolver:   cfg.Resolver,
		catalog:    cfg.Catalog,
		db:         cfg.DB,
		dialect:    cfg.Dialect,
		fieldLimit: cfg.FieldLimit,
		maxRows:    cfg.MaxRows,
		logger:     cfg.Logger,
	}, nil
}

// AskResult is the structured result of an Ask call.
type AskResult struct {
	Question string                    `json:"question"`
	Intent   models.Intent             `json:"intent"`
	Fields   models.FieldMappingResult `json:"field_mapping"`
	SQL      string                    `json:"sql"`
	Rows     []map[string]any          `json:"results"`
	Answer   string                    `json:"answer"`
}

// Ask extracts the intent of question, resolves the fields it mentions,
// generates and runs a SELECT over the events table and summarises the
// result.
func (a *Agent) Ask(ctx context.Context, question string) (*AskResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.Validation("ask", "question is empty")
	}
	start := time.Now()

	intent, err := a.extractIntent(ctx, question)
	if err != nil {
		return nil, err
	}

	fields, err := a.resolver.ResolveAll(ctx, fragments(question, intent), a.fieldLimit)
	if err != nil {
		return nil, fmt.Errorf("resolve fields: %w", err)
	}

	sqlQuery, err := a.generateSQL(ctx, question, intent, fields)
	if err != nil {
		return nil, err
	}

	rows, err := a.runQuery(ctx, sqlQuery)
	if err != nil {
		return nil, err
	}

	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rows to JSON: %w", err)
	}
	answer, err := a.summariseResult(ctx, question, sqlQuery, string(rowsJSON))
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"intent":  intent.Key,
		"fields":  fields.Names(),
		"rows":    len(rows),
		"elapsed": time.Since(start).String(),
	}).Info("answered question")

	return &AskResult{
		Question: question,
		Intent:   intent,
		Fields:   fields,
		SQL:      sqlQuery,
		Rows:     rows,
		Answer:   answer,
	}, nil
}

// Pretty validates sqlQuery, runs it and renders the result as a text table.
func (a *Agent) Pretty(ctx context.Context, sqlQuery string) (string, error) {
	sqlQuery = sanitizeSQL(sqlQuery)
	if err := validateSQL(sqlQuery); err != nil {
		return "", err
	}

	rows, err := a.db.QueryContext(ctx, sqlQuery)
	if err != nil {
		return "", fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("failed to get columns: %w", err)
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader(cols)
	table.SetAutoFormatHeaders(false)

	n := 0
	for rows.Next() && n < a.maxRows {
		values, err := scanRow(rows, len(cols))
		if err != nil {
			return "", err
		}
		cells := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		table.Append(cells)
		n++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("row iteration error: %w", err)
	}

	table.Render()
	fmt.Fprintf(&buf, "(%d rows)\n", n)
	return buf.String(), nil
}

var intentKeys = map[string]bool{
	"user_count":      true,
	"sales_trend":     true,
	"conversion_rate": true,
	"retention":       true,
	"custom":          true,
}

// extractIntent asks the LLM for a JSON reading of the question.
func (a *Agent) extractIntent(ctx context.Context, question string) (models.Intent, error) {
	prompt := fmt.Sprintf(`
Extract the analysis intent of the question below.

Question:
%s

Return ONLY a JSON object of this shape, with no explanation and no code fences:
{
  "key": "user_count | sales_trend | conversion_rate | retention | custom",
  "description": "one sentence describing the analysis",
  "parameters": {
    "target": "what is being measured, in a few words",
    "conditions": ["each filter or breakdown, in a few words"],
    "time_range": "e.g. 7d, 30d, 1y, or empty"
  }
}
`, question)

	resp, err := a.generate(ctx, "intent", prompt, 256)
	if err != nil {
		return models.Intent{}, fmt.Errorf("LLM intent extraction failed: %w", err)
	}

	intent, err := parseIntent(resp)
	if err != nil {
		a.logger.WithField("response", resp).Debug("unparseable intent")
		return models.Intent{}, err
	}
	a.logger.WithFields(logrus.Fields{
		"key":    intent.Key,
		"target": intent.Parameters.Target,
	}).Debug("extracted intent")
	return intent, nil
}

func parseIntent(resp string) (models.Intent, error) {
	body := stripFences(resp)
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var intent models.Intent
	if err := json.Unmarshal([]byte(body), &intent); err != nil {
		return models.Intent{}, apperr.Wrap(apperr.KindValidation, "parse intent", err)
	}
	if intent.Key == "" {
		return models.Intent{}, apperr.Validation("parse intent", "intent has no key")
	}
	if !intentKeys[intent.Key] {
		intent.Key = "custom"
	}
	return intent, nil
}

// fragments are the phrases handed to the field resolver.
func fragments(question string, intent models.Intent) []string {
	var out []string
	if t := strings.TrimSpace(intent.Parameters.Target); t != "" {
		out = append(out, t)
	}
	for _, c := range intent.Parameters.Conditions {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		out = append(out, question)
	}
	return out
}

// generateSQL asks the LLM to produce a safe SELECT query over events.
func (a *Agent) generateSQL(ctx context.Context, question string, intent models.Intent, fields models.FieldMappingResult) (string, error) {
	columns, err := a.catalog.Columns(ctx)
	if err != nil {
		return "", fmt.Errorf("list columns: %w", err)
	}

	prompt := fmt.Sprintf(`
You are an expert %s SQL generator.

Use ONLY the following table:
%s

Rules:
- Return a single SELECT query.
- Do NOT include any explanation or comments, only the SQL.
- The table is events.
- Use event_timestamp for time filtering.
- Quote bq_column_ names with double quotes.
- Use aggregate functions like sum, avg, count when appropriate.
- If user asks for "top" or "biggest" something, use ORDER BY ... DESC and LIMIT.
- Never modify data: no INSERT, UPDATE, DELETE, DROP, ALTER, CREATE, TRUNCATE.

Analysis: %s (%s)
Time range: %s

User question:
%s
`, a.dialect, describeTable(a.dialect, columns, fields), intent.Key, intent.Description,
		orNone(intent.Parameters.TimeRange), question)

	resp, err := a.generate(ctx, "sql", prompt, 512)
	if err != nil {
		return "", fmt.Errorf("LLM SQL generation failed: %w", err)
	}

	sqlQuery := sanitizeSQL(resp)
	if err := validateSQL(sqlQuery); err != nil {
		return "", err
	}

	a.logger.WithField("sql", sqlQuery).Debug("generated SQL from question")
	return sqlQuery, nil
}

// runQuery executes the generated SQL and returns at most maxRows rows.
func (a *Agent) runQuery(ctx context.Context, sqlQuery string) ([]map[string]any, error) {
	rows, err := a.db.QueryContext(ctx, sqlQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		if len(out) == a.maxRows {
			a.logger.WithField("max_rows", a.maxRows).Warn("query result truncated")
			break
		}
		values, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		rowMap := make(map[string]any, len(cols))
		for i, col := range cols {
			rowMap[col] = values[i]
		}
		out = append(out, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	values := make([]any, n)
	dest := make([]any, n)
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	for i, v := range values {
		// text columns come back as []byte from some drivers
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

// summariseResult asks the LLM to answer the question given SQL + JSON results.
func (a *Agent) summariseResult(ctx context.Context, question, sqlQuery, rowsJSON string) (string, error) {
	prompt := fmt.Sprintf(`
You are a helpful assistant analysing Google Analytics 4 event data.

User question:
%s

SQL that was executed:
%s

Query results in JSON (array of objects, can be empty):
%s

Instructions:
- If the result set is empty, say that no data was found for the question.
- Otherwise, answer the question concisely using bullet points and short sentences.
- Include key numbers (counts, totals, rates) rounded reasonably.
- Do not restate the raw JSON.
`, question, sqlQuery, rowsJSON)

	resp, err := a.generate(ctx, "summary", prompt, 512)
	if err != nil {
		return "", fmt.Errorf("LLM summarisation failed: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

func (a *Agent) generate(ctx context.Context, purpose, prompt string, maxTokens int) (string, error) {
	resp, err := llms.GenerateFromSinglePrompt(ctx, a.llm, prompt, llms.WithMaxTokens(maxTokens))
	status := "ok"
	if err != nil {
		status = "error"
		err = apperr.Wrap(apperr.KindTransientService, "call LLM", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(purpose, status).Inc()
	return resp, err
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "not specified"
	}
	return s
}

// stripFences removes a surrounding ``` block, with or without a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], " {") {
		s = s[nl+1:]
	}
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// sanitizeSQL strips code fences and trailing semicolons from the LLM output.
func sanitizeSQL(s string) string {
	s = strings.TrimSpace(s)

	// Remove ``` blocks if present.
	if strings.HasPrefix(s, "```") {
		// Trim the prefix "```" or "```sql"
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSpace(s)
		if strings.HasPrefix(strings.ToLower(s), "sql") {
			s = s[3:]
		}
	}
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

var (
	disallowedRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|TRUNCATE|CREATE|RENAME|ATTACH|DETACH|GRANT|REVOKE|COPY|VACUUM|PRAGMA|REPLACE\s+INTO)\b`)
	eventsRe     = regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+"?events"?(\s|$|\)|,)`)
)

// validateSQL enforces a conservative safety policy for generated SQL.
func validateSQL(s string) error {
	if s == "" {
		return apperr.Validation("validate SQL", "empty SQL generated by LLM")
	}

	upper := strings.ToUpper(strings.TrimSpace(s))

	if !strings.HasPrefix(upper, "SELECT") {
		return apperr.Validation("validate SQL", "only SELECT queries are allowed, got: %s", upper[:min(20, len(upper))])
	}

	if kw := disallowedRe.FindString(s); kw != "" {
		return apperr.Validation("validate SQL", "disallowed SQL keyword %q in generated query", strings.ToUpper(kw))
	}

	if strings.Contains(s, ";") {
		return apperr.Validation("validate SQL", "multiple statements or semicolons are not allowed")
	}

	if !eventsRe.MatchString(s) {
		return apperr.Validation("validate SQL", "query must target the events table")
	}

	return nil
}
