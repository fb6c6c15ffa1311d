// Package cogniverve provides a small Go client for the CogniVerve REST API.
package cogniverve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// ownerHeader identifies the caller. Authentication proper is expected to
// happen at the gateway in front of the service.
const ownerHeader = "X-Owner-ID"

// Client wraps the HTTP interactions with the CogniVerve REST API.
type Client struct {
	baseURL    *url.URL
	ownerID    string
	httpClient *http.Client
}

// Agent mirrors the server side agent definition.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	OwnerID      string   `json:"owner_id,omitempty"`
	Public       bool     `json:"public,omitempty"`
	Active       bool     `json:"active,omitempty"`
	CreatedAt    int64    `json:"created_at,omitempty"`
	UpdatedAt    int64    `json:"updated_at,omitempty"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	AgentID     string         `json:"agent_id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the final output of a completed task.
type TaskResult struct {
	Output     string         `json:"output"`
	Iterations int            `json:"iterations"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Task mirrors the server side task record.
type Task struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Progress    float64        `json:"progress"`
	Iterations  int            `json:"iterations"`
	Result      *TaskResult    `json:"result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	StartedAt   int64          `json:"started_at,omitempty"`
	FinishedAt  int64          `json:"finished_at,omitempty"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Message is one entry of a task's conversation transcript.
type Message struct {
	TaskID    string         `json:"task_id"`
	Seq       int            `json:"seq"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolName  string         `json:"tool_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Stats aggregates task counts per status for one owner.
type Stats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Running         int64 `json:"running"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	Cancelled       int64 `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ToolDefinition describes one tool exposed by the server.
type ToolDefinition struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Schema      map[string]any `json:"schema"`
}

// UsageSnapshot summarizes the owner's consumption for the current period.
type UsageSnapshot struct {
	OwnerID string           `json:"owner_id"`
	Period  string           `json:"period"`
	Plan    string           `json:"plan"`
	Used    map[string]int64 `json:"used"`
	Limits  map[string]int64 `json:"limits"`
}

// ListTasksOptions filters a task listing.
type ListTasksOptions struct {
	Statuses []string
	AgentID  string
	Limit    int
	Offset   int
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("cogniverve api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cogniverve api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the CogniVerve API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL, ownerID string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.New("cogniverve: owner id is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, ownerID: ownerID, httpClient: httpClient}, nil
}

// SubmitTask creates a new task for the configured owner.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (*Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var detail Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListTasks returns the owner's tasks matching the given filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	query := url.Values{}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.AgentID != "" {
		query.Set("agent_id", opts.AgentID)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	endpoint := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CancelTask requests cancellation and returns the resulting task state.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	var after Task
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &after); err != nil {
		return nil, err
	}
	return &after, nil
}

// Messages returns the conversation transcript of a task in sequence order.
func (c *Client) Messages(ctx context.Context, taskID string) ([]Message, error) {
	var messages []Message
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/messages", &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Stats returns per-status task counts for the configured owner.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/tasks/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// WaitForTask polls until the task reaches a terminal status or the context
// expires.
func (c *Client) WaitForTask(ctx context.Context, taskID string, poll time.Duration) (*Task, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		detail, err := c.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if detail.Terminal() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateAgent registers a new agent owned by the configured owner.
func (c *Client) CreateAgent(ctx context.Context, ag Agent) (*Agent, error) {
	var created Agent
	if err := c.post(ctx, "/api/v1/agents", ag, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListAgents returns all agents visible to the configured owner.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, "/api/v1/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetAgent fetches one agent by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var ag Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &ag); err != nil {
		return nil, err
	}
	return &ag, nil
}

// DeactivateAgent retires an agent. Running tasks are not affected.
func (c *Client) DeactivateAgent(ctx context.Context, agentID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Tools lists the tool definitions exposed by the server.
func (c *Client) Tools(ctx context.Context) ([]ToolDefinition, error) {
	var definitions []ToolDefinition
	if err := c.get(ctx, "/api/v1/tools", &definitions); err != nil {
		return nil, err
	}
	return definitions, nil
}

// Usage returns the owner's quota snapshot for the current period.
func (c *Client) Usage(ctx context.Context) (*UsageSnapshot, error) {
	var snapshot UsageSnapshot
	if err := c.get(ctx, "/api/v1/usage", &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	target := endpoint
	rawQuery := ""
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		target = endpoint[:idx]
		rawQuery = endpoint[idx+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, target), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(ownerHeader, c.ownerID)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
