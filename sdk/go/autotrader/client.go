package autotrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AutoTrader Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	Type                      string         `json:"type"`
	AgentID                   string         `json:"agentId,omitempty"`
	Payload                   map[string]any `json:"payload,omitempty"`
	Priority                  string         `json:"priority,omitempty"`
	AllowFrontendIntervention bool           `json:"allowFrontendIntervention,omitempty"`
	InterventionTimeoutMs     int64          `json:"interventionTimeoutMs,omitempty"`
}

// Task is the server view of a queued, active or finished task.
type Task struct {
	ID                        string         `json:"id"`
	Type                      string         `json:"type"`
	AgentID                   string         `json:"agentId"`
	Priority                  string         `json:"priority"`
	Status                    string         `json:"status"`
	Payload                   map[string]any `json:"payload,omitempty"`
	Result                    any            `json:"result,omitempty"`
	Error                     string         `json:"error,omitempty"`
	CreatedAt                 time.Time      `json:"createdAt"`
	UpdatedAt                 time.Time      `json:"updatedAt"`
	StartedAt                 *time.Time     `json:"startedAt,omitempty"`
	CompletedAt               *time.Time     `json:"completedAt,omitempty"`
	AllowFrontendIntervention bool           `json:"allowFrontendIntervention"`
	InterventionTimeoutMs     int64          `json:"interventionTimeoutMs,omitempty"`
	InterventionDeadline      *time.Time     `json:"interventionDeadline,omitempty"`
	FrontendResponse          any            `json:"frontendResponse,omitempty"`
	Context                   map[string]any `json:"context,omitempty"`
}

// HistoryQuery filters the finished task history.
type HistoryQuery struct {
	Status  string
	Type    string
	AgentID string
	Limit   int
	Offset  int
	Since   time.Time
	Until   time.Time
}

// Message is a single conversation entry.
type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	Type            string         `json:"type"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
}

// Conversation groups messages exchanged with one or more agents.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	AgentIDs  []string       `json:"agentIds"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage is the payload for appending a message to a conversation.
type NewMessage struct {
	Type            string         `json:"type"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
}

// Cycle identifies an autonomous trading cycle accepted by the server.
type Cycle struct {
	ID             string `json:"cycleId"`
	TaskID         string `json:"taskId"`
	ConversationID string `json:"conversationId"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autotrader api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autotrader api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AutoTrader Chain API. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTask enqueues a task and returns its identifier.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, submission, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// GetTask fetches a task by identifier, including finished tasks.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil, &t)
	return t, err
}

// ListTasks returns queued and active tasks in scheduling order.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks", nil, nil, &tasks)
	return tasks, err
}

// History lists finished tasks, newest first.
func (c *Client) History(ctx context.Context, q HistoryQuery) ([]Task, error) {
	values := url.Values{}
	set := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	set("status", q.Status)
	set("type", q.Type)
	set("agentId", q.AgentID)
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if !q.Since.IsZero() {
		values.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		values.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	var tasks []Task
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks/history", values, nil, &tasks)
	return tasks, err
}

// CompleteTask marks an active task as completed with the given result.
func (c *Client) CompleteTask(ctx context.Context, taskID string, result any) (Task, error) {
	return c.transition(ctx, taskID, "complete", map[string]any{"result": result})
}

// FailTask marks an active task as failed.
func (c *Client) FailTask(ctx context.Context, taskID, reason string) (Task, error) {
	return c.transition(ctx, taskID, "fail", map[string]any{"error": reason})
}

// CancelTask cancels a queued or active task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	return c.transition(ctx, taskID, "cancel", struct{}{})
}

// Respond delivers an operator response to a task waiting for the frontend.
func (c *Client) Respond(ctx context.Context, taskID string, response any) (Task, error) {
	return c.transition(ctx, taskID, "response", map[string]any{"response": response})
}

func (c *Client) transition(ctx context.Context, taskID, action string, body any) (Task, error) {
	var t Task
	endpoint := "/api/v1/tasks/" + taskID + "/" + action
	err := c.send(ctx, http.MethodPost, endpoint, nil, body, &t)
	return t, err
}

// SetAgentContext stores a value in the agent context.
func (c *Client) SetAgentContext(ctx context.Context, agentID, key string, value any) error {
	endpoint := "/api/v1/agents/" + agentID + "/context/" + key
	return c.send(ctx, http.MethodPut, endpoint, nil, map[string]any{"value": value}, nil)
}

// AgentContext returns the whole context of an agent.
func (c *Client) AgentContext(ctx context.Context, agentID string) (map[string]any, error) {
	var values map[string]any
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+agentID+"/context", nil, nil, &values)
	return values, err
}

// CreateConversation opens a conversation and returns its identifier.
func (c *Client) CreateConversation(ctx context.Context, title string, agentIDs []string, metadata map[string]any) (string, error) {
	body := map[string]any{"title": title, "agentIds": agentIDs, "metadata": metadata}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/conversations", nil, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// GetConversation fetches a conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	err := c.send(ctx, http.MethodGet, "/api/v1/conversations/"+conversationID, nil, nil, &conv)
	return conv, err
}

// AddMessage appends a message and returns its identifier.
func (c *Client) AddMessage(ctx context.Context, conversationID string, msg NewMessage) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	endpoint := "/api/v1/conversations/" + conversationID + "/messages"
	if err := c.send(ctx, http.MethodPost, endpoint, nil, msg, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// RunCycle triggers one autonomous trading cycle.
func (c *Client) RunCycle(ctx context.Context) (Cycle, error) {
	var cycle Cycle
	err := c.send(ctx, http.MethodPost, "/api/v1/cycles", nil, struct{}{}, &cycle)
	return cycle, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
