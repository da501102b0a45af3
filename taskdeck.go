// Package taskdeck provides the Go client SDK for the Taskdeck API.
//
// It keeps a consistent local view of projects, tasks and chat on top of
// three independently failing sources: the GraphQL endpoint (behind a TTL
// result cache), the realtime push channel, and local optimistic sends.
//
// Example:
//
//	client := taskdeck.NewClient(token, taskdeck.WithBaseURL("https://api.taskdeck.dev"))
//	if err := client.Open(ctx); err != nil { ... }
//	defer client.Close(ctx)
//
//	projects, _ := client.Projects.List(ctx)
//
//	id, _ := taskdeck.IdentityFromToken(token)
//	client.SetIdentity(ctx, id)
//	client.Chat().OpenConversation(ctx, "user-42")
//	client.Chat().Send(ctx, "user-42", "hi")
package taskdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:4000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Operation descriptors
// ============================================================================

const (
	projectFields = `id title description status createdAt`
	taskFields    = `id projectId title description status assigneeIds dueDate`
	messageFields = `id senderId receiverId text timestamp`

	queryGetProjects = `query GetProjects { projects { ` + projectFields + ` } }`
	queryGetProject  = `query GetProject($id: ID!) { project(id: $id) { ` + projectFields + ` tasks { ` + taskFields + ` } } }`
	queryGetTasks    = `query GetTasks($projectId: ID) { tasks(projectId: $projectId) { ` + taskFields + ` } }`
	queryGetMessages = `query GetMessages($userId: ID!, $peerId: ID!) { messages(userId: $userId, peerId: $peerId) { ` + messageFields + ` } }`

	mutationCreateProject = `mutation CreateProject($input: ProjectInput!) { createProject(input: $input) { ` + projectFields + ` } }`
	mutationUpdateProject = `mutation UpdateProject($id: ID!, $input: ProjectUpdateInput!) { updateProject(id: $id, input: $input) { ` + projectFields + ` } }`
	mutationDeleteProject = `mutation DeleteProject($id: ID!) { deleteProject(id: $id) }`
	mutationCreateTask    = `mutation CreateTask($input: TaskInput!) { createTask(input: $input) { ` + taskFields + ` } }`
	mutationUpdateTask    = `mutation UpdateTask($id: ID!, $input: TaskUpdateInput!) { updateTask(id: $id, input: $input) { ` + taskFields + ` } }`
	mutationDeleteTask    = `mutation DeleteTask($id: ID!) { deleteTask(id: $id) }`

	mutationSendMessage      = `mutation SendMessage($receiverId: ID!, $text: String!, $timestamp: String) { sendMessage(receiverId: $receiverId, text: $text, timestamp: $timestamp) { ` + messageFields + ` } }`
	mutationMarkMessagesRead = `mutation MarkMessagesRead($readerId: ID!, $senderId: ID!) { markMessagesRead(readerId: $readerId, senderId: $senderId) }`
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the Taskdeck API. It owns the result cache, the realtime
// connection manager and the chat reconciler.
type Client struct {
	token       string
	baseURL     string
	realtimeURL string
	httpClient  *http.Client
	log         *slog.Logger
	slots       SlotStore
	metrics     *Metrics
	cacheTTL    time.Duration
	rtConfig    RealtimeConfig

	cache    *ResultCache
	realtime *Realtime
	chat     *Reconciler

	Projects *ProjectsClient
	Tasks    *TasksClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithRealtimeURL sets the push channel endpoint; it defaults to the base URL.
func WithRealtimeURL(url string) ClientOption {
	return func(c *Client) { c.realtimeURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithSlotStore sets the durable mirror for the cache and chat timelines.
func WithSlotStore(slots SlotStore) ClientOption {
	return func(c *Client) { c.slots = slots }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.cacheTTL = ttl }
}

// WithRealtime overrides the push channel settings (transports, reconnect
// ceiling and delay). Endpoint, token, logger and metrics are filled in from
// the client when left empty.
func WithRealtime(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.rtConfig = cfg }
}

// NewClient creates a new Taskdeck client. token may be empty for
// unauthenticated reads.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		cacheTTL: DefaultCacheTTL,
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rt := c.rtConfig
	if rt.Endpoint == "" {
		rt.Endpoint = c.realtimeURL
		if rt.Endpoint == "" {
			rt.Endpoint = c.baseURL
		}
	}
	if rt.Token == "" {
		rt.Token = token
	}
	if rt.HTTPClient == nil {
		// streams must not inherit the request timeout
		rt.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	}
	if rt.Logger == nil {
		rt.Logger = c.log
	}
	if rt.Metrics == nil {
		rt.Metrics = c.metrics
	}

	c.cache = NewResultCache(c, c.slots, &CacheConfig{
		DefaultTTL: c.cacheTTL,
		Logger:     c.log,
		Metrics:    c.metrics,
	})
	c.realtime = NewRealtime(&rt)
	c.chat = NewReconciler(Identity{}, c.cache, c.slots, &ReconcilerConfig{
		Logger:  c.log,
		Metrics: c.metrics,
	})
	c.realtime.OnChannel(c.chat.Bind)

	c.Projects = &ProjectsClient{c: c}
	c.Tasks = &TasksClient{c: c}
	return c
}

// SetToken sets or updates the bearer token for requests and new channels.
func (c *Client) SetToken(token string) {
	c.token = token
	c.realtime.SetToken(token)
}

// Cache returns the result cache manager.
func (c *Client) Cache() *ResultCache {
	return c.cache
}

// Realtime returns the push connection manager.
func (c *Client) Realtime() *Realtime {
	return c.realtime
}

// Chat returns the message reconciler.
func (c *Client) Chat() *Reconciler {
	return c.chat
}

// Open restores the durable mirrors.
func (c *Client) Open(ctx context.Context) error {
	if err := c.cache.Open(ctx); err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	if err := c.chat.Open(ctx); err != nil {
		return fmt.Errorf("failed to open chat: %w", err)
	}
	return nil
}

// Close tears down the push channel and flushes the mirrors.
func (c *Client) Close(ctx context.Context) error {
	c.realtime.Close()
	return errors.Join(c.chat.Close(ctx), c.cache.Close(ctx))
}

// SetIdentity switches the acting user. nil signs out: the push channel is
// torn down. A new identity gets a fresh channel bound to the chat reconciler.
func (c *Client) SetIdentity(ctx context.Context, id *Identity) *Channel {
	c.chat.SetIdentity(id)
	return c.realtime.SetIdentity(ctx, id)
}

// ============================================================================
// Fetch executor
// ============================================================================

// Execute posts a GraphQL operation and returns its data field. It
// implements Executor for the result cache.
func (c *Client) Execute(ctx context.Context, descriptor string, variables map[string]any, includeCredentials bool) (json.RawMessage, error) {
	b, err := json.Marshal(graphQLRequest{Query: descriptor, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if includeCredentials && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var gr graphQLResponse
	if jsonErr := json.Unmarshal(body, &gr); jsonErr != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", jsonErr)
	}
	if err := gr.err(); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return gr.Data, nil
}

// decodeField unmarshals one top-level field of a GraphQL data object.
func decodeField[T any](data json.RawMessage, field string) (T, error) {
	var zero T
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return zero, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	raw, ok := fields[field]
	if !ok || string(raw) == "null" {
		return zero, &APIError{Code: "NOT_FOUND", Message: field + " not found"}
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s: %w", field, err)
	}
	return v, nil
}

// ============================================================================
// Projects
// ============================================================================

type ProjectsClient struct{ c *Client }

// List returns all visible projects, served from the cache when fresh.
func (p *ProjectsClient) List(ctx context.Context) ([]Project, error) {
	data, err := p.c.cache.Execute(ctx, queryGetProjects, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeField[[]Project](data, "projects")
}

func (p *ProjectsClient) Get(ctx context.Context, id string) (*Project, error) {
	data, err := p.c.cache.Execute(ctx, queryGetProject, map[string]any{"id": id}, nil)
	if err != nil {
		return nil, err
	}
	return decodeField[*Project](data, "project")
}

func (p *ProjectsClient) Create(ctx context.Context, opts *CreateProjectOptions) (*Project, error) {
	input, err := toVariables(opts)
	if err != nil {
		return nil, err
	}
	data, err := p.c.cache.Execute(ctx, mutationCreateProject, map[string]any{"input": input}, nil)
	if err != nil {
		return nil, err
	}
	return decodeField[*Project](data, "createProject")
}

func (p *ProjectsClient) Update(ctx context.Context, id string, opts *UpdateProjectOptions) (*Project, error) {
	input, err := toVariables(opts)
	if err != nil {
		return nil, err
	}
	data, err := p.c.cache.Execute(ctx, mutationUpdateProject, map[string]any{"id": id, "input": input}, nil)
	if err != nil {
		return nil, err
	}
	return decodeField[*Project](data, "updateProject")
}

func (p *ProjectsClient) Delete(ctx context.Context, id string) error {
	_, err := p.c.cache.Execute(ctx, mutationDeleteProject, map[string]any{"id": id}, nil)
	return err
}

// ============================================================================
// Tasks
// ============================================================================

type TasksClient struct{ c *Client }

// List returns the tasks of projectID, or every task when projectID is empty.
func (t *TasksClient) List(ctx context.Context, projectID string) ([]Task, error) {
	var vars map[string]any
	if projectID != "" {
		vars = map[string]any{"projectId": projectID}
	}
	data, err := t.c.cache.Execute(ctx, queryGetTasks, vars, nil)
	if err != nil {
		return nil, err
	}
	return decodeField[[]Task](data, "tasks")
}

func (t *TasksClient) Create(ctx context.Context, opts *CreateTaskOptions) (*Task, error) {
	input, err := toVariables(opts)
	if err != nil {
		return nil, err
	}
	data, err := t.c.cache.Execute(ctx, mutationCreateTask, map[string]any{"input": input}, nil)
	if err != nil {
		return nil, err
	}
	return decodeField[*Task](data, "createTask")
}

func (t *TasksClient) Update(ctx context.Context, id string, opts *UpdateTaskOptions) (*Task, error) {
	input, err := toVariables(opts)
	if err != nil {
		return nil, err
	}
	data, err := t.c.cache.Execute(ctx, mutationUpdateTask, map[string]any{"id": id, "input": input}, nil)
	if err != nil {
		return nil, err
	}
	return decodeField[*Task](data, "updateTask")
}

func (t *TasksClient) Delete(ctx context.Context, id string) error {
	_, err := t.c.cache.Execute(ctx, mutationDeleteTask, map[string]any{"id": id}, nil)
	return err
}
