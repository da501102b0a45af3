package taskdeck

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the GraphQL endpoint.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

var (
	// ErrNotConnected is returned when a push-channel operation needs a live connection.
	ErrNotConnected = errors.New("realtime channel not connected")
	// ErrReconnectExhausted is the terminal state after the reconnect ceiling is hit.
	ErrReconnectExhausted = errors.New("realtime reconnect attempts exhausted")
	// ErrChannelClosed is returned by a channel that has been torn down.
	ErrChannelClosed = errors.New("realtime channel closed")
	// ErrNoIdentity is returned by operations that require an authenticated identity.
	ErrNoIdentity = errors.New("no authenticated identity")
)

// UserMessage maps any SDK error to a short message suitable for end users.
// Technical detail is expected to be logged, not displayed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Code == "UNAUTHENTICATED" || apiErr.Code == "FORBIDDEN" {
			return "You are not allowed to do that. Please sign in again."
		}
		return "The server could not complete the request."
	case errors.Is(err, context.DeadlineExceeded):
		return "The server took too long to respond. Please try again."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, ErrNoIdentity):
		return "Please sign in first."
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrReconnectExhausted):
		return "Live updates are unavailable right now."
	}
	return "Could not reach the server. Please try again."
}

// ============================================================================
// GraphQL Wire Types
// ============================================================================

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

func (r *graphQLResponse) err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	code, _ := first.Extensions["code"].(string)
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return &APIError{Code: code, Message: strings.Join(msgs, "; ")}
}

// ============================================================================
// Domain Types
// ============================================================================

// User is a member of the workspace (admin or student).
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Project groups tasks.
type Project struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Tasks       []Task    `json:"tasks,omitempty"`
}

// Task is a unit of work inside a project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	AssigneeIDs []string   `json:"assigneeIds,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// MessagePayload is the wire shape of a chat message, shared by the GraphQL
// endpoint and the push channel.
type MessagePayload struct {
	ID         string    `json:"id,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// CreateProjectOptions describes a new project.
type CreateProjectOptions struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// UpdateProjectOptions carries the mutable project fields; empty fields are left unchanged.
type UpdateProjectOptions struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// CreateTaskOptions describes a new task.
type CreateTaskOptions struct {
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	AssigneeIDs []string   `json:"assigneeIds,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// UpdateTaskOptions carries the mutable task fields; empty fields are left unchanged.
type UpdateTaskOptions struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	AssigneeIDs []string   `json:"assigneeIds,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// toVariables flattens an options struct into GraphQL variables.
func toVariables(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
