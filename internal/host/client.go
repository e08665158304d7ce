// Package host defines the contract with the coding-assistant host. The
// plugin never talks to the host process directly; the embedding code
// supplies an implementation of Client backed by the host's RPC surface.
package host

import (
	"context"
	"time"
)

// Session status values carried by status events. Any other value is
// ignored by the manager.
const (
	StatusIdle = "idle"
	StatusBusy = "busy"
)

// Message part types the manager extracts text from.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
)

// Role values on message info.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session identifies a host session.
type Session struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentID,omitempty"`
	Title     string    `json:"title,omitempty"`
	Directory string    `json:"directory,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// CreateSessionRequest creates a child session under a parent.
type CreateSessionRequest struct {
	ParentID  string `json:"parentID"`
	Title     string `json:"title"`
	Directory string `json:"directory,omitempty"`
}

// Part is one piece of prompt or message content.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptBody is the payload sent into a session.
type PromptBody struct {
	Agent   string          `json:"agent"`
	Tools   map[string]bool `json:"tools,omitempty"`
	Parts   []Part          `json:"parts"`
	System  []string        `json:"system,omitempty"`
	Variant string          `json:"variant,omitempty"`
	Model   string          `json:"model,omitempty"`
}

// PromptRequest sends a prompt into a session.
type PromptRequest struct {
	SessionID string     `json:"sessionId"`
	Body      PromptBody `json:"body"`
	Directory string     `json:"directory,omitempty"`
}

// MessageInfo describes the author of a message.
type MessageInfo struct {
	Role       string `json:"role"`
	Model      string `json:"model,omitempty"`
	ModelID    string `json:"modelID,omitempty"`
	ProviderID string `json:"providerID,omitempty"`
}

// Message is one entry in a session's history.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// StatusEvent is a session status transition emitted by the host.
type StatusEvent struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
}

// Client is the host session RPC surface consumed by the manager. All calls
// are suspension points: manager state may advance while a call is in flight
// and callers re-check task state on return.
type Client interface {
	// CreateSession creates a child session and returns it.
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)

	// GetSession fetches a session; an error means the session is gone.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// Prompt sends a prompt into a session.
	Prompt(ctx context.Context, req PromptRequest) error

	// Messages returns the full message history of a session.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// DeleteSession removes a session. Failures are logged by callers and
	// never block state advancement.
	DeleteSession(ctx context.Context, sessionID string) error
}
