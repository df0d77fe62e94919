// Package models defines the core data structures for the Hands & Fire chat backend.
//
// It includes chat turns, knowledge snippets, token usage breakdowns, and the
// typed errors shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies the author of a chat turn.
type Role string

const (
	// RoleSystem marks the assistant's instruction prompt turn.
	RoleSystem Role = "system"
	// RoleUser marks a turn sent by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a turn generated by the assistant.
	RoleAssistant Role = "assistant"
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ContentPart is one element of a structured multi-part turn body.
type ContentPart struct {
	Type string `json:"type"` // currently always "text"
	Text string `json:"text"`
}

// ChatTurn represents a single message in a conversation.
// Content holds plain text; Parts, when non-empty, holds a structured
// multi-part body and takes precedence over Content.
type ChatTurn struct {
	Role      Role          `json:"role"`
	Content   string        `json:"content,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

// Text returns the textual content of the turn. Multi-part bodies are
// concatenated in order.
func (t ChatTurn) Text() string {
	if len(t.Parts) == 0 {
		return t.Content
	}
	var out string
	for _, p := range t.Parts {
		out += p.Text
	}
	return out
}

// SystemTurn builds a system-role turn with the given content.
func SystemTurn(content string) ChatTurn {
	return ChatTurn{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// UserTurn builds a user-role turn with the given content.
func UserTurn(content string) ChatTurn {
	return ChatTurn{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantTurn builds an assistant-role turn with the given content.
func AssistantTurn(content string) ChatTurn {
	return ChatTurn{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
}

// KnowledgeSnippet is one retrieved passage of reference text plus its source
// metadata and similarity score. Constructed fresh per retrieval, never cached.
type KnowledgeSnippet struct {
	Title      string  `json:"title"`
	Source     string  `json:"source"`
	Similarity float64 `json:"similarity"` // 1 - distance, nominally in [0,1]
	Distance   float64 `json:"distance"`
	Content    string  `json:"content"`
}

// KnowledgeEntry is the {title, source} pair kept for reply normalization and
// reporting after a snippet has been rendered into the prompt.
type KnowledgeEntry struct {
	Title  string `json:"title"`
	Source string `json:"source"`
}

// KnowledgeContext bundles the snippets selected for one reply-generation call
// together with the rendered system-role message ready for prompt insertion.
// The snippet list is the source of truth; Message is derived from it and is
// re-rendered whenever the context is degraded to a smaller tier.
type KnowledgeContext struct {
	Snippets []KnowledgeSnippet `json:"snippets"`
	Entries  []KnowledgeEntry   `json:"entries"`
	Message  string             `json:"message"`
}

// TokenUsage is the per-call token breakdown returned alongside a reply.
type TokenUsage struct {
	RequestTokens      int   `json:"request_tokens"`
	KnowledgeTokens    int   `json:"knowledge_tokens"`
	UserTokens         int   `json:"user_tokens"`
	ConversationTokens int   `json:"conversation_tokens"`
	DurationMillis     int64 `json:"duration_ms"`
}

// ReplyResult is the outcome of one reply-generation call.
type ReplyResult struct {
	Reply            string     `json:"reply"`
	Usage            TokenUsage `json:"usage"`
	KnowledgeApplied bool       `json:"knowledge_applied"`
	AppliedChunks    int        `json:"applied_chunks"`
	Degraded         bool       `json:"degraded"`
	UsedFallback     bool       `json:"used_fallback"`
}

// Error variables shared across modules.
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyMessage       = errors.New("message body cannot be empty")
	ErrEmptyCompletion    = errors.New("completion response contained no content")
	ErrNoChoices          = errors.New("completion response contained no choices")
	ErrConversationLocked = errors.New("conversation is locked by another request")
)

// UpstreamErrorClass classifies failures from the chat-completion and
// embedding backends.
type UpstreamErrorClass string

const (
	// UpstreamRateLimited indicates the provider rejected the call for quota reasons.
	UpstreamRateLimited UpstreamErrorClass = "rate_limit"
	// UpstreamInvalidRequest indicates the provider rejected the request payload.
	UpstreamInvalidRequest UpstreamErrorClass = "invalid_request"
	// UpstreamOther covers every other provider failure.
	UpstreamOther UpstreamErrorClass = "other"
)

// UpstreamError is a classified, user-legible error from an external AI backend.
// The pipeline never retries these internally; retry policy belongs to the caller.
type UpstreamError struct {
	Class   UpstreamErrorClass
	Op      string // e.g. "chat_completion", "embedding"
	Message string
	Err     error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (%s): %s: %v", e.Op, e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Op, e.Class, e.Message)
}

// Unwrap returns the wrapped provider error.
func (e *UpstreamError) Unwrap() error { return e.Err }

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery status event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for HTTP responses.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
