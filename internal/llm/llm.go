// Package llm defines the provider-neutral contract for external inference
// calls. Implementations live in subpackages (claude). All traffic to a
// provider goes through the safety gateway; nothing else in the core imports
// a provider implementation directly.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider is the interface for any inference backend.
type Provider interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// ToolDef is a tool definition in the provider API format.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is the input to a provider call. Model selection is owned by the
// inference router; the provider maps the tier-chosen model name verbatim.
type Request struct {
	Model       string
	MaxTokens   int
	Temperature float64
	System      string
	Messages    []Message
	Tools       []ToolDef
}

// Response is the provider output plus the call accounting the investigation
// record keeps for every inference call.
type Response struct {
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
	CostUSD    float64
	Latency    time.Duration
}

// StopReason indicates why the provider stopped generating.
type StopReason string

const (
	StopEnd     StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
)

// Message is a single conversation message.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of message content, either text or a tool
// call/result.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage is provider-reported token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text returns the concatenated text blocks of the response.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ErrTransient marks provider failures that are safe to retry with backoff:
// network errors, overload, 5xx. Wrap with fmt.Errorf("...: %w", ErrTransient)
// or errors.Join so callers can test with errors.Is.
var ErrTransient = errors.New("transient provider error")

// ErrPermanent marks client-side/validation failures that must never be
// retried: malformed requests, auth failures, 4xx other than 429.
var ErrPermanent = errors.New("permanent provider error")

// Transient reports whether err is in the retriable failure class.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}
