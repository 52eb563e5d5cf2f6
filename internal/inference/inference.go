// Package inference talks to the hosted model runtime.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

// Runner invokes a model, either for a single JSON result or for a raw
// byte stream of SSE/JSON lines.
type Runner interface {
	Run(ctx context.Context, model string, req Request) (json.RawMessage, error)
	Stream(ctx context.Context, model string, req Request) (io.ReadCloser, error)
}

// Conversation builds the two-message prompt sent for every query.
func Conversation(systemPrompt, query string) []Message {
	return []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: query},
	}
}

var ErrUpstreamStatus = errors.New("inference upstream returned an error status")

// StatusError carries a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference upstream status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}
