package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Adapter is one interchangeable text-generation backend.
//
// StreamChat returns immediately with two channels; both are closed when the
// stream ends. At most one error is sent, and only after the last chunk. Once ctx
// is done the adapter stops sending chunks.
type Adapter interface {
	Name() string
	ResolveModel(model string) (string, error)
	StreamChat(ctx context.Context, model string, messages []Message) (<-chan string, <-chan error)
}
