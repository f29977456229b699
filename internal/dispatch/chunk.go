package dispatch

import "github.com/suPer8Hu/chat-relay/internal/ai"

type ChunkType string

const (
	ChunkDelta ChunkType = "delta"
	ChunkError ChunkType = "error"
	ChunkDone  ChunkType = "done"
)

// Chunk is one unit of a dispatched stream. A stream is zero or more deltas
// followed by exactly one terminal chunk (done or error), then the channel closes.
type Chunk struct {
	Type    ChunkType `json:"type"`
	Delta   string    `json:"delta,omitempty"`
	Kind    ai.Kind   `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	Meta    *Meta     `json:"meta,omitempty"`
}

// Meta accompanies the done chunk.
type Meta struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Model     string `json:"model"`
	Attempts  int    `json:"attempts"`
	Committed bool   `json:"committed"`
}

func (c Chunk) Terminal() bool { return c.Type != ChunkDelta }

type State string

const (
	StateCompleted State = "completed"
	StateCanceled  State = "canceled"
	StateFailed    State = "failed"
)
