// Package dispatch picks a backend for each chat request, streams its output to the
// caller under a cancellable handle, and hands completed exchanges to a commit hook.
package dispatch

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/inflight"
)

// Resolver selects a backend and canonical model for a request.
type Resolver interface {
	Resolve(service, model string) (ai.Adapter, string, error)
}

// Tracker is the cancellation registry the dispatcher registers callers in.
type Tracker interface {
	Register(ctx context.Context, key string) (*inflight.Handle, error)
	Release(h *inflight.Handle)
	Cancel(key string) bool
	IsActive(key string) bool
}

// Exchange is what a completed request produced.
type Exchange struct {
	RequestID     string
	Service       string
	Model         string
	AssistantText string
}

// CommitFunc persists a completed exchange and reports whether anything was written.
type CommitFunc func(ctx context.Context, ex Exchange) (bool, error)

type Request struct {
	Key       string
	RequestID string
	Service   string
	Model     string
	Messages  []ai.Message
	Commit    CommitFunc
}

const defaultCommitTimeout = 10 * time.Second

type Dispatcher struct {
	backends      Resolver
	tracker       Tracker
	retrier       *Retrier
	commitTimeout time.Duration
}

func New(backends Resolver, tracker Tracker, retrier *Retrier) *Dispatcher {
	if retrier == nil {
		retrier = NewRetrier(DefaultBackoff)
	}
	return &Dispatcher{backends: backends, tracker: tracker, retrier: retrier, commitTimeout: defaultCommitTimeout}
}

// SetCommitTimeout bounds how long a commit may take after the caller has its answer.
func (d *Dispatcher) SetCommitTimeout(t time.Duration) {
	if t > 0 {
		d.commitTimeout = t
	}
}

// Check resolves service and model without dispatching and returns the error
// Dispatch would fail with.
func (d *Dispatcher) Check(service, model string) error {
	if _, _, err := d.backends.Resolve(service, model); err != nil {
		return ai.Classified(service, err)
	}
	return nil
}

func (d *Dispatcher) Cancel(key string) bool   { return d.tracker.Cancel(key) }
func (d *Dispatcher) IsActive(key string) bool { return d.tracker.IsActive(key) }

// Dispatch resolves the backend, registers req.Key and starts streaming.
//
// Failures while resolving (unknown service, invalid model, caller already
// active) are returned here and no chunk is ever produced. Otherwise the returned
// channel yields deltas in provider order and ends with one terminal chunk. The
// caller must read until the channel closes or cancel ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (<-chan Chunk, error) {
	adapter, model, err := d.backends.Resolve(req.Service, req.Model)
	if err != nil {
		return nil, ai.Classified(req.Service, err)
	}

	h, err := d.tracker.Register(ctx, req.Key)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go d.stream(ctx, h, adapter, model, req, out)
	return out, nil
}

func (d *Dispatcher) stream(parent context.Context, h *inflight.Handle, adapter ai.Adapter, model string, req Request, out chan<- Chunk) {
	defer close(out)

	released := false
	release := func() {
		if !released {
			d.tracker.Release(h)
			released = true
		}
	}
	defer release()

	ctx := h.Context()
	service := adapter.Name()
	var text strings.Builder

	attempts, err := d.retrier.Do(ctx, service, func(ctx context.Context) (int, error) {
		chunks, errs := adapter.StreamChat(ctx, model, req.Messages)
		delivered := 0
		for c := range chunks {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			select {
			case out <- Chunk{Type: ChunkDelta, Delta: c}:
				delivered++
				text.WriteString(c)
			case <-ctx.Done():
				return delivered, ctx.Err()
			}
		}
		return delivered, <-errs
	})

	state := StateCompleted
	var failure *ai.Error
	if err != nil {
		failure = ai.Classified(service, err)
		state = StateFailed
		if failure.Kind == ai.KindCanceled || errors.Is(ctx.Err(), context.Canceled) {
			state = StateCanceled
		}
	}
	release()

	switch state {
	case StateCompleted:
		committed := d.commit(parent, req, Exchange{
			RequestID:     req.RequestID,
			Service:       service,
			Model:         model,
			AssistantText: text.String(),
		})
		emit(parent, out, Chunk{Type: ChunkDone, Meta: &Meta{
			RequestID: req.RequestID,
			Service:   service,
			Model:     model,
			Attempts:  attempts,
			Committed: committed,
		}})

	case StateCanceled:
		emit(parent, out, Chunk{Type: ChunkError, Kind: ai.KindCanceled, Message: ai.Classify(context.Canceled).UserMessage})

	case StateFailed:
		c := ai.Classify(failure)
		emit(parent, out, Chunk{Type: ChunkError, Kind: c.Kind, Message: c.UserMessage})
	}

	if state == StateFailed {
		log.Printf("[dispatch] key=%s request=%s service=%s model=%s state=%s attempts=%d cost=%s err=%v",
			req.Key, req.RequestID, service, model, state, attempts, time.Since(h.StartedAt()), failure)
		return
	}
	log.Printf("[dispatch] key=%s request=%s service=%s model=%s state=%s attempts=%d cost=%s",
		req.Key, req.RequestID, service, model, state, attempts, time.Since(h.StartedAt()))
}

// commit runs the hook detached from the caller's context: the caller already has
// the full answer, so a disconnect right after the last delta must not lose it.
// A failing commit is logged and never turns a delivered answer into an error.
func (d *Dispatcher) commit(parent context.Context, req Request, ex Exchange) bool {
	if req.Commit == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.commitTimeout)
	defer cancel()

	committed, err := req.Commit(ctx, ex)
	if err != nil {
		log.Printf("[dispatch] commit failed key=%s request=%s service=%s err=%v", req.Key, req.RequestID, ex.Service, err)
		return false
	}
	return committed
}

// emit delivers a terminal chunk unless the caller has gone away.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}
