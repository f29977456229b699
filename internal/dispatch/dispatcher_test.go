package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/inflight"
)

type script struct {
	deltas []string
	err    error
	// hold keeps the stream open after the deltas until ctx ends.
	hold bool
}

type scriptedAdapter struct {
	name    string
	catalog *ai.Catalog

	mu      sync.Mutex
	scripts []script
	calls   int
	models  []string
}

func newScriptedAdapter(name string, scripts ...script) *scriptedAdapter {
	return &scriptedAdapter{
		name:    name,
		catalog: ai.NewCatalog(name, "base-model", []string{"mistralai/mistral-7b-instruct"}, nil),
		scripts: scripts,
	}
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) ResolveModel(model string) (string, error) { return a.catalog.Resolve(model) }

func (a *scriptedAdapter) StreamChat(ctx context.Context, model string, messages []ai.Message) (<-chan string, <-chan error) {
	a.mu.Lock()
	s := script{}
	if a.calls < len(a.scripts) {
		s = a.scripts[a.calls]
	}
	a.calls++
	a.models = append(a.models, model)
	a.mu.Unlock()

	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, d := range s.deltas {
			select {
			case chunks <- d:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if s.hold {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return chunks, errs
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type commitRecorder struct {
	mu        sync.Mutex
	exchanges []Exchange
	err       error
}

func (c *commitRecorder) commit(ctx context.Context, ex Exchange) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	c.exchanges = append(c.exchanges, ex)
	return true, nil
}

func (c *commitRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exchanges)
}

func newTestDispatcher(adapters ...ai.Adapter) (*Dispatcher, *inflight.Registry) {
	backends := ai.NewRegistry("fake", nil)
	for _, a := range adapters {
		backends.Register(a)
	}
	tracker := inflight.NewRegistry()
	return New(backends, tracker, NewRetrier(0)), tracker
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("stream did not finish; got %+v", out)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func deltaText(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Type == ChunkDelta {
			b.WriteString(c.Delta)
		}
	}
	return b.String()
}

func TestDispatchCompletedStream(t *testing.T) {
	a := newScriptedAdapter("fake", script{deltas: []string{"He", "llo", "!"}})
	d, tracker := newTestDispatcher(a)
	rec := &commitRecorder{}

	ch, err := d.Dispatch(context.Background(), Request{Key: "1", RequestID: "r1", Commit: rec.commit,
		Messages: []ai.Message{{Role: ai.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	chunks := collect(t, ch)

	if len(chunks) != 4 {
		t.Fatalf("expected 3 deltas and done, got %+v", chunks)
	}
	for i, want := range []string{"He", "llo", "!"} {
		if chunks[i].Type != ChunkDelta || chunks[i].Delta != want {
			t.Fatalf("chunk %d: got %+v want delta %q", i, chunks[i], want)
		}
	}
	last := chunks[3]
	if last.Type != ChunkDone || last.Meta == nil || !last.Meta.Committed || last.Meta.Attempts != 1 {
		t.Fatalf("unexpected terminal chunk %+v", last)
	}
	if last.Meta.Service != "fake" || last.Meta.Model != "base-model" || last.Meta.RequestID != "r1" {
		t.Fatalf("unexpected meta %+v", last.Meta)
	}
	if rec.count() != 1 || rec.exchanges[0].AssistantText != "Hello!" {
		t.Fatalf("unexpected commits %+v", rec.exchanges)
	}
	if tracker.IsActive("1") {
		t.Fatalf("registry entry leaked")
	}
}

func TestDispatchCancelAfterFirstDelta(t *testing.T) {
	a := newScriptedAdapter("fake", script{deltas: []string{"partial"}, hold: true})
	d, tracker := newTestDispatcher(a)
	rec := &commitRecorder{}

	ch, err := d.Dispatch(context.Background(), Request{Key: "1", Commit: rec.commit})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	first := <-ch
	if first.Type != ChunkDelta || first.Delta != "partial" {
		t.Fatalf("unexpected first chunk %+v", first)
	}
	if !d.IsActive("1") {
		t.Fatalf("expected request to be active mid-stream")
	}
	if !d.Cancel("1") {
		t.Fatalf("expected cancel to find the request")
	}

	rest := collect(t, ch)
	if len(rest) != 1 || rest[0].Type != ChunkError || rest[0].Kind != ai.KindCanceled {
		t.Fatalf("expected a single canceled chunk, got %+v", rest)
	}
	if a.callCount() != 1 {
		t.Fatalf("canceled request must not be retried, calls=%d", a.callCount())
	}
	if rec.count() != 0 {
		t.Fatalf("canceled exchange was committed")
	}
	if tracker.IsActive("1") || tracker.Active() != 0 {
		t.Fatalf("registry entry leaked")
	}
}

func TestDispatchCallerContextCanceled(t *testing.T) {
	a := newScriptedAdapter("fake", script{deltas: []string{"x"}, hold: true})
	d, tracker := newTestDispatcher(a)
	rec := &commitRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := d.Dispatch(ctx, Request{Key: "1", Commit: rec.commit})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	<-ch
	cancel()
	for _, c := range collect(t, ch) {
		if c.Type == ChunkDelta || c.Type == ChunkDone {
			t.Fatalf("unexpected chunk after cancel %+v", c)
		}
	}
	if rec.count() != 0 || tracker.Active() != 0 {
		t.Fatalf("commits=%d active=%d", rec.count(), tracker.Active())
	}
}

func TestDispatchInvalidModelFailsBeforeStreaming(t *testing.T) {
	a := newScriptedAdapter("openrouter", script{deltas: []string{"never"}})
	d, tracker := newTestDispatcher(a)

	ch, err := d.Dispatch(context.Background(), Request{Key: "1", Service: "openrouter", Model: "totally-invalid-model"})
	if ch != nil {
		t.Fatalf("no stream expected for an invalid model")
	}
	if ai.Classify(err).Kind != ai.KindInvalidModel {
		t.Fatalf("expected invalid model, got %v", err)
	}
	if a.callCount() != 0 || tracker.Active() != 0 {
		t.Fatalf("adapter called=%d active=%d", a.callCount(), tracker.Active())
	}
}

func TestDispatchRewritesAbbreviatedModel(t *testing.T) {
	a := newScriptedAdapter("openrouter", script{deltas: []string{"ok"}})
	d, _ := newTestDispatcher(a)

	ch, err := d.Dispatch(context.Background(), Request{Key: "1", Service: "openrouter", Model: "mistral-7b-instruct"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	chunks := collect(t, ch)
	if got := chunks[len(chunks)-1]; got.Type != ChunkDone || got.Meta.Model != "mistralai/mistral-7b-instruct" {
		t.Fatalf("unexpected terminal chunk %+v", got)
	}
	if a.models[0] != "mistralai/mistral-7b-instruct" {
		t.Fatalf("adapter received %q", a.models[0])
	}
}

func TestDispatchRetriesBeforeFirstDelta(t *testing.T) {
	a := newScriptedAdapter("fake",
		script{err: &ai.Error{Kind: ai.KindNetwork}},
		script{deltas: []string{"one", "two"}},
	)
	d, _ := newTestDispatcher(a)
	rec := &commitRecorder{}

	ch, err := d.Dispatch(context.Background(), Request{Key: "1", Commit: rec.commit})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	chunks := collect(t, ch)
	if deltaText(chunks) != "onetwo" || len(chunks) != 3 {
		t.Fatalf("expected a clean stream without duplicates, got %+v", chunks)
	}
	if last := chunks[2]; last.Type != ChunkDone || last.Meta.Attempts != 2 {
		t.Fatalf("unexpected terminal chunk %+v", last)
	}
	if a.callCount() != 2 {
		t.Fatalf("expected exactly one retry, calls=%d", a.callCount())
	}
	if rec.count() != 1 || rec.exchanges[0].AssistantText != "onetwo" {
		t.Fatalf("unexpected commits %+v", rec.exchanges)
	}
}

func TestDispatchNoRetryAfterPartialDelivery(t *testing.T) {
	a := newScriptedAdapter("fake",
		script{deltas: []string{"half"}, err: &ai.Error{Kind: ai.KindNetwork}},
		script{deltas: []string{"should not appear"}},
	)
	d, tracker := newTestDispatcher(a)
	rec := &commitRecorder{}

	ch, _ := d.Dispatch(context.Background(), Request{Key: "1", Commit: rec.commit})
	chunks := collect(t, ch)
	if len(chunks) != 2 || chunks[0].Delta != "half" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if chunks[1].Type != ChunkError || chunks[1].Kind != ai.KindNetwork || chunks[1].Message == "" {
		t.Fatalf("expected terminal network error, got %+v", chunks[1])
	}
	if a.callCount() != 1 || rec.count() != 0 || tracker.Active() != 0 {
		t.Fatalf("calls=%d commits=%d active=%d", a.callCount(), rec.count(), tracker.Active())
	}
}

func TestDispatchRetryExhausted(t *testing.T) {
	a := newScriptedAdapter("fake",
		script{err: &ai.Error{Kind: ai.KindTimeout}},
		script{err: &ai.Error{Kind: ai.KindTimeout}},
		script{deltas: []string{"third attempt must not happen"}},
	)
	d, _ := newTestDispatcher(a)

	ch, _ := d.Dispatch(context.Background(), Request{Key: "1"})
	chunks := collect(t, ch)
	if len(chunks) != 1 || chunks[0].Type != ChunkError || chunks[0].Kind != ai.KindTimeout {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if chunks[0].Message != ai.Classify(&ai.Error{Kind: ai.KindTimeout}).UserMessage {
		t.Fatalf("expected classified user message, got %q", chunks[0].Message)
	}
	if a.callCount() != 2 {
		t.Fatalf("expected two attempts, got %d", a.callCount())
	}
}

func TestDispatchRawErrorsAreClassified(t *testing.T) {
	a := newScriptedAdapter("fake", script{err: errors.New("provider exploded: secret internals")})
	d, _ := newTestDispatcher(a)

	ch, _ := d.Dispatch(context.Background(), Request{Key: "1"})
	chunks := collect(t, ch)
	if len(chunks) != 1 || chunks[0].Kind != ai.KindUnknown || strings.Contains(chunks[0].Message, "secret") {
		t.Fatalf("raw provider error leaked: %+v", chunks)
	}
}

func TestDispatchRejectsConcurrentRequestForSameKey(t *testing.T) {
	a := newScriptedAdapter("fake", script{hold: true}, script{deltas: []string{"other user"}})
	d, _ := newTestDispatcher(a)

	first, err := d.Dispatch(context.Background(), Request{Key: "1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool { return a.callCount() == 1 })
	if _, err := d.Dispatch(context.Background(), Request{Key: "1"}); !errors.Is(err, inflight.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	other, err := d.Dispatch(context.Background(), Request{Key: "2"})
	if err != nil {
		t.Fatalf("other caller must not be blocked: %v", err)
	}
	if got := deltaText(collect(t, other)); got != "other user" {
		t.Fatalf("unexpected other stream %q", got)
	}

	d.Cancel("1")
	collect(t, first)
	if d.IsActive("1") {
		t.Fatalf("expected key to be released")
	}
}

func TestDispatchCommitFailureStillCompletes(t *testing.T) {
	a := newScriptedAdapter("fake", script{deltas: []string{"answer"}})
	d, tracker := newTestDispatcher(a)
	rec := &commitRecorder{err: errors.New("db down")}

	ch, _ := d.Dispatch(context.Background(), Request{Key: "1", Commit: rec.commit})
	chunks := collect(t, ch)
	if deltaText(chunks) != "answer" {
		t.Fatalf("caller must still see the answer, got %+v", chunks)
	}
	last := chunks[len(chunks)-1]
	if last.Type != ChunkDone || last.Meta.Committed {
		t.Fatalf("expected done with committed=false, got %+v", last)
	}
	if tracker.Active() != 0 {
		t.Fatalf("registry entry leaked")
	}
}

func TestDispatchUnknownServiceFails(t *testing.T) {
	d, _ := newTestDispatcher(newScriptedAdapter("fake"))
	_, err := d.Dispatch(context.Background(), Request{Key: "1", Service: "nope"})
	if ai.Classify(err).Kind != ai.KindServiceUnavailable {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestCheckMatchesDispatchResolution(t *testing.T) {
	a := newScriptedAdapter("openrouter")
	d, tracker := newTestDispatcher(a)

	if err := d.Check("openrouter", "mistral-7b-instruct"); err != nil {
		t.Fatalf("abbreviated model should resolve, got %v", err)
	}
	if ai.Classify(d.Check("openrouter", "totally-invalid-model")).Kind != ai.KindInvalidModel {
		t.Fatalf("expected invalid model")
	}
	if ai.Classify(d.Check("nope", "")).Kind != ai.KindServiceUnavailable {
		t.Fatalf("expected service unavailable")
	}
	if a.callCount() != 0 || tracker.Active() != 0 {
		t.Fatalf("check must not stream or register")
	}
}
