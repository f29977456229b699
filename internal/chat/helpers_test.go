package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/dispatch"
	"github.com/suPer8Hu/chat-relay/internal/inflight"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chat_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Session{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type reply struct {
	deltas []string
	err    error
	// hold keeps the stream open after the deltas until ctx ends.
	hold bool
}

// fakeAdapter replays canned replies, one per call, and records what it was sent.
type fakeAdapter struct {
	catalog *ai.Catalog

	mu       sync.Mutex
	replies  []reply
	calls    int
	received [][]ai.Message
	models   []string
}

func newFakeAdapter(replies ...reply) *fakeAdapter {
	return &fakeAdapter{
		catalog: ai.NewCatalog("fake", "fake-1", []string{"fake-1", "fake-2"}, nil),
		replies: replies,
	}
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) ResolveModel(model string) (string, error) { return a.catalog.Resolve(model) }

func (a *fakeAdapter) StreamChat(ctx context.Context, model string, messages []ai.Message) (<-chan string, <-chan error) {
	a.mu.Lock()
	r := reply{deltas: []string{"ok"}}
	if a.calls < len(a.replies) {
		r = a.replies[a.calls]
	}
	a.calls++
	a.received = append(a.received, append([]ai.Message(nil), messages...))
	a.models = append(a.models, model)
	a.mu.Unlock()

	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, d := range r.deltas {
			select {
			case chunks <- d:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if r.hold {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if r.err != nil {
			errs <- r.err
		}
	}()
	return chunks, errs
}

func (a *fakeAdapter) lastReceived() []ai.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.received) == 0 {
		return nil
	}
	return a.received[len(a.received)-1]
}

type testEnv struct {
	db      *gorm.DB
	repo    *Repo
	history *History
	svc     *Service
}

func newTestEnv(t *testing.T, store func(*Repo) Store, adapters ...ai.Adapter) *testEnv {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	var st Store = repo
	if store != nil {
		st = store(repo)
	}

	reg := ai.NewRegistry("fake", nil)
	for _, a := range adapters {
		reg.Register(a)
	}
	d := dispatch.New(reg, inflight.NewRegistry(), dispatch.NewRetrier(0))
	h := NewHistory(st, nil, HistoryOptions{EmptySessionTTL: DefaultEmptySessionTTL})
	return &testEnv{db: db, repo: repo, history: h, svc: NewService(st, h, d, 20)}
}

func drain(t *testing.T, ch <-chan dispatch.Chunk) (string, dispatch.Chunk) {
	t.Helper()
	var text string
	var last dispatch.Chunk
	for c := range ch {
		if c.Type == dispatch.ChunkDelta {
			text += c.Delta
		}
		last = c
	}
	return text, last
}

func exchange(requestID, text string) dispatch.Exchange {
	return dispatch.Exchange{RequestID: requestID, Service: "fake", Model: "fake-1", AssistantText: text}
}
