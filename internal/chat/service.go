package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/dispatch"
	"github.com/suPer8Hu/chat-relay/internal/inflight"
)

var ErrEmptyMessage = errors.New("chat: message is empty")

// jobKey scopes background jobs so they never collide with the user's
// interactive stream.
const jobKey = "job"

const jobWriteTimeout = 5 * time.Second

// Publisher enqueues job ids for the worker.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Service struct {
	history           *History
	store             Store
	dispatcher        *dispatch.Dispatcher
	publisher         Publisher
	contextWindowSize int
}

func NewService(store Store, history *History, dispatcher *dispatch.Dispatcher, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{history: history, store: store, dispatcher: dispatcher, contextWindowSize: contextWindowSize}
}

// SetPublisher enables EnqueueMessage.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

func (s *Service) History() *History { return s.history }

type SendRequest struct {
	UserID    uint64
	SessionID string
	Service   string
	Model     string
	Message   string
	// Context replaces the stored history as the conversation sent to the backend.
	Context   []ai.Message
	RequestID string
}

// Stream is a running request. C yields deltas and ends with one terminal chunk.
type Stream struct {
	SessionID string
	RequestID string
	C         <-chan dispatch.Chunk
}

// SendMessage resolves the session, dispatches the conversation and returns the
// live stream. The exchange is written back only if the stream completes.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*Stream, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	// Reject before a session is resolved so a refused request never creates one.
	if s.dispatcher.IsActive(inflight.Key(req.UserID, "")) {
		return nil, inflight.ErrAlreadyActive
	}
	if err := s.precheck(req.Service, req.Model); err != nil {
		return nil, err
	}

	sess, err := s.history.ResolveSession(ctx, req.UserID, req.SessionID, Hints{Service: req.Service, Model: req.Model})
	if err != nil {
		return nil, err
	}

	service, model := req.Service, req.Model
	if service == "" && model == "" {
		service, model = sess.Service, sess.Model
	}

	msgs, err := s.conversation(ctx, sess.SessionID, req.Context, req.Message)
	if err != nil {
		return nil, err
	}

	requestID := req.RequestID
	if requestID == "" {
		if requestID, err = common.NewULID(); err != nil {
			return nil, err
		}
	}

	uid, sid, userText := req.UserID, sess.SessionID, req.Message
	ch, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Key:       inflight.Key(uid, ""),
		RequestID: requestID,
		Service:   service,
		Model:     model,
		Messages:  msgs,
		Commit: func(ctx context.Context, ex dispatch.Exchange) (bool, error) {
			return s.history.Commit(ctx, uid, sid, userText, ex, dispatch.StateCompleted)
		},
	})
	if err != nil {
		return nil, err
	}
	return &Stream{SessionID: sid, RequestID: requestID, C: ch}, nil
}

// precheck validates an explicit backend choice. With neither given the
// session's own choice applies, which only the resolved session knows.
func (s *Service) precheck(service, model string) error {
	if strings.TrimSpace(service) == "" && strings.TrimSpace(model) == "" {
		return nil
	}
	return s.dispatcher.Check(service, model)
}

func (s *Service) conversation(ctx context.Context, sessionID string, supplied []ai.Message, userText string) ([]ai.Message, error) {
	if len(supplied) > 0 {
		out := make([]ai.Message, 0, len(supplied)+1)
		out = append(out, supplied...)
		return append(out, ai.Message{Role: ai.RoleUser, Content: userText}), nil
	}

	recent, err := s.history.Recent(ctx, sessionID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(recent)+1)
	for _, m := range recent {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return append(out, ai.Message{Role: ai.RoleUser, Content: userText}), nil
}

// Cancel stops the user's interactive request. It reports false if none is running.
func (s *Service) Cancel(userID uint64) bool {
	return s.dispatcher.Cancel(inflight.Key(userID, ""))
}

func (s *Service) IsActive(userID uint64) bool {
	return s.dispatcher.IsActive(inflight.Key(userID, ""))
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, page, limit int) ([]Session, int64, error) {
	return s.history.ListSessions(ctx, userID, page, limit)
}

func (s *Service) GetSessionDetail(ctx context.Context, userID uint64, sessionID string) (*Session, []Message, error) {
	return s.history.SessionDetail(ctx, userID, sessionID)
}

func (s *Service) CreateEmptySession(ctx context.Context, userID uint64, service, model string) (*Session, error) {
	return s.history.CreateEmptySession(ctx, userID, Hints{Service: service, Model: model})
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	return s.history.DeleteSession(ctx, userID, sessionID)
}

func (s *Service) ClearHistory(ctx context.Context, userID uint64, service string) (int64, error) {
	return s.history.ClearHistory(ctx, userID, service)
}

type EnqueueRequest struct {
	UserID         uint64
	SessionID      string
	Service        string
	Model          string
	Message        string
	IdempotencyKey string
}

// EnqueueMessage records a job and publishes it. A repeated idempotency key
// returns the existing job and publishes nothing.
func (s *Service) EnqueueMessage(ctx context.Context, req EnqueueRequest) (*Job, bool, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, false, ErrEmptyMessage
	}
	if s.publisher == nil {
		return nil, false, errors.New("chat: async jobs are not configured")
	}
	if err := s.precheck(req.Service, req.Model); err != nil {
		return nil, false, err
	}

	sess, err := s.history.ResolveSession(ctx, req.UserID, req.SessionID, Hints{Service: req.Service, Model: req.Model})
	if err != nil {
		return nil, false, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	var key *string
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		key = &k
	}

	job, created, err := s.store.CreateJobOrGetExisting(ctx, &Job{
		ID:             jobID,
		UserID:         req.UserID,
		SessionID:      sess.SessionID,
		Prompt:         req.Message,
		Service:        req.Service,
		Model:          req.Model,
		IdempotencyKey: key,
		Status:         JobQueued,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
		if markErr := s.store.MarkJobFailed(ctx, job.ID, "enqueue failed"); markErr != nil {
			log.Printf("[job] mark failed job=%s err=%v", job.ID, markErr)
		}
		return nil, false, fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return job, true, nil
}

// GetJob returns the job if userID owns it.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// RunJob executes a queued job through the dispatcher and records the outcome.
// The job id doubles as the request id, so a redelivered job never writes its
// exchange twice. Jobs already in a terminal state are skipped.
//
// When ctx ends before the job finishes the job goes back to queued and ctx.Err()
// is returned, so the delivery can be requeued.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	start := time.Now()
	j, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		log.Printf("[job] skip job=%s status=%s", j.ID, j.Status)
		return nil
	}
	if err := s.store.UpdateJobStatusRunning(ctx, j.ID); err != nil {
		log.Printf("[job] mark running job=%s err=%v", j.ID, err)
	}

	// Job state is written even when ctx is already done.
	record := func(write func(ctx context.Context) error) error {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobWriteTimeout)
		defer cancel()
		return write(wctx)
	}
	fail := func(err error) error {
		if markErr := record(func(wctx context.Context) error {
			return s.store.MarkJobFailed(wctx, j.ID, err.Error())
		}); markErr != nil {
			log.Printf("[job] mark failed job=%s err=%v", j.ID, markErr)
		}
		log.Printf("[job] failed job=%s cost=%s err=%v", j.ID, time.Since(start), err)
		return err
	}
	requeue := func() error {
		if err := record(func(wctx context.Context) error {
			return s.store.RequeueJob(wctx, j.ID)
		}); err != nil {
			log.Printf("[job] requeue job=%s err=%v", j.ID, err)
		}
		log.Printf("[job] interrupted job=%s cost=%s err=%v", j.ID, time.Since(start), ctx.Err())
		return ctx.Err()
	}

	sess, err := s.store.GetSession(ctx, j.UserID, j.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return requeue()
		}
		return fail(err)
	}
	service, model := j.Service, j.Model
	if service == "" && model == "" {
		service, model = sess.Service, sess.Model
	}
	msgs, err := s.conversation(ctx, sess.SessionID, nil, j.Prompt)
	if err != nil {
		if ctx.Err() != nil {
			return requeue()
		}
		return fail(err)
	}

	uid, sid, prompt := j.UserID, sess.SessionID, j.Prompt
	ch, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Key:       inflight.Key(uid, jobKey),
		RequestID: j.ID,
		Service:   service,
		Model:     model,
		Messages:  msgs,
		Commit: func(ctx context.Context, ex dispatch.Exchange) (bool, error) {
			return s.history.Commit(ctx, uid, sid, prompt, ex, dispatch.StateCompleted)
		},
	})
	if err != nil {
		return fail(err)
	}

	var last dispatch.Chunk
	for c := range ch {
		last = c
	}

	switch {
	case last.Type == dispatch.ChunkDone:
		// Committed is false on a redelivery whose exchange is already stored.
		var id uint64
		err := record(func(wctx context.Context) (err error) {
			id, err = s.store.MessageIDByIdempotencyKey(wctx, sid, assistantKey(j.ID))
			return err
		})
		if err != nil {
			return fail(fmt.Errorf("reply was not saved: %w", err))
		}
		if err := record(func(wctx context.Context) error { return s.store.MarkJobSucceeded(wctx, j.ID, id) }); err != nil {
			return err
		}
		log.Printf("[job] done job=%s attempts=%d cost=%s", j.ID, last.Meta.Attempts, time.Since(start))
		return nil

	case ctx.Err() != nil:
		return requeue()

	case last.Type == dispatch.ChunkError && last.Kind == ai.KindCanceled:
		if err := record(func(wctx context.Context) error { return s.store.MarkJobCanceled(wctx, j.ID) }); err != nil {
			return err
		}
		log.Printf("[job] canceled job=%s cost=%s", j.ID, time.Since(start))
		return nil

	case last.Type == dispatch.ChunkError:
		return fail(fmt.Errorf("%s: %s", last.Kind, last.Message))

	default:
		return fail(errors.New("stream ended without a result"))
	}
}

// CancelJob stops the user's running background job. The job ends as canceled.
func (s *Service) CancelJob(userID uint64) bool {
	return s.dispatcher.Cancel(inflight.Key(userID, jobKey))
}

func (s *Service) JobActive(userID uint64) bool {
	return s.dispatcher.IsActive(inflight.Key(userID, jobKey))
}
