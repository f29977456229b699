package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/chat-relay/internal/dispatch"
)

// SessionCache remembers each user's current session so continuation does not
// need a database scan. Implementations return "" when nothing is cached.
type SessionCache interface {
	CurrentSession(ctx context.Context, userID uint64) (string, error)
	SetCurrentSession(ctx context.Context, userID uint64, sessionID string) error
	ClearCurrentSession(ctx context.Context, userID uint64) error
}

// Hints carry the backend choice a new session starts with.
type Hints struct {
	Service string
	Model   string
}

const (
	DefaultTitleMaxLen     = 50
	DefaultEmptySessionTTL = 24 * time.Hour
)

type HistoryOptions struct {
	// EmptySessionTTL bounds how long an empty session stays eligible for reuse.
	// Zero keeps empty sessions reusable forever.
	EmptySessionTTL time.Duration
	TitleMaxLen     int
}

// History decides which session a message continues and writes completed
// exchanges back. Commits to one session are serialized in process and by a row
// lock in the database.
type History struct {
	store Store
	cache SessionCache
	opts  HistoryOptions
	locks *keyedMutex
	now   func() time.Time
}

func NewHistory(store Store, cache SessionCache, opts HistoryOptions) *History {
	if opts.TitleMaxLen <= 0 {
		opts.TitleMaxLen = DefaultTitleMaxLen
	}
	if opts.EmptySessionTTL < 0 {
		opts.EmptySessionTTL = DefaultEmptySessionTTL
	}
	return &History{store: store, cache: cache, opts: opts, locks: newKeyedMutex(), now: time.Now}
}

func (h *History) open(s *Session) bool {
	if s.MessageCount > 0 || h.opts.EmptySessionTTL == 0 {
		return true
	}
	return !s.UpdatedAt.Before(h.now().Add(-h.opts.EmptySessionTTL))
}

// ResolveSession picks the session a new message belongs to: the explicit one if
// the user owns it, else the most recently updated open session. When none
// qualifies a new session is created.
//
// The cache points at the session that last received a commit or was created,
// which is the most recently updated one, so it stands in for the database scan.
// Resolving an explicit id does not move it.
func (h *History) ResolveSession(ctx context.Context, userID uint64, explicitID string, hints Hints) (*Session, error) {
	if explicitID = strings.TrimSpace(explicitID); explicitID != "" {
		s, err := h.store.GetSession(ctx, userID, explicitID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}

	if h.cache != nil {
		sid, err := h.cache.CurrentSession(ctx, userID)
		if err != nil {
			log.Printf("[history] read current session failed uid=%d err=%v", userID, err)
		}
		if sid != "" {
			s, err := h.store.GetSession(ctx, userID, sid)
			switch {
			case err == nil && h.open(s):
				return s, nil
			case err != nil && !errors.Is(err, ErrSessionNotFound):
				return nil, err
			}
		}
	}

	var since time.Time
	if h.opts.EmptySessionTTL > 0 {
		since = h.now().Add(-h.opts.EmptySessionTTL)
	}
	s, err := h.store.LatestOpenSession(ctx, userID, since)
	if err == nil {
		h.remember(ctx, userID, s.SessionID)
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return h.CreateEmptySession(ctx, userID, hints)
}

// CreateEmptySession starts a session with no messages and an empty title.
func (h *History) CreateEmptySession(ctx context.Context, userID uint64, hints Hints) (*Session, error) {
	sid, err := NewSessionID(userID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		SessionID: sid,
		UserID:    userID,
		Service:   strings.ToLower(strings.TrimSpace(hints.Service)),
		Model:     strings.TrimSpace(hints.Model),
	}
	if err := h.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	h.remember(ctx, userID, sid)
	return s, nil
}

func (h *History) remember(ctx context.Context, userID uint64, sessionID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SetCurrentSession(ctx, userID, sessionID); err != nil {
		log.Printf("[history] set current session failed uid=%d session=%s err=%v", userID, sessionID, err)
	}
}

func (h *History) forget(ctx context.Context, userID uint64) {
	if h.cache == nil {
		return
	}
	if err := h.cache.ClearCurrentSession(ctx, userID); err != nil {
		log.Printf("[history] clear current session failed uid=%d err=%v", userID, err)
	}
}

// Commit appends the user message and the assistant reply of a finished request.
// Nothing is written unless the request completed with a non-blank reply.
func (h *History) Commit(ctx context.Context, userID uint64, sessionID, userText string, ex dispatch.Exchange, state dispatch.State) (bool, error) {
	if state != dispatch.StateCompleted || strings.TrimSpace(ex.AssistantText) == "" {
		return false, nil
	}

	unlock := h.locks.Lock(sessionID)
	defer unlock()

	committed, err := h.store.AppendTurn(ctx, userID, sessionID, Turn{
		RequestID:     ex.RequestID,
		UserText:      userText,
		AssistantText: ex.AssistantText,
		Service:       ex.Service,
		Model:         ex.Model,
		Title:         Title(userText, h.opts.TitleMaxLen),
	})
	if committed {
		h.remember(ctx, userID, sessionID)
	}
	return committed, err
}

// Recent returns up to limit trailing messages of a session, oldest first.
func (h *History) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return h.store.RecentMessages(ctx, sessionID, limit)
}

func (h *History) ListSessions(ctx context.Context, userID uint64, page, limit int) ([]Session, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return h.store.ListSessions(ctx, userID, (page-1)*limit, limit)
}

func (h *History) SessionDetail(ctx context.Context, userID uint64, sessionID string) (*Session, []Message, error) {
	s, err := h.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := h.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return s, msgs, nil
}

func (h *History) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	unlock := h.locks.Lock(sessionID)
	defer unlock()

	if err := h.store.DeleteSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if h.cache != nil {
		if cur, err := h.cache.CurrentSession(ctx, userID); err == nil && cur == sessionID {
			h.forget(ctx, userID)
		}
	}
	return nil
}

// ClearHistory deletes the user's messages, all of them or only those produced
// by service, and returns how many were removed.
func (h *History) ClearHistory(ctx context.Context, userID uint64, service string) (int64, error) {
	n, err := h.store.ClearMessages(ctx, userID, strings.ToLower(strings.TrimSpace(service)))
	if err != nil {
		return 0, err
	}
	h.forget(ctx, userID)
	return n, nil
}

// Title derives a session title from the first line of text with whitespace
// collapsed, cut to maxLen runes plus an ellipsis.
func Title(text string, maxLen int) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if maxLen <= 0 || utf8.RuneCountInString(line) <= maxLen {
		return line
	}
	return string([]rune(line)[:maxLen]) + "…"
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
