// Package inflight tracks the chat requests currently streaming, one per caller key,
// and lets another goroutine cancel them.
package inflight

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrAlreadyActive = errors.New("inflight: a request is already active for this caller")

// Key builds the caller key for a user, optionally scoped by a discriminator
// (for example "job" for background work that must not collide with interactive streams).
func Key(userID uint64, discriminator string) string {
	k := strconv.FormatUint(userID, 10)
	if discriminator != "" {
		k += ":" + discriminator
	}
	return k
}

// Handle is the cancellation handle of one active request. Its context is done
// once the request is canceled through the registry, the parent context ends, or
// the handle is released.
type Handle struct {
	key       string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

func (h *Handle) Key() string              { return h.key }
func (h *Handle) StartedAt() time.Time     { return h.startedAt }
func (h *Handle) Context() context.Context { return h.ctx }

// Registry is safe for concurrent use. A single mutex guards the map; every
// operation is O(1) and never blocks while holding it.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Handle
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Handle), now: time.Now}
}

// Register claims key for a new request derived from parent. A second
// registration while the key is live is rejected with ErrAlreadyActive; the
// running request is left untouched.
func (r *Registry) Register(parent context.Context, key string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; ok {
		return nil, ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{key: key, startedAt: r.now(), ctx: ctx, cancel: cancel}
	r.active[key] = h
	return h, nil
}

// Cancel signals the live request for key. It reports whether one was found;
// an unknown key is a no-op.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	h, ok := r.active[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

func (r *Registry) IsActive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}

// Release removes h and frees its context. It must run on every terminal path.
// Releasing a handle that is no longer the registered one for its key does not
// touch the newer registration.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.active[h.key]; ok && cur == h {
		delete(r.active, h.key)
	}
	r.mu.Unlock()
	h.cancel()
}

// Active returns the number of live requests.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
