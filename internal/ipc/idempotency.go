package ipc

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// idempotencyKey scopes a client-supplied idempotency_key to the
// session that presented it; two sessions reusing the same literal key
// string don't collide.
type idempotencyKey struct {
	sessionID string
	key       string
}

type idempotencyEntry struct {
	mu          sync.Mutex
	fingerprint string
	done        bool
	response    Response
	waiters     []chan Response
}

// IdempotencyCache implements §4.1/§9's bounded LRU of in-flight and
// completed mutating-idempotent requests. The owning request dispatches
// once; concurrent duplicates await the owner's result instead of
// re-running the handler.
type IdempotencyCache struct {
	mu    sync.Mutex
	cache *lru.Cache[idempotencyKey, *idempotencyEntry]
}

func NewIdempotencyCache(limit int) *IdempotencyCache {
	cache, err := lru.NewWithEvict[idempotencyKey, *idempotencyEntry](limit, nil)
	if err != nil {
		// Only returns an error for a non-positive size; the daemon's
		// config layer is responsible for never producing one.
		panic(err)
	}
	return &IdempotencyCache{cache: cache}
}

func fingerprint(capability, methodName string, params json.RawMessage) string {
	return capability + "\x00" + methodName + "\x00" + string(params)
}

// Begin registers the caller as either the owner of a fresh key (ok,
// owner=true: caller must call Finish) or a waiter on an in-flight /
// completed one (owner=false: caller should await the returned channel
// if not already done, or use the returned response if it is).
//
// A key reused with a different fingerprint returns an INVALID_PARAMS
// error per §4.1.
func (c *IdempotencyCache) Begin(sessionID, key, capability, methodName string, params json.RawMessage) (owner bool, immediate *Response, wait <-chan Response, ierr *Error) {
	fp := fingerprint(capability, methodName, params)
	ik := idempotencyKey{sessionID: sessionID, key: key}

	c.mu.Lock()
	entry, found := c.cache.Get(ik)
	if !found {
		entry = &idempotencyEntry{fingerprint: fp}
		c.cache.Add(ik, entry)
		c.mu.Unlock()
		return true, nil, nil, nil
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.fingerprint != fp {
		return false, nil, nil, NewError(ErrInvalidParams, "idempotency_key reused with different parameters")
	}
	if entry.done {
		resp := entry.response
		return false, &resp, nil, nil
	}

	ch := make(chan Response, 1)
	entry.waiters = append(entry.waiters, ch)
	return false, nil, ch, nil
}

// Finish stores the owner's response and releases any waiters. Evicted
// entries whose owner never finished are silently dropped per §9 — a
// waiter on an evicted, unfinished entry simply never receives a value
// and its caller should time out upstream.
func (c *IdempotencyCache) Finish(sessionID, key string, resp Response) {
	ik := idempotencyKey{sessionID: sessionID, key: key}

	c.mu.Lock()
	entry, found := c.cache.Get(ik)
	c.mu.Unlock()
	if !found {
		return
	}

	entry.mu.Lock()
	entry.done = true
	entry.response = resp
	waiters := entry.waiters
	entry.waiters = nil
	entry.mu.Unlock()

	for _, ch := range waiters {
		ch <- resp
		close(ch)
	}
}
