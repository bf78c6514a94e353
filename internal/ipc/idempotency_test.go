package ipc

import (
	"encoding/json"
	"testing"
)

func TestIdempotencyCache_OwnerThenWaiter(t *testing.T) {
	c := NewIdempotencyCache(16)
	params := json.RawMessage(`{"title":"fix it"}`)

	owner, immediate, wait, ierr := c.Begin("sess1", "key1", "tasks", "create", params)
	if ierr != nil {
		t.Fatalf("unexpected error: %v", ierr)
	}
	if !owner || immediate != nil || wait != nil {
		t.Fatalf("expected first caller to be the owner, got owner=%v immediate=%v wait=%v", owner, immediate, wait)
	}

	owner2, immediate2, wait2, ierr2 := c.Begin("sess1", "key1", "tasks", "create", params)
	if ierr2 != nil {
		t.Fatalf("unexpected error on duplicate: %v", ierr2)
	}
	if owner2 || immediate2 != nil || wait2 == nil {
		t.Fatalf("expected duplicate to be a waiter, got owner=%v immediate=%v wait=%v", owner2, immediate2, wait2)
	}

	resp := okResponse("req1", map[string]string{"id": "abc12345"})
	c.Finish("sess1", "key1", resp)

	got := <-wait2
	if !got.OK {
		t.Fatalf("expected waiter to receive the owner's successful response, got %+v", got)
	}
}

func TestIdempotencyCache_ReusedKeyDifferentFingerprint(t *testing.T) {
	c := NewIdempotencyCache(16)

	if _, _, _, ierr := c.Begin("sess1", "key1", "tasks", "create", json.RawMessage(`{"title":"a"}`)); ierr != nil {
		t.Fatalf("unexpected error: %v", ierr)
	}

	_, _, _, ierr := c.Begin("sess1", "key1", "tasks", "create", json.RawMessage(`{"title":"b"}`))
	if ierr == nil || ierr.Code != ErrInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for a reused key with a different fingerprint, got %v", ierr)
	}
}

func TestIdempotencyCache_CompletedKeyServesCachedResponse(t *testing.T) {
	c := NewIdempotencyCache(16)
	params := json.RawMessage(`{}`)

	c.Begin("sess1", "key1", "tasks", "create", params)
	c.Finish("sess1", "key1", okResponse("req1", "done"))

	owner, immediate, _, ierr := c.Begin("sess1", "key1", "tasks", "create", params)
	if ierr != nil {
		t.Fatalf("unexpected error: %v", ierr)
	}
	if owner || immediate == nil || !immediate.OK {
		t.Fatalf("expected a completed entry to be served immediately, got owner=%v immediate=%v", owner, immediate)
	}
}
