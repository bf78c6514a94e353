package ipc

import (
	"testing"
	"time"
)

func TestLeaseManager_AcquireRefusesWhileLive(t *testing.T) {
	dir := t.TempDir()

	m1 := NewLeaseManager(dir, 50*time.Millisecond, time.Second)
	if err := m1.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer m1.Release()

	m2 := NewLeaseManager(dir, 50*time.Millisecond, time.Second)
	if err := m2.Acquire(); err == nil {
		t.Fatal("expected second acquire to fail while the first lease is live")
	}
}

func TestLeaseManager_AcquireAfterStaleLease(t *testing.T) {
	dir := t.TempDir()

	m1 := NewLeaseManager(dir, time.Hour, 10*time.Millisecond)
	if err := m1.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Don't release: simulate a crash (lock files left behind, no
	// heartbeat refresh).
	time.Sleep(20 * time.Millisecond)

	m2 := NewLeaseManager(dir, time.Hour, 10*time.Millisecond)
	if err := m2.Acquire(); err != nil {
		t.Fatalf("expected takeover of stale lease to succeed: %v", err)
	}
	m2.Release()
}
