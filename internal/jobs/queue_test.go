package jobs

import (
	"context"
	"strings"
	"testing"

	"kagan/internal/automation"
)

func TestQueueMessage_RoundTripsThroughGetQueued(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.QueueMessage(ctx, "task-1", LaneImplementation, "first"); err != nil {
		t.Fatalf("queue_message: %v", err)
	}
	if _, err := svc.QueueMessage(ctx, "task-1", LaneImplementation, "second"); err != nil {
		t.Fatalf("queue_message: %v", err)
	}

	msgs, err := svc.GetQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("get_queued: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("expected FIFO order, got %+v", msgs)
	}
}

func TestTakeQueued_PopsOldestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.QueueMessage(ctx, "task-1", LaneImplementation, "first")
	svc.QueueMessage(ctx, "task-1", LaneImplementation, "second")

	msg, err := svc.TakeQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("take_queued: %v", err)
	}
	if msg == nil || msg.Content != "first" {
		t.Fatalf("expected to take the oldest message first, got %+v", msg)
	}

	remaining, err := svc.GetQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("get_queued: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Content != "second" {
		t.Fatalf("expected one remaining message, got %+v", remaining)
	}
}

func TestTakeQueued_TruncatesAndMarksOversizedContent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	big := strings.Repeat("x", automation.QueuedMessageTailBytes*2)
	svc.QueueMessage(ctx, "task-1", LaneImplementation, big)

	msg, err := svc.TakeQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("take_queued: %v", err)
	}
	if !strings.HasPrefix(msg.Content, automation.QueuedMessageTruncationMarker) {
		t.Fatalf("expected truncation marker prepended, got prefix %q", msg.Content[:40])
	}
	if len(msg.Content) > automation.QueuedMessageTailBytes+len(automation.QueuedMessageTruncationMarker) {
		t.Fatalf("expected truncated content to respect the tail limit, got %d bytes", len(msg.Content))
	}
}

func TestTakeQueued_SmallContentIsUnmarked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.QueueMessage(ctx, "task-1", LaneImplementation, "short message")

	msg, err := svc.TakeQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("take_queued: %v", err)
	}
	if msg.Content != "short message" {
		t.Fatalf("expected untouched short content, got %q", msg.Content)
	}
}

func TestCancelQueued_RemovesEveryPendingMessageInLane(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.QueueMessage(ctx, "task-1", LaneImplementation, "a")
	svc.QueueMessage(ctx, "task-1", LaneImplementation, "b")
	svc.QueueMessage(ctx, "task-1", LanePlanner, "c")

	n, err := svc.CancelQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("cancel_queued: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages cancelled, got %d", n)
	}

	status, err := svc.GetStatus(ctx, "task-1")
	if err != nil {
		t.Fatalf("get_status: %v", err)
	}
	if status.ImplementationDepth != 0 {
		t.Fatalf("expected implementation lane empty after cancel, got depth %d", status.ImplementationDepth)
	}
	if status.PlannerDepth != 1 {
		t.Fatalf("expected planner lane untouched, got depth %d", status.PlannerDepth)
	}
}

func TestGetStatus_CountsBothLanesIndependently(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.QueueMessage(ctx, "task-1", LaneImplementation, "a")
	svc.QueueMessage(ctx, "task-1", LanePlanner, "b")
	svc.QueueMessage(ctx, "task-1", LanePlanner, "c")

	status, err := svc.GetStatus(ctx, "task-1")
	if err != nil {
		t.Fatalf("get_status: %v", err)
	}
	if status.ImplementationDepth != 1 {
		t.Fatalf("expected implementation depth 1, got %d", status.ImplementationDepth)
	}
	if status.PlannerDepth != 2 {
		t.Fatalf("expected planner depth 2, got %d", status.PlannerDepth)
	}
}

func TestRemoveMessage_DropsASingleMessage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.QueueMessage(ctx, "task-1", LaneImplementation, "a")
	msgs, err := svc.GetQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("get_queued: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 queued message before removal, got %d", len(msgs))
	}

	if err := svc.RemoveMessage(ctx, msgs[0].ID); err != nil {
		t.Fatalf("remove_message: %v", err)
	}

	remaining, err := svc.GetQueued(ctx, "task-1", LaneImplementation)
	if err != nil {
		t.Fatalf("get_queued: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected message to be removed, got %+v", remaining)
	}
}
