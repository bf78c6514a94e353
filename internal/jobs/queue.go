package jobs

import (
	"context"

	"kagan/internal/automation"
	"kagan/internal/store"
)

// Lanes a queued message can target (§4.4).
const (
	LaneImplementation = "implementation"
	LanePlanner        = "planner"
)

// QueueMessage implements queue_message(queue_key, lane, content).
func (s *Service) QueueMessage(ctx context.Context, queueKey, lane, content string) (*store.QueuedMessage, error) {
	msg, err := s.store.QueuedMessages.Queue(ctx, queueKey, lane, content)
	if err != nil {
		return nil, &Error{Op: "queue_message", ID: queueKey, Err: err}
	}
	return msg, nil
}

// TakeQueued implements take_queued: pop the oldest message, truncated
// and marked per §4.4 since it is destined for a prompt.
func (s *Service) TakeQueued(ctx context.Context, queueKey, lane string) (*store.QueuedMessage, error) {
	msg, err := s.store.QueuedMessages.Take(ctx, queueKey, lane)
	if err != nil {
		return nil, &Error{Op: "take_queued", ID: queueKey, Err: err}
	}
	if msg != nil {
		msg.Content = automation.TruncateTailMarked(msg.Content, automation.QueuedMessageTailBytes)
	}
	return msg, nil
}

// TakeAllQueued implements take_all_queued, truncating and marking each
// message's content on its own with TruncateTailMarked. (The automation
// engine's re-queue path instead joins the messages first and truncates
// the joined text.)
func (s *Service) TakeAllQueued(ctx context.Context, queueKey, lane string) ([]*store.QueuedMessage, error) {
	msgs, err := s.store.QueuedMessages.TakeAll(ctx, queueKey, lane)
	if err != nil {
		return nil, &Error{Op: "take_all_queued", ID: queueKey, Err: err}
	}
	for _, msg := range msgs {
		msg.Content = automation.TruncateTailMarked(msg.Content, automation.QueuedMessageTailBytes)
	}
	return msgs, nil
}

// GetQueued implements get_queued: a read-only peek at the lane's FIFO,
// untruncated since it is for display rather than prompt injection.
func (s *Service) GetQueued(ctx context.Context, queueKey, lane string) ([]*store.QueuedMessage, error) {
	msgs, err := s.store.QueuedMessages.All(ctx, queueKey, lane)
	if err != nil {
		return nil, &Error{Op: "get_queued", ID: queueKey, Err: err}
	}
	return msgs, nil
}

// RemoveMessage implements remove_message(message_id).
func (s *Service) RemoveMessage(ctx context.Context, messageID string) error {
	if err := s.store.QueuedMessages.Remove(ctx, messageID); err != nil {
		return &Error{Op: "remove_message", ID: messageID, Err: err}
	}
	return nil
}

// CancelQueued implements cancel_queued(queue_key, lane): drop every
// pending message in the lane, returning how many were removed.
func (s *Service) CancelQueued(ctx context.Context, queueKey, lane string) (int, error) {
	n, err := s.store.QueuedMessages.CancelAll(ctx, queueKey, lane)
	if err != nil {
		return 0, &Error{Op: "cancel_queued", ID: queueKey, Err: err}
	}
	return n, nil
}

// QueueStatus is get_status's response shape.
type QueueStatus struct {
	ImplementationDepth int
	PlannerDepth        int
}

// GetStatus implements get_status(queue_key): depth of both lanes.
func (s *Service) GetStatus(ctx context.Context, queueKey string) (QueueStatus, error) {
	impl, err := s.store.QueuedMessages.Count(ctx, queueKey, LaneImplementation)
	if err != nil {
		return QueueStatus{}, &Error{Op: "get_status", ID: queueKey, Err: err}
	}
	planner, err := s.store.QueuedMessages.Count(ctx, queueKey, LanePlanner)
	if err != nil {
		return QueueStatus{}, &Error{Op: "get_status", ID: queueKey, Err: err}
	}
	return QueueStatus{ImplementationDepth: impl, PlannerDepth: planner}, nil
}
