package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamConfig configures the JetStream stream backing Kagan's event bus.
type StreamConfig struct {
	StreamName string
	Subjects   []string
	MaxAge     time.Duration
	MaxBytes   int64
	MaxMsgs    int64
	Storage    nats.StorageType
}

// DefaultStreamConfig retains 24h of events and bounds the stream at
// 200k messages — large enough to outrun any burst the automation
// engine could produce in a day, but finite, satisfying spec §9's
// "bounded, not literally unbounded" reading of the in-process queue.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		StreamName: "KAGAN_EVENTS",
		Subjects:   []string{"kagan.events.>"},
		MaxAge:     24 * time.Hour,
		MaxBytes:   256 << 20,
		MaxMsgs:    200_000,
		Storage:    nats.FileStorage,
	}
}

// Stream manages the JetStream stream lifecycle.
type Stream struct {
	js     nats.JetStreamContext
	config StreamConfig
}

func NewStream(js nats.JetStreamContext, config StreamConfig) (*Stream, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context is required")
	}
	if config.StreamName == "" {
		config = DefaultStreamConfig()
	}
	return &Stream{js: js, config: config}, nil
}

func (s *Stream) EnsureStream(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:        s.config.StreamName,
		Description: "Kagan core domain events",
		Subjects:    s.config.Subjects,
		MaxAge:      s.config.MaxAge,
		MaxBytes:    s.config.MaxBytes,
		MaxMsgs:     s.config.MaxMsgs,
		Replicas:    1,
		Storage:     s.config.Storage,
		Retention:   nats.LimitsPolicy,
		Discard:     nats.DiscardOld,
	}

	if _, err := s.js.StreamInfo(s.config.StreamName); err != nil {
		if err == nats.ErrStreamNotFound {
			if _, err := s.js.AddStream(streamConfig); err != nil {
				return fmt.Errorf("create event stream: %w", err)
			}
			return nil
		}
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := s.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("update event stream: %w", err)
	}
	return nil
}

// Subscribe creates a durable, explicitly-acked push subscription; the
// automation engine's queue worker is the sole subscriber in practice,
// consuming kagan.events.kagan.core.task.status_changed to drive the
// task lifecycle.
func (s *Stream) Subscribe(subject, durable string, handler func(*CloudEvent) error) (*nats.Subscription, error) {
	msgHandler := func(msg *nats.Msg) {
		var event CloudEvent
		if err := event.UnmarshalJSON(msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		if err := handler(&event); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := s.js.Subscribe(subject, msgHandler, nats.Durable(durable), nats.ManualAck(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
