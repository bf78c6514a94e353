package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"kagan/internal/config"
)

// Bus wires together the embedded NATS server, a client connection to
// it, the JetStream stream, and the Publisher — the one object
// cmd/kagan-core constructs and hands to the automation engine.
type Bus struct {
	embedded *EmbeddedServer
	conn     *nats.Conn
	stream   *Stream
	Publisher *Publisher
}

func NewBus(cfg config.EventsConfig) (*Bus, error) {
	embedded := NewEmbeddedServer(cfg.Port, cfg.HTTPPort, cfg.StoreDir)
	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("start embedded event server: %w", err)
	}

	conn, err := nats.Connect(embedded.ClientURL())
	if err != nil {
		embedded.Shutdown()
		return nil, fmt.Errorf("connect to embedded event server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		embedded.Shutdown()
		return nil, fmt.Errorf("acquire JetStream context: %w", err)
	}

	stream, err := NewStream(js, DefaultStreamConfig())
	if err != nil {
		conn.Close()
		embedded.Shutdown()
		return nil, err
	}
	if err := stream.EnsureStream(context.Background()); err != nil {
		conn.Close()
		embedded.Shutdown()
		return nil, err
	}

	publisher, err := NewPublisher(js, DefaultPublisherConfig())
	if err != nil {
		conn.Close()
		embedded.Shutdown()
		return nil, err
	}
	if err := publisher.Start(context.Background()); err != nil {
		conn.Close()
		embedded.Shutdown()
		return nil, err
	}

	return &Bus{embedded: embedded, conn: conn, stream: stream, Publisher: publisher}, nil
}

// Subscribe exposes the underlying stream's durable-subscription API to
// consumers (the automation engine's queue worker).
func (b *Bus) Subscribe(subject, durable string, handler func(*CloudEvent) error) (*nats.Subscription, error) {
	return b.stream.Subscribe(subject, durable, handler)
}

func (b *Bus) Close() {
	if b.Publisher != nil {
		_ = b.Publisher.Stop()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
}
