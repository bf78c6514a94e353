package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// PublisherConfig controls batching and async-vs-sync publish behavior;
// it carries no multi-tenant identity fields, since this is a
// single-node daemon.
type PublisherConfig struct {
	Enabled     bool
	Async       bool
	BatchSize   int
	FlushPeriod time.Duration
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Enabled:     true,
		Async:       true,
		BatchSize:   50,
		FlushPeriod: 250 * time.Millisecond,
	}
}

// Publisher batches and publishes CloudEvents onto the JetStream stream.
type Publisher struct {
	js     nats.JetStreamContext
	config PublisherConfig

	mu      sync.Mutex
	batch   []*pendingEvent
	stopCh  chan struct{}
	started bool
}

type pendingEvent struct {
	subject string
	event   *CloudEvent
}

func NewPublisher(js nats.JetStreamContext, config PublisherConfig) (*Publisher, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context is required")
	}
	return &Publisher{
		js:     js,
		config: config,
		batch:  make([]*pendingEvent, 0, config.BatchSize),
		stopCh: make(chan struct{}),
	}, nil
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || !p.config.Enabled {
		return nil
	}
	if p.config.Async {
		go p.flushLoop()
	}
	p.started = true
	return nil
}

func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	close(p.stopCh)
	return p.flush()
}

func (p *Publisher) flushLoop() {
	ticker := time.NewTicker(p.config.FlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.flush()
		}
	}
}

func (p *Publisher) flush() error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	toFlush := p.batch
	p.batch = make([]*pendingEvent, 0, p.config.BatchSize)
	p.mu.Unlock()

	var lastErr error
	for _, pe := range toFlush {
		if err := p.publishDirect(pe.subject, pe.event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Publish publishes a domain event of the given type, wrapping data in
// a CloudEvent envelope and routing it to kagan.events.<type>.
func (p *Publisher) Publish(ctx context.Context, eventType string, data any) error {
	if !p.config.Enabled {
		return nil
	}

	event := NewCloudEvent(eventType, EventSourcePrefix)
	if err := event.WithData(data); err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	subject := p.subjectForType(eventType)
	if p.config.Async {
		return p.publishAsync(subject, event)
	}
	return p.publishDirect(subject, event)
}

func (p *Publisher) publishAsync(subject string, event *CloudEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.batch = append(p.batch, &pendingEvent{subject: subject, event: event})
	if len(p.batch) >= p.config.BatchSize {
		go func() { _ = p.flush() }()
	}
	return nil
}

func (p *Publisher) publishDirect(subject string, event *CloudEvent) error {
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event to %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) subjectForType(eventType string) string {
	return fmt.Sprintf("kagan.events.%s", eventType)
}

func (p *Publisher) PublishTaskStatusChanged(ctx context.Context, data TaskStatusChangedData) error {
	return p.Publish(ctx, EventTypeTaskStatusChanged, data)
}

func (p *Publisher) PublishTaskCreated(ctx context.Context, data TaskCreatedData) error {
	return p.Publish(ctx, EventTypeTaskCreated, data)
}

func (p *Publisher) PublishWorkspaceProvisioned(ctx context.Context, data WorkspaceProvisionedData) error {
	return p.Publish(ctx, EventTypeWorkspaceProvisioned, data)
}

func (p *Publisher) PublishWorkspaceArchived(ctx context.Context, data WorkspaceArchivedData) error {
	return p.Publish(ctx, EventTypeWorkspaceArchived, data)
}

func (p *Publisher) PublishAutomationTaskStarted(ctx context.Context, data AutomationTaskStartedData) error {
	return p.Publish(ctx, EventTypeAutomationTaskStarted, data)
}

func (p *Publisher) PublishAutomationTaskStopped(ctx context.Context, data AutomationTaskStoppedData) error {
	return p.Publish(ctx, EventTypeAutomationTaskStopped, data)
}

func (p *Publisher) PublishReviewCompleted(ctx context.Context, data ReviewCompletedData) error {
	return p.Publish(ctx, EventTypeReviewCompleted, data)
}

func (p *Publisher) PublishMergeCompleted(ctx context.Context, data MergeCompletedData) error {
	return p.Publish(ctx, EventTypeMergeCompleted, data)
}

func (p *Publisher) PublishJobStatusChanged(ctx context.Context, data JobStatusChangedData) error {
	return p.Publish(ctx, EventTypeJobStatusChanged, data)
}

func (p *Publisher) PublishCoreHostDraining(ctx context.Context, data CoreHostLifecycleData) error {
	return p.Publish(ctx, EventTypeCoreHostDraining, data)
}

func (p *Publisher) PublishCoreHostStopped(ctx context.Context, data CoreHostLifecycleData) error {
	return p.Publish(ctx, EventTypeCoreHostStopped, data)
}
