// Package notify contains notification sinks for engine events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
)

const DefaultTopicPrefix = "workflow"

// Metadata keys set on every published message.
const (
	MetaKind       = "kind"
	MetaInstanceID = "instance_id"
	MetaAssignee   = "assignee"
)

// Publisher forwards engine events to a watermill publisher, one topic per
// event kind: "<prefix>.assign", "<prefix>.overdue", and so on.
type Publisher struct {
	pub    message.Publisher
	prefix string
	newID  func() string
}

var _ engine.Notifier = (*Publisher)(nil)

type PublisherOption func(*Publisher)

func WithTopicPrefix(prefix string) PublisherOption {
	return func(p *Publisher) {
		if prefix = strings.Trim(strings.TrimSpace(prefix), "."); prefix != "" {
			p.prefix = prefix
		}
	}
}

func WithMessageIDs(fn func() string) PublisherOption {
	return func(p *Publisher) {
		if fn != nil {
			p.newID = fn
		}
	}
}

func NewPublisher(pub message.Publisher, opts ...PublisherOption) *Publisher {
	p := &Publisher{pub: pub, prefix: DefaultTopicPrefix, newID: watermill.NewUUID}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Topic returns the topic events of the given kind are published on.
func (p *Publisher) Topic(kind engine.EventKind) string {
	return p.prefix + "." + string(kind)
}

func (p *Publisher) OnAssign(ctx context.Context, evt engine.Event) error {
	return p.publish(ctx, engine.EventAssign, evt)
}

func (p *Publisher) BeforeDeadline(ctx context.Context, evt engine.Event) error {
	return p.publish(ctx, engine.EventBeforeDeadline, evt)
}

func (p *Publisher) OnOverdue(ctx context.Context, evt engine.Event) error {
	return p.publish(ctx, engine.EventOverdue, evt)
}

func (p *Publisher) OnEscalate(ctx context.Context, evt engine.Event) error {
	return p.publish(ctx, engine.EventEscalate, evt)
}

func (p *Publisher) publish(ctx context.Context, kind engine.EventKind, evt engine.Event) error {
	if evt.Kind == "" {
		evt.Kind = kind
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	msg := message.NewMessage(p.newID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetaKind, string(kind))
	if evt.Instance != nil {
		msg.Metadata.Set(MetaInstanceID, evt.Instance.ID)
	}
	if evt.Assignment != nil {
		msg.Metadata.Set(MetaAssignee, evt.Assignment.Assignee())
	}
	if err := p.pub.Publish(p.Topic(kind), msg); err != nil {
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	return nil
}

// DecodeEvent reads an event published by Publisher.
func DecodeEvent(msg *message.Message) (engine.Event, error) {
	var evt engine.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return evt, fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return evt, nil
}

// Log writes every event to a logger.
type Log struct {
	logger workflow.Logger
}

var _ engine.Notifier = (*Log)(nil)

func NewLog(logger workflow.Logger) *Log {
	return &Log{logger: workflow.NormalizeLogger(logger)}
}

func (l *Log) OnAssign(ctx context.Context, evt engine.Event) error {
	l.write(ctx, engine.EventAssign, evt)
	return nil
}

func (l *Log) BeforeDeadline(ctx context.Context, evt engine.Event) error {
	l.write(ctx, engine.EventBeforeDeadline, evt)
	return nil
}

func (l *Log) OnOverdue(ctx context.Context, evt engine.Event) error {
	l.write(ctx, engine.EventOverdue, evt)
	return nil
}

func (l *Log) OnEscalate(ctx context.Context, evt engine.Event) error {
	l.write(ctx, engine.EventEscalate, evt)
	return nil
}

func (l *Log) write(ctx context.Context, kind engine.EventKind, evt engine.Event) {
	fields := map[string]any{"event": string(kind)}
	if evt.Instance != nil {
		fields["instance_id"] = evt.Instance.ID
		fields["step"] = evt.Instance.CurrentStep
	}
	if evt.Assignment != nil {
		fields["assignee"] = evt.Assignment.Assignee()
		if evt.Assignment.Deadline != nil {
			fields["deadline"] = evt.Assignment.Deadline.Format(time.RFC3339)
		}
	}
	if evt.Previous != nil {
		fields["previous"] = evt.Previous.Assignee()
	}
	if evt.Reason != "" {
		fields["reason"] = evt.Reason
	}
	logger := workflow.WithLoggerFields(l.logger.WithContext(ctx), fields)
	if kind == engine.EventOverdue {
		logger.Warn("workflow notification: %s", kind)
		return
	}
	logger.Info("workflow notification: %s", kind)
}
