package notify

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
)

func TestPublisherRoutesEventsByKind(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pub := NewPublisher(ps, WithTopicPrefix("approvals."))
	escalations, err := ps.Subscribe(ctx, pub.Topic(engine.EventEscalate))
	require.NoError(t, err)
	assert.Equal(t, "approvals.escalate", pub.Topic(engine.EventEscalate))

	deadline := time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC)
	evt := engine.Event{
		Instance:   &workflow.Instance{ID: "inst-1", CurrentStep: "review"},
		Assignment: &workflow.Assignment{ID: "a-2", Role: "director", Deadline: &deadline},
		Previous:   &workflow.Assignment{ID: "a-1", Role: "manager"},
		At:         deadline,
	}
	require.NoError(t, pub.OnEscalate(ctx, evt))

	select {
	case msg := <-escalations:
		msg.Ack()
		assert.Equal(t, "escalate", msg.Metadata.Get(MetaKind))
		assert.Equal(t, "inst-1", msg.Metadata.Get(MetaInstanceID))
		decoded, err := DecodeEvent(msg)
		require.NoError(t, err)
		assert.Equal(t, engine.EventEscalate, decoded.Kind)
		assert.Equal(t, "a-1", decoded.Previous.ID)
		assert.True(t, decoded.Assignment.Deadline.Equal(deadline))
	case <-ctx.Done():
		t.Fatal("expected an escalate message")
	}
}

func TestLogNotifierWritesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	n := NewLog(workflow.NewFmtLogger(buf))
	require.NoError(t, n.OnOverdue(context.Background(), engine.Event{
		Instance:   &workflow.Instance{ID: "inst-9", CurrentStep: "fix"},
		Assignment: &workflow.Assignment{User: "mia"},
		Reason:     "no escalation target",
	}))
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "instance_id=inst-9")
	assert.Contains(t, out, "assignee=mia")
}
