package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real2ai/contract-cli/internal/model"
)

func drain(ch <-chan model.ProgressEvent) []model.ProgressEvent {
	var out []model.ProgressEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestBroadcaster_DeliversAndClosesOnRunCompleted(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("run-1", 8)
	defer cancel()
	other, cancelOther := b.Subscribe("run-2", 8)
	defer cancelOther()

	b.Publish(model.ProgressEvent{RunID: "run-1", Kind: model.ProgressPhaseStarted, Phase: 1})
	b.Publish(model.ProgressEvent{RunID: "run-1", Kind: model.ProgressNodeCompleted, NodeID: "financial_terms"})
	b.Publish(model.ProgressEvent{RunID: "run-1", Kind: model.ProgressRunCompleted})

	events := drain(ch)
	require.Len(t, events, 3)
	assert.Equal(t, "financial_terms", events[1].NodeID)
	assert.Equal(t, model.ProgressRunCompleted, events[2].Kind)
	assert.True(t, b.Completed("run-1"))
	assert.False(t, b.Completed("run-2"))

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for run-2: %+v", ev)
	default:
	}
}

func TestBroadcaster_SubscribeAfterCompletion(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(model.ProgressEvent{RunID: "done", Kind: model.ProgressRunCompleted})

	ch, cancel := b.Subscribe("done", 0)
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("run", 1)
	defer cancel()

	for range 5 {
		b.Publish(model.ProgressEvent{RunID: "run", Kind: model.ProgressNodeCompleted})
	}
	b.Publish(model.ProgressEvent{RunID: "run", Kind: model.ProgressRunCompleted})

	events := drain(ch)
	assert.Len(t, events, 1)
}

func TestBroadcaster_CancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("run", 4)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	b.Publish(model.ProgressEvent{RunID: "run", Kind: model.ProgressNodeCompleted})
	b.Publish(model.ProgressEvent{RunID: "run", Kind: model.ProgressRunCompleted})
}

func TestBroadcaster_CancelReleasesIdleRun(t *testing.T) {
	b := NewBroadcaster()
	_, cancelA := b.Subscribe("never-completed", 1)
	_, cancelB := b.Subscribe("never-completed", 1)

	cancelA()
	b.mu.Lock()
	assert.Len(t, b.subs["never-completed"], 1)
	b.mu.Unlock()

	cancelB()
	b.mu.Lock()
	_, ok := b.subs["never-completed"]
	b.mu.Unlock()
	assert.False(t, ok, "last unsubscribe drops the run entry")

	ch, cancel := b.Subscribe("never-completed", 1)
	defer cancel()
	b.Publish(model.ProgressEvent{RunID: "never-completed", Kind: model.ProgressNodeCompleted})
	ev := <-ch
	assert.Equal(t, model.ProgressNodeCompleted, ev.Kind)
}

func TestMultiSink(t *testing.T) {
	var a, c int
	s := MultiSink{
		SinkFunc(func(model.ProgressEvent) { a++ }),
		LogSink{},
		SinkFunc(func(model.ProgressEvent) { c++ }),
	}
	s.Publish(model.ProgressEvent{RunID: "r", Kind: model.ProgressPhaseStarted, Phase: 1})
	s.Publish(model.ProgressEvent{RunID: "r", Kind: model.ProgressNodeCompleted, NodeID: "n", Status: model.NodeStatusSuccess})
	assert.Equal(t, 2, a)
	assert.Equal(t, 2, c)
}
