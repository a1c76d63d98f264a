package workflow

import (
	"sync"

	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/model"
)

// Sink receives progress events. Publish must not block the run.
type Sink interface {
	Publish(ev model.ProgressEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev model.ProgressEvent)

// Publish calls f.
func (f SinkFunc) Publish(ev model.ProgressEvent) { f(ev) }

// MultiSink publishes to every sink in order.
type MultiSink []Sink

// Publish forwards ev to each sink.
func (m MultiSink) Publish(ev model.ProgressEvent) {
	for _, s := range m {
		s.Publish(ev)
	}
}

type discardSink struct{}

func (discardSink) Publish(model.ProgressEvent) {}

// LogSink writes progress events to the global zap logger.
type LogSink struct{}

// Publish logs ev at info level, or debug for phase starts.
func (LogSink) Publish(ev model.ProgressEvent) {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.String("event", string(ev.Kind)),
	}
	if ev.Phase > 0 {
		fields = append(fields, zap.Int("phase", ev.Phase))
	}
	if ev.NodeID != "" {
		fields = append(fields,
			zap.String("node", ev.NodeID),
			zap.String("status", string(ev.Status)),
			zap.Int("attempts", ev.Attempts),
		)
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Int64("duration_ms", ev.Duration.Milliseconds()))
	}

	if ev.Kind == model.ProgressPhaseStarted {
		zap.L().Debug("workflow: progress", fields...)
		return
	}
	zap.L().Info("workflow: progress", fields...)
}

// Broadcaster fans events out to per-run subscribers. A slow subscriber
// loses events rather than stalling the run. Subscriptions for a run are
// closed after its run_completed event.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan model.ProgressEvent]struct{}
	done map[string]bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[chan model.ProgressEvent]struct{}),
		done: make(map[string]bool),
	}
}

// Subscribe returns a channel of events for runID and a cancel func. When the
// run has already completed the channel is returned closed.
func (b *Broadcaster) Subscribe(runID string, buffer int) (<-chan model.ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.ProgressEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done[runID] {
		close(ch)
		return ch, func() {}
	}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan model.ProgressEvent]struct{})
	}
	b.subs[runID][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[runID][ch]; ok {
				delete(b.subs[runID], ch)
				close(ch)
			}
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
		})
	}
}

// Publish delivers ev to the run's subscribers without blocking.
func (b *Broadcaster) Publish(ev model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
			zap.L().Debug("workflow: dropped progress event for slow subscriber",
				zap.String("run_id", ev.RunID),
				zap.String("event", string(ev.Kind)),
			)
		}
	}

	if ev.Kind == model.ProgressRunCompleted {
		for ch := range b.subs[ev.RunID] {
			close(ch)
		}
		delete(b.subs, ev.RunID)
		b.done[ev.RunID] = true
	}
}

// Completed reports whether runID has published run_completed.
func (b *Broadcaster) Completed(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done[runID]
}
