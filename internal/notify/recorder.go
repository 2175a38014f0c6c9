package notify

import (
	"context"
	"log/slog"
	"sync"
)

// SlogNotifier logs events instead of delivering them. Used in demo mode when
// no notification endpoint is configured.
type SlogNotifier struct {
	logger *slog.Logger
}

// NewSlogNotifier creates a logging notifier.
func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	return &SlogNotifier{logger: logger}
}

func (n *SlogNotifier) Notify(ctx context.Context, event *Event) {
	n.logger.Info("notification",
		"event", event.Type,
		"recipients", event.Recipients,
		"data", event.Data,
	)
}

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(ctx context.Context, event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a snapshot of captured events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Types returns the captured event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var (
	_ Notifier = (*SlogNotifier)(nil)
	_ Notifier = (*Recorder)(nil)
)
