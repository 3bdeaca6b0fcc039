package testkit

import (
	"context"
	"sync"

	"github.com/dante-gpu/dante-messaging/internal/events"
)

// RecordedEvent is one captured dispatch.
type RecordedEvent struct {
	TenantID string
	Event    string
	Payload  interface{}
}

// RecordedBroadcast is one captured progress update.
type RecordedBroadcast struct {
	Topic   string
	Payload interface{}
}

// Recorder captures events and broadcasts in memory.
type Recorder struct {
	mu         sync.Mutex
	events     []RecordedEvent
	broadcasts []RecordedBroadcast
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Dispatch(ctx context.Context, tenantID, event string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{TenantID: tenantID, Event: event, Payload: payload})
	return nil
}

func (r *Recorder) Broadcast(ctx context.Context, topic string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, RecordedBroadcast{Topic: topic, Payload: payload})
	return nil
}

// Events returns the names of the dispatched events in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.Event)
	}
	return names
}

// Has reports whether event was dispatched.
func (r *Recorder) Has(event string) bool {
	for _, name := range r.Events() {
		if name == event {
			return true
		}
	}
	return false
}

// Broadcasts returns the captured broadcasts on topic.
func (r *Recorder) Broadcasts(topic string) []RecordedBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedBroadcast
	for _, b := range r.broadcasts {
		if b.Topic == topic {
			out = append(out, b)
		}
	}
	return out
}

var (
	_ events.Dispatcher  = (*Recorder)(nil)
	_ events.Broadcaster = (*Recorder)(nil)
)
