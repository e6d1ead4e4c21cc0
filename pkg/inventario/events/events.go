// Package events publishes inventory changes (agent syncs and key lifecycle)
// so other systems can react without polling the database.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types. They double as AMQP routing keys.
const (
	TypeEquipmentSynced         = "equipment.synced"
	TypeSoftwareSynced          = "software.synced"
	TypeEquipmentSoftwareSynced = "equipment.software.synced"
	TypeAgentKeyIssued          = "agent_key.issued"
	TypeAgentKeyRevoked         = "agent_key.revoked"
	TypeAgentKeyReactivated     = "agent_key.reactivated"
)

// Event is the envelope sent to the broker
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New stamps an event with the current time
func New(eventType string, data any) Event {
	return Event{Type: eventType, OccurredAt: time.Now().UTC(), Data: data}
}

// Publisher delivers events to subscribers
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Emit publishes ev and logs a failure instead of returning it. Request
// handlers use it after their transaction has committed.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil && logger != nil {
		logger.Warn("publish event", "type", ev.Type, "error", err)
	}
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of each published event, in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}
