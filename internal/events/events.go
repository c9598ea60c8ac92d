// Package events publishes reminder, campaign and call lifecycle events to
// downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const SchemaVersion = 1

type Type string

const (
	ReminderScheduled  Type = "reminder.scheduled"
	ReminderDispatched Type = "reminder.dispatched"
	ReminderRetrying   Type = "reminder.retrying"
	ReminderFailed     Type = "reminder.failed"
	ReminderCancelled  Type = "reminder.cancelled"
	ReminderSnoozed    Type = "reminder.snoozed"
	ReminderDeleted    Type = "reminder.deleted"

	CampaignStarted  Type = "campaign.started"
	CampaignAttempt  Type = "campaign.attempt"
	CampaignFinished Type = "campaign.finished"

	CallPlaced    Type = "call.placed"
	CallConfirmed Type = "call.confirmed"
	CallEnded     Type = "call.ended"
)

type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	ReminderID    int64     `json:"reminder_id,omitempty"`
	CampaignID    int64     `json:"campaign_id,omitempty"`
	CallID        string    `json:"call_id,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	State         string    `json:"state,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		SchemaVersion: SchemaVersion,
		OccurredAt:    time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t in publish order.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
