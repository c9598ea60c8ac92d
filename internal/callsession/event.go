package callsession

import (
	"fmt"
	"time"

	"voip-notify/internal/models"
)

// EventType is the provider-neutral kind of a call callback.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventCompleted EventType = "completed"
	EventNoAnswer  EventType = "no_answer"
	EventBusy      EventType = "busy"
	EventFailed    EventType = "failed"
	EventError     EventType = "error"

	EventKeypress EventType = "keypress"
	EventSpeech   EventType = "speech"
	// EventTimeout is a gather that ended without input.
	EventTimeout EventType = "timeout"
)

// Event is a normalized provider callback.
type Event struct {
	Type   EventType
	CallID string
	// Sequence is the gather round the input answers. Input events need one.
	Sequence     int
	Digits       string
	Speech       string
	ErrorCode    int
	ErrorMessage string
	ErrorKind    models.ErrorKind
	ReceivedAt   time.Time
}

func (e Event) IsInput() bool {
	switch e.Type {
	case EventKeypress, EventSpeech, EventTimeout:
		return true
	}
	return false
}

// Key identifies the event for idempotent application.
func (e Event) Key(round int) string {
	if e.IsInput() {
		return fmt.Sprintf("input:%d", round)
	}
	return string(e.Type)
}

func (e Event) state() (models.CallState, bool) {
	switch e.Type {
	case EventInitiated:
		return models.CallInitiated, true
	case EventRinging:
		return models.CallRinging, true
	case EventAnswered:
		return models.CallInProgress, true
	case EventCompleted:
		return models.CallCompleted, true
	case EventNoAnswer:
		return models.CallNoAnswer, true
	case EventBusy:
		return models.CallBusy, true
	case EventFailed, EventError:
		return models.CallFailed, true
	}
	return "", false
}
