// Package provider normalizes telephony provider callbacks into
// callsession events and SMS notifications.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voip-notify/internal/callsession"
	"voip-notify/internal/gateway/twilio"
	"voip-notify/internal/models"
)

var ErrInvalidCallback = errors.New("invalid provider callback")

// SMSStatus is a delivery report for an outbound message.
type SMSStatus struct {
	MessageID string
	Status    string
	ErrorCode int
}

// InboundSMS is a text message sent by a human to our number.
type InboundSMS struct {
	MessageID string
	From      string
	To        string
	Body      string
}

// Callback is one normalized provider callback. Exactly one field is set.
type Callback struct {
	Call      *callsession.Event
	SMSStatus *SMSStatus
	Inbound   *InboundSMS
}

// GenericCallback is the provider-neutral JSON callback shape.
type GenericCallback struct {
	EventType string `json:"event_type" validate:"required"`
	CallID    string `json:"call_id"`
	MessageID string `json:"message_id"`
	Sequence  int    `json:"sequence" validate:"gte=0"`
	Payload   struct {
		From         string `json:"from"`
		To           string `json:"to"`
		Body         string `json:"body"`
		Digits       string `json:"digits"`
		SpeechResult string `json:"speech_result"`
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"payload"`
}

var genericCallEvents = map[string]callsession.EventType{
	"call.initiated":      callsession.EventInitiated,
	"call.ringing":        callsession.EventRinging,
	"call.answered":       callsession.EventAnswered,
	"call.completed":      callsession.EventCompleted,
	"call.no_answer":      callsession.EventNoAnswer,
	"call.busy":           callsession.EventBusy,
	"call.failed":         callsession.EventFailed,
	"call.error":          callsession.EventError,
	"call.keypress":       callsession.EventKeypress,
	"call.speech":         callsession.EventSpeech,
	"call.gather_timeout": callsession.EventTimeout,
}

// ParseGeneric decodes a JSON callback.
func ParseGeneric(raw []byte, now time.Time) (Callback, error) {
	var g GenericCallback
	if err := json.Unmarshal(raw, &g); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	return g.Normalize(now)
}

func (g GenericCallback) Normalize(now time.Time) (Callback, error) {
	switch g.EventType {
	case "sms.received":
		if g.Payload.From == "" {
			return Callback{}, fmt.Errorf("%w: sms.received without from", ErrInvalidCallback)
		}
		return Callback{Inbound: &InboundSMS{MessageID: g.MessageID, From: g.Payload.From, To: g.Payload.To, Body: g.Payload.Body}}, nil
	case "sms.delivered", "sms.failed", "sms.undelivered":
		return Callback{SMSStatus: &SMSStatus{
			MessageID: g.MessageID,
			Status:    strings.TrimPrefix(g.EventType, "sms."),
			ErrorCode: g.Payload.ErrorCode,
		}}, nil
	}

	typ, ok := genericCallEvents[g.EventType]
	if !ok {
		return Callback{}, fmt.Errorf("%w: unknown event_type %q", ErrInvalidCallback, g.EventType)
	}
	if strings.TrimSpace(g.CallID) == "" {
		return Callback{}, fmt.Errorf("%w: missing call_id", ErrInvalidCallback)
	}
	if isInput(typ) && g.Sequence < 1 {
		return Callback{}, fmt.Errorf("%w: %s without sequence", ErrInvalidCallback, g.EventType)
	}

	ev := callsession.Event{
		Type:         typ,
		CallID:       g.CallID,
		Sequence:     g.Sequence,
		Digits:       strings.TrimSpace(g.Payload.Digits),
		Speech:       strings.TrimSpace(g.Payload.SpeechResult),
		ErrorCode:    g.Payload.ErrorCode,
		ErrorMessage: g.Payload.ErrorMessage,
		ReceivedAt:   now,
	}
	if typ == callsession.EventFailed || typ == callsession.EventError {
		ev.ErrorKind = errorKind(typ, g.Payload.ErrorCode)
	}
	return Callback{Call: &ev}, nil
}

func isInput(t callsession.EventType) bool {
	return callsession.Event{Type: t}.IsInput()
}

// Form is the subset of url.Values the Twilio parsers read.
type Form interface {
	Get(key string) string
}

var twilioCallStatus = map[string]callsession.EventType{
	"queued":      callsession.EventInitiated,
	"initiated":   callsession.EventInitiated,
	"ringing":     callsession.EventRinging,
	"in-progress": callsession.EventAnswered,
	"answered":    callsession.EventAnswered,
	"completed":   callsession.EventCompleted,
	"busy":        callsession.EventBusy,
	"no-answer":   callsession.EventNoAnswer,
	"failed":      callsession.EventFailed,
	"canceled":    callsession.EventFailed,
}

// TwilioStatus parses a voice status callback.
func TwilioStatus(form Form, now time.Time) (callsession.Event, error) {
	callID := form.Get("CallSid")
	if callID == "" {
		return callsession.Event{}, fmt.Errorf("%w: missing CallSid", ErrInvalidCallback)
	}
	status := form.Get("CallStatus")
	typ, ok := twilioCallStatus[status]
	if !ok {
		return callsession.Event{}, fmt.Errorf("%w: unknown CallStatus %q", ErrInvalidCallback, status)
	}

	ev := callsession.Event{Type: typ, CallID: callID, ReceivedAt: now}
	if code, err := strconv.Atoi(form.Get("ErrorCode")); err == nil {
		ev.ErrorCode = code
		ev.ErrorMessage = form.Get("ErrorMessage")
	}
	if typ == callsession.EventFailed {
		ev.ErrorKind = errorKind(typ, ev.ErrorCode)
	}
	return ev, nil
}

// TwilioGather parses a gather action callback. seq is the round from the
// action URL.
func TwilioGather(form Form, seq string, now time.Time) (callsession.Event, error) {
	callID := form.Get("CallSid")
	if callID == "" {
		return callsession.Event{}, fmt.Errorf("%w: missing CallSid", ErrInvalidCallback)
	}
	round, err := strconv.Atoi(seq)
	if err != nil || round < 1 {
		return callsession.Event{}, fmt.Errorf("%w: invalid seq %q", ErrInvalidCallback, seq)
	}

	ev := callsession.Event{
		CallID:     callID,
		Sequence:   round,
		Digits:     strings.TrimSpace(form.Get("Digits")),
		Speech:     strings.TrimSpace(form.Get("SpeechResult")),
		ReceivedAt: now,
	}
	switch {
	case ev.Digits != "":
		ev.Type = callsession.EventKeypress
	case ev.Speech != "":
		ev.Type = callsession.EventSpeech
	default:
		ev.Type = callsession.EventTimeout
	}
	return ev, nil
}

func TwilioSMSStatus(form Form) (SMSStatus, error) {
	id := form.Get("MessageSid")
	if id == "" {
		return SMSStatus{}, fmt.Errorf("%w: missing MessageSid", ErrInvalidCallback)
	}
	st := SMSStatus{MessageID: id, Status: form.Get("MessageStatus")}
	st.ErrorCode, _ = strconv.Atoi(form.Get("ErrorCode"))
	return st, nil
}

func TwilioInboundSMS(form Form) (InboundSMS, error) {
	from := form.Get("From")
	if from == "" {
		return InboundSMS{}, fmt.Errorf("%w: missing From", ErrInvalidCallback)
	}
	return InboundSMS{
		MessageID: form.Get("MessageSid"),
		From:      from,
		To:        form.Get("To"),
		Body:      form.Get("Body"),
	}, nil
}

// errorKind classifies a failed call. Error callbacks are always fatal.
func errorKind(typ callsession.EventType, code int) models.ErrorKind {
	if typ == callsession.EventError || (code != 0 && twilio.IsFatalCode(code)) {
		return models.ErrorFatal
	}
	return models.ErrorTransient
}
