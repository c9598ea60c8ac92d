package models

import (
	"strings"
	"time"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelBoth  Channel = "both"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelVoice, ChannelBoth:
		return true
	}
	return false
}

// IncludesSMS reports whether the channel delivers a text message.
func (c Channel) IncludesSMS() bool { return c == ChannelSMS || c == ChannelBoth }

// IncludesVoice reports whether the channel places a call.
func (c Channel) IncludesVoice() bool { return c == ChannelVoice || c == ChannelBoth }

type ReminderStatus string

const (
	ReminderPending     ReminderStatus = "pending"
	ReminderDispatching ReminderStatus = "dispatching"
	ReminderSent        ReminderStatus = "sent"
	ReminderConfirmed   ReminderStatus = "confirmed"
	ReminderFailed      ReminderStatus = "failed"
	ReminderCancelled   ReminderStatus = "cancelled"
)

// Terminal reports whether no further dispatch happens unless the reminder is snoozed.
func (s ReminderStatus) Terminal() bool {
	switch s {
	case ReminderSent, ReminderConfirmed, ReminderFailed, ReminderCancelled:
		return true
	}
	return false
}

type Reminder struct {
	ID          int64          `db:"id" json:"id"`
	OwnerID     int64          `db:"owner_id" json:"owner_id"`
	Title       string         `db:"title" json:"title"`
	Description *string        `db:"description" json:"description,omitempty"`
	Target      string         `db:"target" json:"target"`
	ScheduledAt time.Time      `db:"scheduled_at" json:"scheduled_at"`
	Channel     Channel        `db:"channel" json:"channel"`
	Status      ReminderStatus `db:"status" json:"status"`
	RetryCount  int            `db:"retry_count" json:"retry_count"`
	MaxRetries  int            `db:"max_retries" json:"max_retries"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// IsWakeup reports whether the reminder asks to wake someone up.
func (r *Reminder) IsWakeup() bool {
	if strings.Contains(strings.ToLower(r.Title), "wake") {
		return true
	}
	return r.Description != nil && strings.Contains(strings.ToLower(*r.Description), "wake")
}

func (r *Reminder) DescriptionText() string {
	if r.Description == nil {
		return ""
	}
	return strings.TrimSpace(*r.Description)
}

type CampaignState string

const (
	CampaignActive       CampaignState = "active"
	CampaignConfirmed    CampaignState = "confirmed"
	CampaignFallbackSent CampaignState = "fallback_sent"
	CampaignExhausted    CampaignState = "exhausted"
	CampaignAborted      CampaignState = "aborted"
	CampaignCancelled    CampaignState = "cancelled"
)

type WakeupCampaign struct {
	ID             int64         `db:"id" json:"id"`
	ReminderID     int64         `db:"reminder_id" json:"reminder_id"`
	Attempt        int           `db:"attempt" json:"attempt"`
	MaxAttempts    int           `db:"max_attempts" json:"max_attempts"`
	RetryDelay     time.Duration `db:"retry_delay" json:"retry_delay"`
	AttemptTimeout time.Duration `db:"attempt_timeout" json:"attempt_timeout"`
	SMSFallback    bool          `db:"sms_fallback" json:"sms_fallback"`
	Confirmed      bool          `db:"confirmed" json:"confirmed"`
	State          CampaignState `db:"state" json:"state"`
	CurrentCallID  *string       `db:"current_call_id" json:"current_call_id,omitempty"`
	NextAttemptAt  *time.Time    `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError      *string       `db:"last_error" json:"last_error,omitempty"`
	StartedAt      time.Time     `db:"started_at" json:"started_at"`
	FinishedAt     *time.Time    `db:"finished_at" json:"finished_at,omitempty"`
}

type CallType string

const (
	CallTypeWakeup  CallType = "wakeup"
	CallTypeTask    CallType = "task"
	CallTypeGeneral CallType = "general"
)

// TaskKind selects the opening script of a task call.
type TaskKind string

const (
	TaskAppointmentReschedule TaskKind = "appointment_reschedule"
	TaskRestaurantBooking     TaskKind = "restaurant_booking"
	TaskDeliveryUpdate        TaskKind = "delivery_update"
	TaskGeneral               TaskKind = "general_task"
)

func (k TaskKind) Valid() bool {
	switch k {
	case TaskAppointmentReschedule, TaskRestaurantBooking, TaskDeliveryUpdate, TaskGeneral:
		return true
	}
	return false
}

type CallState string

const (
	CallInitiated  CallState = "initiated"
	CallRinging    CallState = "ringing"
	CallInProgress CallState = "in_progress"
	CallCompleted  CallState = "completed"
	CallFailed     CallState = "failed"
	CallNoAnswer   CallState = "no_answer"
	CallBusy       CallState = "busy"
)

func (s CallState) Terminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallNoAnswer, CallBusy:
		return true
	}
	return false
}

// Rank orders the non-terminal states so stale callbacks cannot move a call backwards.
func (s CallState) Rank() int {
	switch s {
	case CallInitiated:
		return 0
	case CallRinging:
		return 1
	case CallInProgress:
		return 2
	default:
		return 3
	}
}

type CallResult string

const (
	ResultNone        CallResult = ""
	ResultConfirmed   CallResult = "confirmed"
	ResultUnconfirmed CallResult = "ended_unconfirmed"
)

type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorTransient ErrorKind = "transient"
	ErrorFatal     ErrorKind = "fatal"
)

type CallSession struct {
	CallID          string     `db:"call_id" json:"call_id"`
	CampaignID      *int64     `db:"campaign_id" json:"campaign_id,omitempty"`
	ReminderID      *int64     `db:"reminder_id" json:"reminder_id,omitempty"`
	Attempt         int        `db:"attempt" json:"attempt"`
	Target          string     `db:"target" json:"target"`
	CallType        CallType   `db:"call_type" json:"call_type"`
	TaskKind        TaskKind   `db:"task_kind" json:"task_kind,omitempty"`
	TaskDescription string     `db:"task_description" json:"task_description,omitempty"`
	State           CallState  `db:"state" json:"state"`
	Result          CallResult `db:"result" json:"result,omitempty"`
	ErrorKind       ErrorKind  `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage    *string    `db:"error_message" json:"error_message,omitempty"`
	Round           int        `db:"round" json:"round"`
	Reprompts       int        `db:"reprompts" json:"reprompts"`
	InitiatedAt     time.Time  `db:"initiated_at" json:"initiated_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Settled reports whether the attempt has an outcome the orchestrator can act on.
func (s *CallSession) Settled() bool {
	return s.Result == ResultConfirmed || s.State.Terminal()
}

type Speaker string

const (
	SpeakerSystem Speaker = "system"
	SpeakerHuman  Speaker = "human"
)

type Modality string

const (
	ModalitySpeech   Modality = "speech"
	ModalityKeypress Modality = "keypress"
)

type Turn struct {
	CallID    string    `db:"call_id" json:"call_id"`
	Seq       int       `db:"seq" json:"seq"`
	Speaker   Speaker   `db:"speaker" json:"speaker"`
	Modality  Modality  `db:"modality" json:"modality"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HumanTurnSeq is the transcript position of the human input for a gather round.
func HumanTurnSeq(round int) int { return 2 * round }

// ReplyTurnSeq is the transcript position of the system reply to a gather round.
func ReplyTurnSeq(round int) int { return 2*round + 1 }

// OpeningTurnSeq is the transcript position of the first system line.
const OpeningTurnSeq = 1
