// Package conversation decides what the system says next on a call.
//
// The engine is a pure decision layer: it never talks to the provider or the
// store. The call session manager feeds it the session, the transcript so
// far and the latest human input, and renders the returned Decision.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"voip-notify/internal/metrics"
	"voip-notify/internal/models"
)

type Action string

const (
	// ActionGather says Text and then listens for the next round.
	ActionGather Action = "gather"
	// ActionHangup says Text and ends the call without confirmation.
	ActionHangup Action = "hangup"
	// ActionConfirm says Text and ends the call with a confirmation.
	ActionConfirm Action = "confirm"
)

type Decision struct {
	Action Action
	Text   string
	// Prompt is spoken while gathering. Empty for hangup decisions.
	Prompt string
	// Reprompt marks a repeated question that does not advance the dialogue.
	Reprompt bool
}

// Input is one round of human input. An empty Input means the gather timed out.
type Input struct {
	Digits string
	Speech string
}

func (in Input) Empty() bool {
	return strings.TrimSpace(in.Digits) == "" && strings.TrimSpace(in.Speech) == ""
}

func (in Input) Modality() models.Modality {
	if strings.TrimSpace(in.Digits) != "" {
		return models.ModalityKeypress
	}
	return models.ModalitySpeech
}

// Content is the transcript text of the input.
func (in Input) Content() string {
	if d := strings.TrimSpace(in.Digits); d != "" {
		return d
	}
	return strings.TrimSpace(in.Speech)
}

const (
	wakeupConfirmed   = "Great! You're awake. Have a wonderful day!"
	wakeupReprompt    = "I didn't understand that input. Please press %s to confirm you're awake."
	wakeupRepromptAsk = "Press %s to confirm you're awake."
	wakeupNoConfirm   = "No confirmation received. I'll call you again shortly."

	taskPrompt      = "Please respond to my request. I'm listening."
	taskListening   = "I'm listening for your response."
	taskConfirmed   = "Thank you for confirming. I'll proceed with that."
	taskBadKeypress = "I didn't understand that input. Please try again."
	taskBadAsk      = "Press %s to confirm, or speak your response."
	taskClose       = "Thank you for your time. Goodbye."
	taskFallback    = "I'm sorry, I didn't catch that. Could you please repeat?"
)

type Options struct {
	ConfirmDigit     string
	MaxTurns         int
	GeneratorTimeout time.Duration
	MaxReprompts     int
}

type Engine struct {
	gen  Generator
	opts Options
	log  *zap.Logger
}

func NewEngine(gen Generator, opts Options, log *zap.Logger) *Engine {
	if gen == nil {
		gen = Static{}
	}
	if opts.ConfirmDigit == "" {
		opts.ConfirmDigit = "1"
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 6
	}
	if opts.GeneratorTimeout <= 0 {
		opts.GeneratorTimeout = 4 * time.Second
	}
	if opts.MaxReprompts <= 0 {
		opts.MaxReprompts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{gen: gen, opts: opts, log: log}
}

// Opening is the first thing said when the call is answered.
func (e *Engine) Opening(sess *models.CallSession) Decision {
	switch sess.CallType {
	case models.CallTypeWakeup:
		text := "Good morning! This is your wake-up call."
		if title := strings.TrimSpace(sess.TaskDescription); title != "" {
			text += " " + sentence(title)
		}
		return Decision{
			Action: ActionGather,
			Text:   text,
			Prompt: fmt.Sprintf("Press %s to confirm you're awake, or I'll call you again shortly.", e.opts.ConfirmDigit),
		}
	case models.CallTypeTask:
		return Decision{Action: ActionGather, Text: TaskScript(sess.TaskKind, sess.TaskDescription), Prompt: taskPrompt}
	default:
		return Decision{Action: ActionHangup, Text: "Hello, this is your reminder: " + sentence(sess.TaskDescription)}
	}
}

// NextTurn decides the reply to the human input of round sess.Round.
func (e *Engine) NextTurn(ctx context.Context, sess *models.CallSession, transcript []models.Turn, in Input) Decision {
	switch sess.CallType {
	case models.CallTypeWakeup:
		return e.wakeupTurn(sess, in)
	case models.CallTypeTask:
		return e.taskTurn(ctx, sess, transcript, in)
	default:
		return Decision{Action: ActionHangup, Text: "Goodbye."}
	}
}

func (e *Engine) wakeupTurn(sess *models.CallSession, in Input) Decision {
	if strings.TrimSpace(in.Digits) == e.opts.ConfirmDigit || Affirmative(in.Speech) {
		return Decision{Action: ActionConfirm, Text: wakeupConfirmed}
	}
	if sess.Reprompts < e.opts.MaxReprompts {
		return Decision{
			Action:   ActionGather,
			Text:     fmt.Sprintf(wakeupReprompt, e.opts.ConfirmDigit),
			Prompt:   fmt.Sprintf(wakeupRepromptAsk, e.opts.ConfirmDigit),
			Reprompt: true,
		}
	}
	return Decision{Action: ActionHangup, Text: wakeupNoConfirm}
}

func (e *Engine) taskTurn(ctx context.Context, sess *models.CallSession, transcript []models.Turn, in Input) Decision {
	digits := strings.TrimSpace(in.Digits)
	switch {
	case digits == e.opts.ConfirmDigit:
		return Decision{Action: ActionConfirm, Text: taskConfirmed}
	case sess.Round >= e.opts.MaxTurns:
		return Decision{Action: ActionHangup, Text: taskClose}
	case digits != "":
		if sess.Reprompts >= e.opts.MaxReprompts {
			return Decision{Action: ActionHangup, Text: taskClose}
		}
		return Decision{
			Action:   ActionGather,
			Text:     taskBadKeypress,
			Prompt:   fmt.Sprintf(taskBadAsk, e.opts.ConfirmDigit),
			Reprompt: true,
		}
	case in.Empty():
		if sess.Reprompts >= e.opts.MaxReprompts {
			return Decision{Action: ActionHangup, Text: taskClose}
		}
		return Decision{Action: ActionGather, Text: taskListening, Reprompt: true}
	}

	gctx, cancel := context.WithTimeout(ctx, e.opts.GeneratorTimeout)
	defer cancel()

	start := time.Now()
	reply, err := e.gen.Generate(gctx, Prompt{
		Kind:       sess.TaskKind,
		Task:       sess.TaskDescription,
		Transcript: transcript,
		Input:      in.Content(),
	})
	metrics.RecordGenerator(start, err)
	if err != nil || strings.TrimSpace(reply) == "" {
		e.log.Warn("response generator failed, using fallback line",
			zap.String("call_id", sess.CallID), zap.Int("round", sess.Round), zap.Error(err))
		reply = taskFallback
	}
	return Decision{Action: ActionGather, Text: strings.TrimSpace(reply), Prompt: taskListening}
}

// TaskScript is the opening line of a task call.
func TaskScript(kind models.TaskKind, task string) string {
	task = strings.TrimRight(strings.TrimSpace(task), ".")
	lower := strings.ToLower(task)
	script := fmt.Sprintf("Hi, this is an AI assistant calling for a client. I'm calling to %s.", lower)
	switch kind {
	case models.TaskAppointmentReschedule:
		script += " This is regarding rescheduling an appointment. What times do you have available?"
	case models.TaskRestaurantBooking:
		script += " I'm looking to make a reservation. What's your availability?"
	case models.TaskDeliveryUpdate:
		script += " I need to check on a delivery status. Can you help me track that?"
	default:
		script += " Could you help me with that? If you need to speak with the client directly, please let me know and I can arrange that."
	}
	return script
}

var affirmativePhrases = []string{
	"yes", "yeah", "yep", "yup", "ok", "okay", "sure", "confirm", "confirmed",
	"awake", "im up", "i am up", "im getting up", "got it",
}

// Affirmative reports whether speech confirms the wake-up. Any negation wins.
func Affirmative(speech string) bool {
	words := strings.FieldsFunc(strings.ToLower(speech), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(words) == 0 {
		return false
	}
	for i, w := range words {
		w = strings.ReplaceAll(w, "'", "")
		words[i] = w
		switch w {
		case "no", "not", "nope", "dont", "isnt", "arent", "cant", "later", "snooze":
			return false
		}
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, p := range affirmativePhrases {
		if strings.Contains(joined, " "+p+" ") {
			return true
		}
	}
	return false
}

func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}
