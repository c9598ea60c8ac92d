package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"voip-notify/internal/models"
)

type stubGenerator struct {
	reply string
	err   error
	delay time.Duration
	got   Prompt
}

func (s *stubGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	s.got = p
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func TestWakeupOpening(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, Options{}, zaptest.NewLogger(t))
	d := e.Opening(&models.CallSession{CallType: models.CallTypeWakeup, TaskDescription: "Wake up for the flight"})

	assert.Equal(t, ActionGather, d.Action)
	assert.Equal(t, "Good morning! This is your wake-up call. Wake up for the flight.", d.Text)
	assert.Contains(t, d.Prompt, "Press 1 to confirm you're awake")
}

func TestWakeupTurns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reprompts int
		in        Input
		want      Action
		reprompt  bool
		text      string
	}{
		{name: "confirm digit", in: Input{Digits: "1"}, want: ActionConfirm, text: "Great! You're awake. Have a wonderful day!"},
		{name: "affirmative speech", in: Input{Speech: "Yes, I'm awake."}, want: ActionConfirm},
		{name: "wrong digit reprompts", in: Input{Digits: "7"}, want: ActionGather, reprompt: true,
			text: "I didn't understand that input. Please press 1 to confirm you're awake."},
		{name: "timeout reprompts", in: Input{}, want: ActionGather, reprompt: true},
		{name: "negated speech reprompts", in: Input{Speech: "no I'm not awake"}, want: ActionGather, reprompt: true},
		{name: "second miss hangs up", reprompts: 1, in: Input{Digits: "9"}, want: ActionHangup,
			text: "No confirmation received. I'll call you again shortly."},
		{name: "confirm after reprompt", reprompts: 1, in: Input{Digits: "1"}, want: ActionConfirm},
	}

	e := NewEngine(nil, Options{ConfirmDigit: "1"}, nil)
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sess := &models.CallSession{CallType: models.CallTypeWakeup, Round: 1 + tc.reprompts, Reprompts: tc.reprompts}
			d := e.NextTurn(context.Background(), sess, nil, tc.in)
			assert.Equal(t, tc.want, d.Action)
			assert.Equal(t, tc.reprompt, d.Reprompt)
			if tc.text != "" {
				assert.Equal(t, tc.text, d.Text)
			}
		})
	}
}

func TestTaskTurns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sess := func(round, reprompts int) *models.CallSession {
		return &models.CallSession{
			CallID:          "CA1",
			CallType:        models.CallTypeTask,
			TaskKind:        models.TaskRestaurantBooking,
			TaskDescription: "Book a table for two",
			Round:           round,
			Reprompts:       reprompts,
		}
	}

	t.Run("generator reply", func(t *testing.T) {
		gen := &stubGenerator{reply: "Seven works for us."}
		e := NewEngine(gen, Options{}, nil)
		transcript := []models.Turn{{Seq: 1, Speaker: models.SpeakerSystem, Content: "Hi"}}

		d := e.NextTurn(ctx, sess(1, 0), transcript, Input{Speech: "We have a table at seven"})
		assert.Equal(t, ActionGather, d.Action)
		assert.Equal(t, "Seven works for us.", d.Text)
		assert.Equal(t, "We have a table at seven", gen.got.Input)
		assert.Equal(t, transcript, gen.got.Transcript)
	})

	t.Run("generator error falls back", func(t *testing.T) {
		e := NewEngine(&stubGenerator{err: errors.New("boom")}, Options{}, nil)
		d := e.NextTurn(ctx, sess(1, 0), nil, Input{Speech: "hello"})
		assert.Equal(t, ActionGather, d.Action)
		assert.Equal(t, "I'm sorry, I didn't catch that. Could you please repeat?", d.Text)
	})

	t.Run("generator timeout falls back", func(t *testing.T) {
		e := NewEngine(&stubGenerator{reply: "late", delay: time.Second}, Options{GeneratorTimeout: 10 * time.Millisecond}, nil)
		d := e.NextTurn(ctx, sess(1, 0), nil, Input{Speech: "hello"})
		assert.Equal(t, "I'm sorry, I didn't catch that. Could you please repeat?", d.Text)
	})

	t.Run("keypress confirms", func(t *testing.T) {
		e := NewEngine(nil, Options{}, nil)
		d := e.NextTurn(ctx, sess(2, 0), nil, Input{Digits: "1"})
		assert.Equal(t, ActionConfirm, d.Action)
		assert.Equal(t, "Thank you for confirming. I'll proceed with that.", d.Text)
	})

	t.Run("turn budget closes politely", func(t *testing.T) {
		e := NewEngine(&stubGenerator{reply: "more"}, Options{MaxTurns: 3}, nil)
		d := e.NextTurn(ctx, sess(3, 0), nil, Input{Speech: "anything else?"})
		assert.Equal(t, ActionHangup, d.Action)
		assert.Equal(t, "Thank you for your time. Goodbye.", d.Text)
	})

	t.Run("silence reprompts once", func(t *testing.T) {
		e := NewEngine(nil, Options{}, nil)
		first := e.NextTurn(ctx, sess(1, 0), nil, Input{})
		assert.Equal(t, ActionGather, first.Action)
		assert.True(t, first.Reprompt)

		second := e.NextTurn(ctx, sess(2, 1), nil, Input{})
		assert.Equal(t, ActionHangup, second.Action)
	})
}

func TestTaskScript(t *testing.T) {
	t.Parallel()

	got := TaskScript(models.TaskAppointmentReschedule, "Move the dentist appointment.")
	assert.Equal(t, "Hi, this is an AI assistant calling for a client. I'm calling to move the dentist appointment. "+
		"This is regarding rescheduling an appointment. What times do you have available?", got)
}

func TestGeneralCallSaysAndHangsUp(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, Options{}, nil)
	d := e.Opening(&models.CallSession{CallType: models.CallTypeGeneral, TaskDescription: "Take your medication"})
	assert.Equal(t, ActionHangup, d.Action)
	assert.Equal(t, "Hello, this is your reminder: Take your medication.", d.Text)
}

func TestAffirmative(t *testing.T) {
	t.Parallel()

	for speech, want := range map[string]bool{
		"yes":                true,
		"Okay okay, I'm up!": true,
		"I am awake":         true,
		"":                   false,
		"what?":              false,
		"not yet":            false,
		"snooze please":      false,
	} {
		assert.Equal(t, want, Affirmative(speech), speech)
	}
}

func TestInput(t *testing.T) {
	t.Parallel()

	assert.True(t, Input{Speech: "  "}.Empty())
	assert.Equal(t, models.ModalityKeypress, Input{Digits: "1", Speech: "one"}.Modality())
	assert.Equal(t, "1", Input{Digits: " 1 "}.Content())
	assert.Equal(t, models.ModalitySpeech, Input{Speech: "hi"}.Modality())
}
