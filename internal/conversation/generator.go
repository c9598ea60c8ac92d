package conversation

import (
	"context"
	"errors"
	"strings"

	"voip-notify/internal/models"
)

var ErrGeneratorUnavailable = errors.New("response generator unavailable")

type Prompt struct {
	Kind       models.TaskKind
	Task       string
	Transcript []models.Turn
	Input      string
}

// Generator produces the next spoken line of a task call.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Static answers with fixed lines chosen by keyword.
type Static struct{}

func (Static) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	in := strings.ToLower(p.Input)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(in, w) {
				return true
			}
		}
		return false
	}

	switch p.Kind {
	case models.TaskAppointmentReschedule:
		switch {
		case has("available", "time", "slot"):
			return "Great! What times do you have available? I'm looking for something in the afternoon if possible.", nil
		case has("confirm", "yes", "okay"):
			return "Perfect! I'll confirm that appointment time with my client. Thank you for your help.", nil
		default:
			return "I understand. Could you please let me know what times you have available for rescheduling?", nil
		}
	case models.TaskRestaurantBooking:
		if has("reservation", "booking", "table") {
			return "Yes, I'd like to make a reservation. What's your availability for this evening?", nil
		}
		return "I'm looking to make a dinner reservation. What times do you have available?", nil
	default:
		return "Thank you for that information. Is there anything else I should know?", nil
	}
}
