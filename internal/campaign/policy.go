package campaign

import (
	"fmt"
	"strings"
	"time"

	"voip-notify/internal/config"
	"voip-notify/internal/models"
)

// Outcome is how a single call attempt ended, as far as the campaign cares.
type Outcome int

const (
	OutcomeTransient Outcome = iota
	OutcomeConfirmed
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Decision is what the campaign does after an attempt.
type Decision int

const (
	DecisionStop Decision = iota
	DecisionRetry
	DecisionFallback
	DecisionGiveUp
)

func (d Decision) String() string {
	switch d {
	case DecisionStop:
		return "stop"
	case DecisionRetry:
		return "retry"
	case DecisionFallback:
		return "fallback"
	default:
		return "give_up"
	}
}

// Policy holds the retry and fallback rules of a wake-up campaign.
type Policy struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	AttemptTimeout  time.Duration
	SMSFallback     bool
	FallbackKeyword string
}

func PolicyFromConfig(cfg config.WakeupConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		RetryDelay:      cfg.RetryDelay.Std(),
		AttemptTimeout:  cfg.AttemptTimeout.Std(),
		SMSFallback:     cfg.SMSFallback,
		FallbackKeyword: cfg.FallbackKeyword,
	}
}

// Decide maps the outcome of attempt (1-based) to the next step. Fatal
// outcomes skip the remaining voice attempts.
func (p Policy) Decide(attempt int, o Outcome) Decision {
	switch {
	case o == OutcomeConfirmed:
		return DecisionStop
	case o == OutcomeFatal || attempt >= p.MaxAttempts:
		if p.SMSFallback {
			return DecisionFallback
		}
		return DecisionGiveUp
	default:
		return DecisionRetry
	}
}

// GiveUpState is the terminal campaign state when no confirmation arrived
// and no fallback message went out.
func (p Policy) GiveUpState(last Outcome) models.CampaignState {
	if last == OutcomeFatal {
		return models.CampaignAborted
	}
	return models.CampaignExhausted
}

func (p Policy) keyword() string {
	if p.FallbackKeyword == "" {
		return "awake"
	}
	return p.FallbackKeyword
}

// FallbackText is the SMS sent once voice attempts are used up.
func (p Policy) FallbackText(title string) string {
	return fmt.Sprintf("Wake-up reminder: %s\n\nI tried calling you but couldn't reach you. Please reply '%s' to confirm you're up.",
		title, p.keyword())
}

// IsConfirmationReply reports whether an inbound text confirms a campaign.
func (p Policy) IsConfirmationReply(body string) bool {
	return strings.Contains(strings.ToLower(body), strings.ToLower(p.keyword()))
}

// newCampaign stamps a campaign record with the policy.
func (p Policy) newCampaign(reminderID int64, now time.Time) *models.WakeupCampaign {
	return &models.WakeupCampaign{
		ReminderID:     reminderID,
		MaxAttempts:    p.MaxAttempts,
		RetryDelay:     p.RetryDelay,
		AttemptTimeout: p.AttemptTimeout,
		SMSFallback:    p.SMSFallback,
		State:          models.CampaignActive,
		StartedAt:      now,
	}
}

// forCampaign returns the policy a stored campaign was started with.
func (p Policy) forCampaign(c *models.WakeupCampaign) Policy {
	out := p
	out.MaxAttempts = c.MaxAttempts
	out.RetryDelay = c.RetryDelay
	out.AttemptTimeout = c.AttemptTimeout
	out.SMSFallback = c.SMSFallback
	return out
}
