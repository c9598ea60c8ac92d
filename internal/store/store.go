// Package store defines the durable persistence contract for reminders,
// wake-up campaigns, call sessions and transcripts.
//
// Two implementations exist: postgres (production) and memory (tests and
// single-node development). Both enforce the same invariants: one active
// campaign per reminder, idempotent callback application per
// (call_id, event key), and idempotent turn appends per (call_id, seq).
package store

import (
	"context"
	"errors"
	"time"

	"voip-notify/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrCampaignActive = errors.New("campaign already active for reminder")
	ErrDuplicateCall  = errors.New("call session already exists")
	ErrStateConflict  = errors.New("record is not in the expected state")
)

type Reminders interface {
	CreateReminder(ctx context.Context, r *models.Reminder) error
	GetReminder(ctx context.Context, id int64) (*models.Reminder, error)
	ListReminders(ctx context.Context, ownerID int64) ([]models.Reminder, error)
	RemindersByStatus(ctx context.Context, status models.ReminderStatus) ([]models.Reminder, error)

	// DueReminders returns pending reminders scheduled at or before now, oldest first.
	DueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error)

	// ClaimReminder moves a due pending reminder to dispatching. It returns
	// false when another worker claimed it first or it is no longer due.
	ClaimReminder(ctx context.Context, id int64, now time.Time) (bool, error)

	// SetReminderStatus moves the reminder to status. When from is given the
	// reminder must currently be in one of those states, otherwise
	// ErrStateConflict is returned and nothing changes.
	SetReminderStatus(ctx context.Context, id int64, status models.ReminderStatus, from ...models.ReminderStatus) error

	// RescheduleReminder re-arms the reminder as pending at the given time,
	// guarded by from like SetReminderStatus.
	RescheduleReminder(ctx context.Context, id int64, at time.Time, retryCount int, from ...models.ReminderStatus) error

	DeleteReminder(ctx context.Context, id int64) error
}

type Campaigns interface {
	// CreateCampaign inserts an active campaign, or returns ErrCampaignActive.
	CreateCampaign(ctx context.Context, c *models.WakeupCampaign) error
	GetCampaign(ctx context.Context, id int64) (*models.WakeupCampaign, error)
	ActiveCampaign(ctx context.Context, reminderID int64) (*models.WakeupCampaign, error)
	ActiveCampaigns(ctx context.Context) ([]models.WakeupCampaign, error)

	// ConfirmableCampaign returns the newest active or fallback_sent campaign
	// whose reminder targets the given address.
	ConfirmableCampaign(ctx context.Context, target string) (*models.WakeupCampaign, error)

	// UpdateCampaignProgress persists attempt bookkeeping of an active campaign.
	UpdateCampaignProgress(ctx context.Context, c *models.WakeupCampaign) error

	// FinishCampaign moves an active campaign to a terminal state. It returns
	// false when the campaign was no longer active.
	FinishCampaign(ctx context.Context, id int64, state models.CampaignState, lastError *string, at time.Time) (bool, error)

	// ConfirmCampaign marks an active or fallback_sent campaign confirmed.
	// It returns false for every other state.
	ConfirmCampaign(ctx context.Context, id int64, at time.Time) (bool, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, s *models.CallSession) error
	GetSession(ctx context.Context, callID string) (*models.CallSession, error)
	UpdateSession(ctx context.Context, s *models.CallSession) error

	// RecordEvent returns true the first time a (call_id, key) pair is seen.
	RecordEvent(ctx context.Context, callID, key string) (bool, error)
}

type Turns interface {
	// AppendTurn returns false when a turn with the same (call_id, seq) exists.
	AppendTurn(ctx context.Context, t models.Turn) (bool, error)
	ListTurns(ctx context.Context, callID string) ([]models.Turn, error)
}

type Store interface {
	Reminders
	Campaigns
	Sessions
	Turns
}
