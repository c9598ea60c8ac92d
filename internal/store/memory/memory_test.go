package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

func newReminder(at time.Time) *models.Reminder {
	return &models.Reminder{
		OwnerID:     7,
		Title:       "Wake up",
		Target:      "+15550001111",
		ScheduledAt: at,
		Channel:     models.ChannelVoice,
		MaxRetries:  3,
	}
}

func TestClaimReminder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)
	s := New()

	due := newReminder(now.Add(-time.Minute))
	future := newReminder(now.Add(time.Hour))
	require.NoError(t, s.CreateReminder(ctx, due))
	require.NoError(t, s.CreateReminder(ctx, future))

	got, err := s.DueReminders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	ok, err := s.ClaimReminder(ctx, due.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimReminder(ctx, due.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	ok, err = s.ClaimReminder(ctx, future.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "future reminder is not due")

	_, err = s.ClaimReminder(ctx, 999, now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRescheduleRespectsMaxRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	r := newReminder(time.Now())
	require.NoError(t, s.CreateReminder(ctx, r))

	require.NoError(t, s.RescheduleReminder(ctx, r.ID, time.Now().Add(time.Minute), 3))
	assert.ErrorIs(t, s.RescheduleReminder(ctx, r.ID, time.Now(), 4), store.ErrStateConflict)
}

func TestOneActiveCampaignPerReminder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	r := newReminder(time.Now())
	require.NoError(t, s.CreateReminder(ctx, r))

	first := &models.WakeupCampaign{ReminderID: r.ID, MaxAttempts: 5}
	require.NoError(t, s.CreateCampaign(ctx, first))
	assert.Equal(t, models.CampaignActive, first.State)

	err := s.CreateCampaign(ctx, &models.WakeupCampaign{ReminderID: r.ID, MaxAttempts: 5})
	assert.ErrorIs(t, err, store.ErrCampaignActive)

	ok, err := s.FinishCampaign(ctx, first.ID, models.CampaignExhausted, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinishCampaign(ctx, first.ID, models.CampaignAborted, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "finished campaign stays finished")

	require.NoError(t, s.CreateCampaign(ctx, &models.WakeupCampaign{ReminderID: r.ID, MaxAttempts: 5}))
}

func TestConfirmCampaign(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	r := newReminder(time.Now())
	require.NoError(t, s.CreateReminder(ctx, r))

	tests := []struct {
		name      string
		finish    models.CampaignState
		wantOK    bool
		wantState models.CampaignState
	}{
		{name: "active", wantOK: true, wantState: models.CampaignConfirmed},
		{name: "late after fallback", finish: models.CampaignFallbackSent, wantOK: true, wantState: models.CampaignConfirmed},
		{name: "cancelled stays cancelled", finish: models.CampaignCancelled, wantOK: false, wantState: models.CampaignCancelled},
		{name: "exhausted stays exhausted", finish: models.CampaignExhausted, wantOK: false, wantState: models.CampaignExhausted},
		{name: "aborted stays aborted", finish: models.CampaignAborted, wantOK: false, wantState: models.CampaignAborted},
	}

	for _, tc := range tests {
		c := &models.WakeupCampaign{ReminderID: r.ID, MaxAttempts: 5}
		require.NoError(t, s.CreateCampaign(ctx, c), tc.name)
		if tc.finish != "" {
			_, err := s.FinishCampaign(ctx, c.ID, tc.finish, nil, time.Now())
			require.NoError(t, err, tc.name)
		}

		ok, err := s.ConfirmCampaign(ctx, c.ID, time.Now())
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.wantOK, ok, tc.name)

		got, err := s.GetCampaign(ctx, c.ID)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.wantState, got.State, tc.name)

		if got.State == models.CampaignActive {
			_, _ = s.FinishCampaign(ctx, c.ID, models.CampaignAborted, nil, time.Now())
		}
	}
}

func TestUpdateCampaignProgressBoundsAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	c := &models.WakeupCampaign{ReminderID: 1, MaxAttempts: 2}
	require.NoError(t, s.CreateCampaign(ctx, c))

	c.Attempt = 2
	require.NoError(t, s.UpdateCampaignProgress(ctx, c))

	c.Attempt = 3
	assert.ErrorIs(t, s.UpdateCampaignProgress(ctx, c), store.ErrStateConflict)
}

func TestEventsAndTurnsAreIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	first, err := s.RecordEvent(ctx, "CA1", "completed")
	require.NoError(t, err)
	again, err := s.RecordEvent(ctx, "CA1", "completed")
	require.NoError(t, err)
	other, err := s.RecordEvent(ctx, "CA2", "completed")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, again)
	assert.True(t, other)

	for _, seq := range []int{3, 1, 2} {
		ok, err := s.AppendTurn(ctx, models.Turn{CallID: "CA1", Seq: seq, Content: "x"})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.AppendTurn(ctx, models.Turn{CallID: "CA1", Seq: 2, Content: "dup"})
	require.NoError(t, err)
	assert.False(t, ok)

	turns, err := s.ListTurns(ctx, "CA1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
	}
	assert.Equal(t, "x", turns[1].Content)
}

func TestSessionsAreCopied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	sess := &models.CallSession{CallID: "CA9", State: models.CallInitiated}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), store.ErrDuplicateCall)

	sess.State = models.CallCompleted
	got, err := s.GetSession(ctx, "CA9")
	require.NoError(t, err)
	assert.Equal(t, models.CallInitiated, got.State)
}

func TestConfirmableCampaignMatchesTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	r := newReminder(time.Now())
	require.NoError(t, s.CreateReminder(ctx, r))

	_, err := s.ConfirmableCampaign(ctx, r.Target)
	assert.ErrorIs(t, err, store.ErrNotFound)

	c := &models.WakeupCampaign{ReminderID: r.ID, MaxAttempts: 3}
	require.NoError(t, s.CreateCampaign(ctx, c))
	_, err = s.FinishCampaign(ctx, c.ID, models.CampaignFallbackSent, nil, time.Now())
	require.NoError(t, err)

	got, err := s.ConfirmableCampaign(ctx, r.Target)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = s.ConfirmableCampaign(ctx, "+15559999999")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ConfirmCampaign(ctx, c.ID, time.Now())
	require.NoError(t, err)
	_, err = s.ConfirmableCampaign(ctx, r.Target)
	assert.ErrorIs(t, err, store.ErrNotFound, "confirmed campaigns are no longer confirmable")
}

func TestGuardedReminderTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	r := newReminder(time.Now())
	require.NoError(t, s.CreateReminder(ctx, r))

	err := s.SetReminderStatus(ctx, r.ID, models.ReminderSent, models.ReminderDispatching)
	assert.ErrorIs(t, err, store.ErrStateConflict, "pending reminder was never claimed")

	err = s.RescheduleReminder(ctx, r.ID, time.Now().Add(time.Hour), 1, models.ReminderDispatching)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	got, err := s.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	require.NoError(t, s.SetReminderStatus(ctx, r.ID, models.ReminderCancelled, models.ReminderPending, models.ReminderDispatching))
	require.NoError(t, s.SetReminderStatus(ctx, r.ID, models.ReminderPending))
	assert.ErrorIs(t, s.SetReminderStatus(ctx, 999, models.ReminderSent), store.ErrNotFound)
}
