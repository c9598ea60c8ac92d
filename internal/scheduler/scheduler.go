// Package scheduler owns the reminder lifecycle: it persists reminders,
// finds due ones through the store, and dispatches them to SMS, single
// calls or wake-up campaigns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voip-notify/internal/callsession"
	"voip-notify/internal/events"
	"voip-notify/internal/gateway"
	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

var ErrInvalidReminder = errors.New("invalid reminder")

// pastGrace is how far in the past a new reminder may be scheduled.
const pastGrace = time.Minute

type Campaigns interface {
	StartCampaign(ctx context.Context, r *models.Reminder) (*models.WakeupCampaign, error)
	Cancel(ctx context.Context, reminderID int64) error
	Resume(ctx context.Context) (int, error)
}

type Calls interface {
	PlaceCall(ctx context.Context, req callsession.PlaceRequest) (*models.CallSession, []byte, error)
}

type Store interface {
	store.Reminders
	ActiveCampaign(ctx context.Context, reminderID int64) (*models.WakeupCampaign, error)
}

type Options struct {
	PollInterval       time.Duration
	BatchSize          int
	ReminderRetryDelay time.Duration
	DefaultMaxRetries  int
	// PersistentWakeup hands wake-up reminders to a campaign instead of a
	// single call.
	PersistentWakeup bool
}

type Deps struct {
	Store     Store
	SMS       gateway.Gateway
	Calls     Calls
	Campaigns Campaigns
	Publisher events.Publisher
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

type Scheduler struct {
	store     Store
	sms       gateway.Gateway
	calls     Calls
	campaigns Campaigns
	pub       events.Publisher
	clock     clockwork.Clock
	opts      Options
	log       *zap.Logger

	nudge chan struct{}
	wg    sync.WaitGroup
}

func New(d Deps, opts Options) *Scheduler {
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Scheduler{
		store:     d.Store,
		sms:       d.SMS,
		calls:     d.Calls,
		campaigns: d.Campaigns,
		pub:       d.Publisher,
		clock:     d.Clock,
		opts:      opts,
		log:       d.Logger,
		nudge:     make(chan struct{}, 1),
	}
}

// Schedule validates and persists a new pending reminder.
func (s *Scheduler) Schedule(ctx context.Context, r *models.Reminder) (*models.Reminder, error) {
	now := s.clock.Now()
	r.Title = strings.TrimSpace(r.Title)
	r.Target = strings.TrimSpace(r.Target)
	switch {
	case r.Title == "":
		return nil, fmt.Errorf("%w: title is required", ErrInvalidReminder)
	case r.Target == "":
		return nil, fmt.Errorf("%w: target is required", ErrInvalidReminder)
	case !r.Channel.Valid():
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidReminder, r.Channel)
	case r.ScheduledAt.IsZero():
		return nil, fmt.Errorf("%w: scheduled_at is required", ErrInvalidReminder)
	case r.ScheduledAt.Before(now.Add(-pastGrace)):
		return nil, fmt.Errorf("%w: scheduled_at is in the past", ErrInvalidReminder)
	case r.MaxRetries < 0:
		return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidReminder)
	}

	r.Status = models.ReminderPending
	r.RetryCount = 0
	if r.MaxRetries == 0 {
		r.MaxRetries = s.opts.DefaultMaxRetries
	}
	r.ScheduledAt = r.ScheduledAt.UTC()
	if err := s.store.CreateReminder(ctx, r); err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}

	s.publish(ctx, events.ReminderScheduled, r, "")
	s.log.Info("reminder scheduled",
		zap.Int64("reminder_id", r.ID), zap.String("channel", string(r.Channel)), zap.Time("scheduled_at", r.ScheduledAt))
	s.arm(r.ScheduledAt)
	out := *r
	return &out, nil
}

// Cancel stops any running campaign and marks a pending or dispatching
// reminder cancelled. Cancelling twice is a no-op. A reminder that already
// reached another final state is left alone and ErrStateConflict returned.
func (s *Scheduler) Cancel(ctx context.Context, id int64) error {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	switch r.Status {
	case models.ReminderCancelled:
		return nil
	case models.ReminderPending, models.ReminderDispatching:
	default:
		return fmt.Errorf("%w: reminder %d is %s", store.ErrStateConflict, id, r.Status)
	}
	if err := s.campaigns.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel campaign: %w", err)
	}
	err = s.store.SetReminderStatus(ctx, id, models.ReminderCancelled, models.ReminderPending, models.ReminderDispatching)
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	r.Status = models.ReminderCancelled
	s.publish(ctx, events.ReminderCancelled, r, "")
	s.log.Info("reminder cancelled", zap.Int64("reminder_id", id))
	return nil
}

// Snooze re-arms the reminder at now plus the parsed duration, cancelling
// any campaign in flight.
func (s *Scheduler) Snooze(ctx context.Context, id int64, token string) (*models.Reminder, error) {
	d, err := ParseSnooze(token)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetReminder(ctx, id); err != nil {
		return nil, err
	}
	if err := s.campaigns.Cancel(ctx, id); err != nil {
		return nil, fmt.Errorf("cancel campaign: %w", err)
	}

	at := s.clock.Now().Add(d).UTC()
	if err := s.store.RescheduleReminder(ctx, id, at, 0); err != nil {
		return nil, fmt.Errorf("snooze reminder: %w", err)
	}
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.ReminderSnoozed, r, token)
	s.log.Info("reminder snoozed", zap.Int64("reminder_id", id), zap.Duration("for", d), zap.Time("until", at))
	s.arm(at)
	return r, nil
}

// Delete cancels any running campaign and removes the reminder.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if err := s.campaigns.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel campaign: %w", err)
	}
	if err := s.store.DeleteReminder(ctx, id); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	s.publish(ctx, events.ReminderDeleted, r, "")
	return nil
}

// DueNow returns pending reminders whose time has come.
func (s *Scheduler) DueNow(ctx context.Context) ([]models.Reminder, error) {
	due, err := s.store.DueReminders(ctx, s.clock.Now(), s.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	return due, nil
}

// Recover resumes campaigns and releases reminders a crashed process left
// in dispatching.
func (s *Scheduler) Recover(ctx context.Context) error {
	if _, err := s.campaigns.Resume(ctx); err != nil {
		return err
	}

	stuck, err := s.store.RemindersByStatus(ctx, models.ReminderDispatching)
	if err != nil {
		return fmt.Errorf("dispatching reminders: %w", err)
	}
	released := 0
	for _, r := range stuck {
		_, err := s.store.ActiveCampaign(ctx, r.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("active campaign: %w", err)
		}
		if err := s.store.RescheduleReminder(ctx, r.ID, r.ScheduledAt, r.RetryCount, models.ReminderDispatching); err != nil {
			s.log.Warn("failed to release reminder", zap.Int64("reminder_id", r.ID), zap.Error(err))
			continue
		}
		released++
	}
	if released > 0 {
		s.log.Info("released interrupted reminders", zap.Int("count", released))
	}
	return nil
}

// Nudge asks the poll loop to look for due reminders now.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run polls for due reminders until ctx is done, then waits for in-flight
// dispatches.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.log.Info("scheduler started", zap.Duration("poll_interval", s.opts.PollInterval))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return nil
		case <-ticker.Chan():
		case <-s.nudge:
		}
	}
}

// Tick claims every due reminder and dispatches it in the background.
func (s *Scheduler) Tick(ctx context.Context) int {
	due, err := s.DueNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("failed to query due reminders", zap.Error(err))
		}
		return 0
	}

	claimed := 0
	for i := range due {
		r := due[i]
		ok, err := s.store.ClaimReminder(ctx, r.ID, s.clock.Now())
		if err != nil {
			s.log.Warn("failed to claim reminder", zap.Int64("reminder_id", r.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		r.Status = models.ReminderDispatching
		claimed++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Dispatch(ctx, &r)
		}()
	}
	return claimed
}

// Wait blocks until background dispatches finish.
func (s *Scheduler) Wait() { s.wg.Wait() }

// arm wakes the poll loop at a time sooner than the next tick.
func (s *Scheduler) arm(at time.Time) {
	d := at.Sub(s.clock.Now())
	if d >= s.opts.PollInterval {
		return
	}
	if d <= 0 {
		s.Nudge()
		return
	}
	s.clock.AfterFunc(d, s.Nudge)
}

func (s *Scheduler) publish(ctx context.Context, t events.Type, r *models.Reminder, detail string) {
	ev := events.New(t)
	ev.ReminderID = r.ID
	ev.State = string(r.Status)
	ev.Attempt = r.RetryCount
	ev.Detail = detail
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish reminder event", zap.String("type", string(t)), zap.Error(err))
	}
}
