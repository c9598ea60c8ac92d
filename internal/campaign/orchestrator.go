// Package campaign runs persistent wake-up campaigns: repeated calls until
// the human confirms, then an SMS fallback when voice is used up.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"voip-notify/internal/callsession"
	"voip-notify/internal/events"
	"voip-notify/internal/gateway"
	"voip-notify/internal/metrics"
	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

var (
	errCancelled = errors.New("campaign cancelled")
	errShutdown  = errors.New("orchestrator shutting down")
)

// Calls is the part of the call session manager a campaign drives.
type Calls interface {
	PlaceCall(ctx context.Context, req callsession.PlaceRequest) (*models.CallSession, []byte, error)
	Done(ctx context.Context, callID string) (<-chan struct{}, error)
	Outcome(ctx context.Context, callID string) (*models.CallSession, error)
}

type Store interface {
	store.Reminders
	store.Campaigns
}

type Deps struct {
	Store     Store
	Calls     Calls
	SMS       gateway.Gateway
	Publisher events.Publisher
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

type run struct {
	campaignID int64
	reminderID int64
	cancel     context.CancelCauseFunc
	confirmed  chan struct{}
	confirmMu  sync.Once
	done       chan struct{}
}

func (r *run) confirm() { r.confirmMu.Do(func() { close(r.confirmed) }) }

// Orchestrator owns every campaign running in this process. Campaign state
// lives in the store; the in-memory runs only carry wake-up signals.
type Orchestrator struct {
	store  Store
	calls  Calls
	sms    gateway.Gateway
	pub    events.Publisher
	clock  clockwork.Clock
	policy Policy
	log    *zap.Logger
	tracer trace.Tracer

	base     context.Context
	shutdown context.CancelCauseFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	runs       map[int64]*run
	byReminder map[int64]*run
}

func New(d Deps, policy Policy) *Orchestrator {
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	base, shutdown := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:      d.Store,
		calls:      d.Calls,
		sms:        d.SMS,
		pub:        d.Publisher,
		clock:      d.Clock,
		policy:     policy,
		log:        d.Logger,
		tracer:     otel.Tracer("voip-notify/campaign"),
		base:       base,
		shutdown:   shutdown,
		runs:       make(map[int64]*run),
		byReminder: make(map[int64]*run),
	}
}

func (o *Orchestrator) Policy() Policy { return o.policy }

// StartCampaign creates the reminder's campaign and starts calling. It
// returns store.ErrCampaignActive when one is already running.
func (o *Orchestrator) StartCampaign(ctx context.Context, rem *models.Reminder) (*models.WakeupCampaign, error) {
	c := o.policy.newCampaign(rem.ID, o.clock.Now().UTC())
	if err := o.store.CreateCampaign(ctx, c); err != nil {
		if errors.Is(err, store.ErrCampaignActive) {
			return nil, err
		}
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	ev := campaignEvent(events.CampaignStarted, c)
	o.publish(ctx, ev)
	o.log.Info("campaign started",
		zap.Int64("campaign_id", c.ID), zap.Int64("reminder_id", rem.ID), zap.Int("max_attempts", c.MaxAttempts))

	o.launch(c, *rem)
	out := *c
	return &out, nil
}

// Resume re-attaches to every active campaign after a restart.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	active, err := o.store.ActiveCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}

	resumed := 0
	for i := range active {
		c := active[i]
		if o.isRunning(c.ID) {
			continue
		}
		rem, err := o.store.GetReminder(ctx, c.ReminderID)
		if err != nil {
			o.log.Warn("campaign reminder missing, aborting campaign",
				zap.Int64("campaign_id", c.ID), zap.Int64("reminder_id", c.ReminderID), zap.Error(err))
			msg := "reminder missing on resume"
			o.finish(ctx, &c, models.CampaignAborted, &msg)
			continue
		}
		o.launch(&c, *rem)
		resumed++
	}
	if resumed > 0 {
		o.log.Info("resumed campaigns", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Cancel stops the reminder's active campaign. A call already ringing keeps
// ringing, but no further attempt or fallback message is sent.
func (o *Orchestrator) Cancel(ctx context.Context, reminderID int64) error {
	defer o.signalCancel(reminderID)

	c, err := o.store.ActiveCampaign(ctx, reminderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("active campaign: %w", err)
	}
	ok, err := o.store.FinishCampaign(ctx, c.ID, models.CampaignCancelled, nil, o.clock.Now())
	if err != nil {
		return fmt.Errorf("cancel campaign: %w", err)
	}
	if ok {
		c.State = models.CampaignCancelled
		metrics.CampaignsFinished.WithLabelValues(string(models.CampaignCancelled)).Inc()
		o.publish(ctx, campaignEvent(events.CampaignFinished, c))
		o.log.Info("campaign cancelled", zap.Int64("campaign_id", c.ID), zap.Int64("reminder_id", reminderID))
	}
	return nil
}

// ConfirmByReply confirms the newest open campaign for the sender when the
// text contains the fallback keyword.
func (o *Orchestrator) ConfirmByReply(ctx context.Context, from, body string) (bool, error) {
	if !o.policy.IsConfirmationReply(body) {
		return false, nil
	}
	c, err := o.store.ConfirmableCampaign(ctx, from)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("find campaign for reply: %w", err)
	}
	return o.confirm(ctx, c.ID, c.ReminderID, "sms_reply")
}

// CallConfirmed implements callsession.Observer.
func (o *Orchestrator) CallConfirmed(ctx context.Context, sess models.CallSession) {
	if sess.CampaignID == nil {
		return
	}
	reminderID := int64(0)
	if sess.ReminderID != nil {
		reminderID = *sess.ReminderID
	}
	if _, err := o.confirm(ctx, *sess.CampaignID, reminderID, sess.CallID); err != nil {
		o.log.Error("failed to confirm campaign",
			zap.Int64("campaign_id", *sess.CampaignID), zap.String("call_id", sess.CallID), zap.Error(err))
	}
}

// CallEnded implements callsession.Observer. The campaign loop reads the
// outcome through Done.
func (o *Orchestrator) CallEnded(context.Context, models.CallSession) {}

// Close stops every campaign loop without changing durable state, so the
// next process can resume them.
func (o *Orchestrator) Close() {
	o.shutdown(errShutdown)
	o.wg.Wait()
}

// confirm records the first confirmation of a campaign. Later ones are no-ops.
func (o *Orchestrator) confirm(ctx context.Context, campaignID, reminderID int64, source string) (bool, error) {
	ok, err := o.store.ConfirmCampaign(ctx, campaignID, o.clock.Now())
	if err != nil {
		return false, fmt.Errorf("confirm campaign: %w", err)
	}

	o.mu.Lock()
	if r, running := o.runs[campaignID]; running {
		r.confirm()
		if reminderID == 0 {
			reminderID = r.reminderID
		}
	}
	o.mu.Unlock()

	if !ok {
		return false, nil
	}
	if reminderID == 0 {
		if c, err := o.store.GetCampaign(ctx, campaignID); err == nil {
			reminderID = c.ReminderID
		}
	}
	err = o.store.SetReminderStatus(ctx, reminderID, models.ReminderConfirmed, models.ReminderDispatching, models.ReminderSent)
	if err != nil && !errors.Is(err, store.ErrStateConflict) {
		o.log.Warn("failed to mark reminder confirmed", zap.Int64("reminder_id", reminderID), zap.Error(err))
	}

	metrics.CampaignsFinished.WithLabelValues(string(models.CampaignConfirmed)).Inc()
	ev := events.New(events.CampaignFinished)
	ev.CampaignID = campaignID
	ev.ReminderID = reminderID
	ev.State = string(models.CampaignConfirmed)
	ev.Detail = source
	o.publish(ctx, ev)
	o.log.Info("campaign confirmed",
		zap.Int64("campaign_id", campaignID), zap.Int64("reminder_id", reminderID), zap.String("source", source))
	return true, nil
}

func (o *Orchestrator) launch(c *models.WakeupCampaign, rem models.Reminder) {
	ctx, cancel := context.WithCancelCause(o.base)
	r := &run{
		campaignID: c.ID,
		reminderID: rem.ID,
		cancel:     cancel,
		confirmed:  make(chan struct{}),
		done:       make(chan struct{}),
	}

	o.mu.Lock()
	o.runs[c.ID] = r
	o.byReminder[rem.ID] = r
	o.mu.Unlock()

	metrics.ActiveCampaigns.Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer metrics.ActiveCampaigns.Dec()
		defer close(r.done)
		defer o.forget(r)
		defer cancel(nil)
		o.loop(ctx, r, c, rem)
	}()
}

func (o *Orchestrator) forget(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[r.campaignID] == r {
		delete(o.runs, r.campaignID)
	}
	if o.byReminder[r.reminderID] == r {
		delete(o.byReminder, r.reminderID)
	}
}

func (o *Orchestrator) isRunning(campaignID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[campaignID]
	return ok
}

func (o *Orchestrator) signalCancel(reminderID int64) {
	o.mu.Lock()
	r := o.byReminder[reminderID]
	o.mu.Unlock()
	if r != nil {
		r.cancel(errCancelled)
	}
}

// finished returns a channel closed when the campaign's loop has exited.
func (o *Orchestrator) finished(campaignID int64) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[campaignID]; ok {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// loop drives one campaign. Every iteration starts from the stored record,
// so a resumed campaign picks up where the previous process stopped.
func (o *Orchestrator) loop(ctx context.Context, r *run, c *models.WakeupCampaign, rem models.Reminder) {
	log := o.log.With(zap.Int64("campaign_id", c.ID), zap.Int64("reminder_id", rem.ID))
	policy := o.policy.forCampaign(c)

	for {
		var (
			outcome Outcome
			lastErr string
		)

		switch {
		case c.CurrentCallID != nil:
			outcome, lastErr = o.await(ctx, r, policy, *c.CurrentCallID)

		case c.Attempt > 0 && c.NextAttemptAt == nil:
			// A previous process stopped between recording the attempt and
			// the call id, so the placement outcome is unknown.
			outcome, lastErr = OutcomeTransient, "attempt interrupted"

		default:
			if c.NextAttemptAt != nil && !o.sleepUntil(ctx, r, *c.NextAttemptAt) {
				return
			}
			cur, err := o.store.GetCampaign(ctx, c.ID)
			if err != nil {
				log.Error("failed to reload campaign", zap.Error(err))
				return
			}
			if cur.State != models.CampaignActive {
				log.Info("campaign no longer active", zap.String("state", string(cur.State)))
				return
			}
			c = cur
			outcome, lastErr = o.attempt(ctx, r, policy, c, rem, log)
		}

		if ctx.Err() != nil {
			return
		}

		metrics.CampaignAttempts.WithLabelValues(outcome.String()).Inc()
		decision := policy.Decide(c.Attempt, outcome)
		log.Info("attempt finished",
			zap.Int("attempt", c.Attempt), zap.Stringer("outcome", outcome), zap.Stringer("decision", decision))

		switch decision {
		case DecisionStop:
			if _, err := o.confirm(ctx, c.ID, rem.ID, "call"); err != nil {
				log.Error("failed to confirm campaign", zap.Error(err))
			}
			return

		case DecisionRetry:
			next := o.clock.Now().Add(policy.RetryDelay).UTC()
			c.NextAttemptAt = &next
			c.CurrentCallID = nil
			if lastErr != "" {
				c.LastError = &lastErr
			}
			if err := o.store.UpdateCampaignProgress(ctx, c); err != nil {
				if !errors.Is(err, store.ErrStateConflict) {
					log.Error("failed to schedule retry", zap.Error(err))
				}
				return
			}

		default:
			o.giveUp(ctx, r, policy, c, rem, outcome, lastErr, decision == DecisionFallback)
			return
		}
	}
}

// attempt places the next call and waits for its outcome.
func (o *Orchestrator) attempt(ctx context.Context, r *run, policy Policy, c *models.WakeupCampaign, rem models.Reminder, log *zap.Logger) (Outcome, string) {
	ctx, span := o.tracer.Start(ctx, "campaign.attempt",
		trace.WithAttributes(attribute.Int64("campaign.id", c.ID), attribute.Int("campaign.attempt", c.Attempt+1)))
	defer span.End()

	c.Attempt++
	c.NextAttemptAt = nil
	c.CurrentCallID = nil
	if err := o.store.UpdateCampaignProgress(ctx, c); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			r.cancel(errCancelled)
			return OutcomeTransient, ""
		}
		return OutcomeTransient, fmt.Sprintf("record attempt: %v", err)
	}

	campaignID, reminderID := c.ID, rem.ID
	sess, _, err := o.calls.PlaceCall(ctx, callsession.PlaceRequest{
		Target:          rem.Target,
		CallType:        models.CallTypeWakeup,
		TaskDescription: rem.Title,
		CampaignID:      &campaignID,
		ReminderID:      &reminderID,
		Attempt:         c.Attempt,
	})
	if err != nil {
		span.RecordError(err)
		if gateway.Classify(err) == models.ErrorFatal {
			return OutcomeFatal, err.Error()
		}
		return OutcomeTransient, err.Error()
	}

	callID := sess.CallID
	c.CurrentCallID = &callID
	if err := o.store.UpdateCampaignProgress(ctx, c); err != nil && !errors.Is(err, store.ErrStateConflict) {
		log.Warn("failed to record current call", zap.String("call_id", callID), zap.Error(err))
	}
	ev := campaignEvent(events.CampaignAttempt, c)
	ev.CallID = callID
	o.publish(ctx, ev)

	return o.await(ctx, r, policy, callID)
}

// await waits for the call to settle, the attempt timeout, a confirmation
// from another channel, or cancellation.
func (o *Orchestrator) await(ctx context.Context, r *run, policy Policy, callID string) (Outcome, string) {
	sess, err := o.calls.Outcome(ctx, callID)
	if err != nil {
		return OutcomeTransient, err.Error()
	}
	done, err := o.calls.Done(ctx, callID)
	if err != nil {
		return OutcomeTransient, err.Error()
	}

	remaining := policy.AttemptTimeout - o.clock.Since(sess.InitiatedAt)
	if remaining < 0 {
		remaining = 0
	}
	timer := o.clock.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return OutcomeTransient, ""
	case <-r.confirmed:
		return OutcomeConfirmed, ""
	case <-done:
	case <-timer.Chan():
		// Settled calls win over a simultaneous timeout.
		select {
		case <-done:
		default:
			return OutcomeTransient, "attempt timed out"
		}
	}

	sess, err = o.calls.Outcome(ctx, callID)
	if err != nil {
		return OutcomeTransient, err.Error()
	}
	switch {
	case sess.Result == models.ResultConfirmed:
		return OutcomeConfirmed, ""
	case sess.ErrorKind == models.ErrorFatal:
		return OutcomeFatal, callFailure(sess)
	default:
		return OutcomeTransient, callFailure(sess)
	}
}

// sleepUntil waits for the retry delay. It returns false when the campaign
// should stop.
func (o *Orchestrator) sleepUntil(ctx context.Context, r *run, at time.Time) bool {
	d := at.Sub(o.clock.Now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := o.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-r.confirmed:
		return false
	case <-timer.Chan():
		return true
	}
}

// giveUp ends an unconfirmed campaign, sending the fallback message when
// allowed.
func (o *Orchestrator) giveUp(ctx context.Context, r *run, policy Policy, c *models.WakeupCampaign, rem models.Reminder, last Outcome, lastErr string, fallback bool) {
	cur, err := o.store.GetCampaign(ctx, c.ID)
	if err != nil || cur.State != models.CampaignActive {
		return
	}
	select {
	case <-r.confirmed:
		return
	default:
	}

	if fallback {
		_, err := o.sms.SendSMS(ctx, rem.Target, policy.FallbackText(rem.Title))
		if err == nil {
			metrics.Dispatches.WithLabelValues(string(models.ChannelSMS), "fallback").Inc()
			o.finish(ctx, c, models.CampaignFallbackSent, nilIfEmpty(lastErr))
			return
		}
		o.log.Warn("fallback sms failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		lastErr = fmt.Sprintf("fallback sms: %v", err)
		if gateway.Classify(err) == models.ErrorFatal {
			last = OutcomeFatal
		}
	}
	o.finish(ctx, c, policy.GiveUpState(last), nilIfEmpty(lastErr))
}

// finish moves the campaign to a terminal state and mirrors it onto the
// reminder.
func (o *Orchestrator) finish(ctx context.Context, c *models.WakeupCampaign, state models.CampaignState, lastErr *string) {
	ok, err := o.store.FinishCampaign(ctx, c.ID, state, lastErr, o.clock.Now())
	if err != nil {
		o.log.Error("failed to finish campaign", zap.Int64("campaign_id", c.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	c.State = state

	status := models.ReminderFailed
	if state == models.CampaignFallbackSent {
		status = models.ReminderSent
	}
	err = o.store.SetReminderStatus(ctx, c.ReminderID, status, models.ReminderDispatching)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrStateConflict) {
		o.log.Warn("failed to update reminder status", zap.Int64("reminder_id", c.ReminderID), zap.Error(err))
	}

	metrics.CampaignsFinished.WithLabelValues(string(state)).Inc()
	ev := campaignEvent(events.CampaignFinished, c)
	if lastErr != nil {
		ev.Detail = *lastErr
	}
	o.publish(ctx, ev)
	o.log.Info("campaign finished",
		zap.Int64("campaign_id", c.ID), zap.String("state", string(state)), zap.Int("attempts", c.Attempt))
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if err := o.pub.Publish(ctx, ev); err != nil {
		o.log.Warn("failed to publish campaign event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func campaignEvent(t events.Type, c *models.WakeupCampaign) events.Event {
	ev := events.New(t)
	ev.CampaignID = c.ID
	ev.ReminderID = c.ReminderID
	ev.Attempt = c.Attempt
	ev.State = string(c.State)
	return ev
}

func callFailure(sess *models.CallSession) string {
	if sess.ErrorMessage != nil {
		return fmt.Sprintf("%s: %s", sess.State, *sess.ErrorMessage)
	}
	if sess.Result == models.ResultUnconfirmed && sess.State == models.CallCompleted {
		return "completed without confirmation"
	}
	return string(sess.State)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
