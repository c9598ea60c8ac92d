package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"voip-notify/internal/callsession"
	"voip-notify/internal/events"
	"voip-notify/internal/gateway"
	"voip-notify/internal/metrics"
	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

// Dispatch delivers a claimed reminder over its channel.
func (s *Scheduler) Dispatch(ctx context.Context, r *models.Reminder) {
	log := s.log.With(zap.Int64("reminder_id", r.ID), zap.String("channel", string(r.Channel)))

	smsSent := false
	if r.Channel.IncludesSMS() {
		if _, err := s.sms.SendSMS(ctx, r.Target, SMSText(r)); err != nil {
			log.Warn("reminder sms failed", zap.Error(err))
			s.failed(ctx, r, models.ChannelSMS, err)
			return
		}
		smsSent = true
		metrics.Dispatches.WithLabelValues(string(models.ChannelSMS), "ok").Inc()
	}

	if !r.Channel.IncludesVoice() {
		s.delivered(ctx, r, "sms")
		return
	}

	if r.IsWakeup() && s.opts.PersistentWakeup {
		c, err := s.campaigns.StartCampaign(ctx, r)
		switch {
		case errors.Is(err, store.ErrCampaignActive):
			log.Info("wake-up campaign already running")
		case err != nil:
			log.Error("failed to start wake-up campaign", zap.Error(err))
			s.failed(ctx, r, models.ChannelVoice, err)
		default:
			metrics.Dispatches.WithLabelValues(string(models.ChannelVoice), "campaign").Inc()
			log.Info("handed reminder to wake-up campaign", zap.Int64("campaign_id", c.ID))
			s.publish(ctx, events.ReminderDispatched, r, "campaign")
		}
		return
	}

	reminderID := r.ID
	req := callsession.PlaceRequest{
		Target:     r.Target,
		ReminderID: &reminderID,
		Attempt:    r.RetryCount + 1,
	}
	if r.IsWakeup() {
		req.CallType = models.CallTypeWakeup
		req.TaskDescription = r.Title
	} else {
		req.CallType = models.CallTypeGeneral
		req.TaskDescription = CallText(r)
	}

	sess, _, err := s.calls.PlaceCall(ctx, req)
	if err != nil {
		if smsSent {
			// The text already went out; do not resend it on retry.
			log.Warn("reminder call failed after sms was delivered", zap.Error(err))
			metrics.Dispatches.WithLabelValues(string(models.ChannelVoice), "failed").Inc()
			s.delivered(ctx, r, "sms")
			return
		}
		log.Warn("reminder call failed", zap.Error(err))
		s.failed(ctx, r, models.ChannelVoice, err)
		return
	}
	metrics.Dispatches.WithLabelValues(string(models.ChannelVoice), "ok").Inc()
	log.Info("reminder call placed", zap.String("call_id", sess.CallID))
	s.delivered(ctx, r, sess.CallID)
}

func (s *Scheduler) delivered(ctx context.Context, r *models.Reminder, detail string) {
	if err := s.store.SetReminderStatus(ctx, r.ID, models.ReminderSent, models.ReminderDispatching); err != nil {
		s.changedDuringDispatch(r, "sent", err)
		return
	}
	r.Status = models.ReminderSent
	s.publish(ctx, events.ReminderDispatched, r, detail)
}

// failed retries the reminder later unless the error is fatal or the
// retry budget is spent.
func (s *Scheduler) failed(ctx context.Context, r *models.Reminder, ch models.Channel, cause error) {
	if gateway.Classify(cause) != models.ErrorFatal && r.RetryCount < r.MaxRetries {
		at := s.clock.Now().Add(s.opts.ReminderRetryDelay).UTC()
		err := s.store.RescheduleReminder(ctx, r.ID, at, r.RetryCount+1, models.ReminderDispatching)
		if errors.Is(err, store.ErrStateConflict) {
			s.changedDuringDispatch(r, "retry", err)
			return
		}
		if err == nil {
			r.RetryCount++
			r.Status = models.ReminderPending
			r.ScheduledAt = at
			metrics.Dispatches.WithLabelValues(string(ch), "retry").Inc()
			s.publish(ctx, events.ReminderRetrying, r, cause.Error())
			s.log.Info("reminder will be retried",
				zap.Int64("reminder_id", r.ID), zap.Int("retry", r.RetryCount), zap.Time("at", at))
			s.arm(at)
			return
		}
		s.log.Error("failed to reschedule reminder", zap.Int64("reminder_id", r.ID), zap.Error(err))
	}

	if err := s.store.SetReminderStatus(ctx, r.ID, models.ReminderFailed, models.ReminderDispatching); err != nil {
		s.changedDuringDispatch(r, "failed", err)
		return
	}
	r.Status = models.ReminderFailed
	metrics.Dispatches.WithLabelValues(string(ch), "failed").Inc()
	s.publish(ctx, events.ReminderFailed, r, cause.Error())
}

// changedDuringDispatch logs a dispatch outcome that was not recorded. A
// cancel or snooze that landed while the reminder was in flight wins.
func (s *Scheduler) changedDuringDispatch(r *models.Reminder, outcome string, err error) {
	if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
		s.log.Info("reminder changed during dispatch, outcome dropped",
			zap.Int64("reminder_id", r.ID), zap.String("outcome", outcome))
		return
	}
	s.log.Error("failed to record dispatch outcome",
		zap.Int64("reminder_id", r.ID), zap.String("outcome", outcome), zap.Error(err))
}

// SMSText is the body of a reminder text message.
func SMSText(r *models.Reminder) string {
	if d := r.DescriptionText(); d != "" {
		return fmt.Sprintf("Reminder: %s\n%s", r.Title, d)
	}
	return "Reminder: " + r.Title
}

// CallText is what a plain reminder call says.
func CallText(r *models.Reminder) string {
	if d := r.DescriptionText(); d != "" {
		return r.Title + ". " + d
	}
	return r.Title
}
