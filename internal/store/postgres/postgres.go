// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// DB is the subset of a pgx pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	db  DB
	log *zap.Logger
}

var _ store.Store = (*Store)(nil)

func New(db DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

const reminderColumns = `id, owner_id, title, description, target, scheduled_at, channel, status, retry_count, max_retries, created_at, updated_at`

func scanReminder(row pgx.Row) (*models.Reminder, error) {
	var (
		r               models.Reminder
		channel, status string
	)
	if err := row.Scan(
		&r.ID, &r.OwnerID, &r.Title, &r.Description, &r.Target, &r.ScheduledAt,
		&channel, &status, &r.RetryCount, &r.MaxRetries, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Channel = models.Channel(channel)
	r.Status = models.ReminderStatus(status)
	return &r, nil
}

func (s *Store) queryReminders(ctx context.Context, sql string, args ...any) ([]models.Reminder, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) CreateReminder(ctx context.Context, r *models.Reminder) error {
	if r.Status == "" {
		r.Status = models.ReminderPending
	}
	err := s.db.QueryRow(ctx, `
        INSERT INTO voip.reminders (
            owner_id, title, description, target, scheduled_at,
            channel, status, retry_count, max_retries
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING id, created_at, updated_at
    `,
		r.OwnerID, r.Title, r.Description, r.Target, r.ScheduledAt.UTC(),
		string(r.Channel), string(r.Status), r.RetryCount, r.MaxRetries,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	s.log.Info("inserted reminder", zap.Int64("reminder_id", r.ID), zap.String("channel", string(r.Channel)))
	return nil
}

func (s *Store) GetReminder(ctx context.Context, id int64) (*models.Reminder, error) {
	r, err := scanReminder(s.db.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM voip.reminders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

func (s *Store) ListReminders(ctx context.Context, ownerID int64) ([]models.Reminder, error) {
	out, err := s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM voip.reminders WHERE owner_id = $1 ORDER BY scheduled_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return out, nil
}

func (s *Store) RemindersByStatus(ctx context.Context, status models.ReminderStatus) ([]models.Reminder, error) {
	out, err := s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM voip.reminders WHERE status = $1 ORDER BY scheduled_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("reminders by status: %w", err)
	}
	return out, nil
}

func (s *Store) DueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	out, err := s.queryReminders(ctx, `
        SELECT `+reminderColumns+`
        FROM voip.reminders
        WHERE status = 'pending' AND scheduled_at <= $1
        ORDER BY scheduled_at, id
        LIMIT $2
    `, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	return out, nil
}

func (s *Store) ClaimReminder(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE voip.reminders
        SET status = 'dispatching', updated_at = $2
        WHERE id = $1 AND status = 'pending' AND scheduled_at <= $2
    `, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.exists(ctx, `SELECT 1 FROM voip.reminders WHERE id = $1`, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) exists(ctx context.Context, sql string, args ...any) error {
	var one int
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func statusList(from []models.ReminderStatus) []string {
	out := make([]string, 0, len(from))
	for _, f := range from {
		out = append(out, string(f))
	}
	return out
}

// unchanged tells a missing reminder apart from one in an unexpected state.
func (s *Store) unchanged(ctx context.Context, id int64) error {
	if err := s.exists(ctx, `SELECT 1 FROM voip.reminders WHERE id = $1`, id); err != nil {
		return err
	}
	return store.ErrStateConflict
}

func (s *Store) SetReminderStatus(ctx context.Context, id int64, status models.ReminderStatus, from ...models.ReminderStatus) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE voip.reminders SET status = $2, updated_at = now()
        WHERE id = $1 AND (cardinality($3::text[]) = 0 OR status = ANY($3))
    `, id, string(status), statusList(from))
	if err != nil {
		return fmt.Errorf("set reminder status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.unchanged(ctx, id)
	}
	return nil
}

func (s *Store) RescheduleReminder(ctx context.Context, id int64, at time.Time, retryCount int, from ...models.ReminderStatus) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE voip.reminders
        SET status = 'pending', scheduled_at = $2, retry_count = $3, updated_at = now()
        WHERE id = $1 AND (cardinality($4::text[]) = 0 OR status = ANY($4))
    `, id, at.UTC(), retryCount, statusList(from))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return store.ErrStateConflict
		}
		return fmt.Errorf("reschedule reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.unchanged(ctx, id)
	}
	return nil
}

func (s *Store) DeleteReminder(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM voip.reminders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	s.log.Info("deleted reminder", zap.Int64("reminder_id", id))
	return nil
}

const campaignColumns = `id, reminder_id, attempt, max_attempts, retry_delay_ms, attempt_timeout_ms, sms_fallback, confirmed, state, current_call_id, next_attempt_at, last_error, started_at, finished_at`

func scanCampaign(row pgx.Row) (*models.WakeupCampaign, error) {
	var (
		c                  models.WakeupCampaign
		retryMS, timeoutMS int64
		state              string
	)
	if err := row.Scan(
		&c.ID, &c.ReminderID, &c.Attempt, &c.MaxAttempts, &retryMS, &timeoutMS,
		&c.SMSFallback, &c.Confirmed, &state, &c.CurrentCallID, &c.NextAttemptAt,
		&c.LastError, &c.StartedAt, &c.FinishedAt,
	); err != nil {
		return nil, err
	}
	c.RetryDelay = time.Duration(retryMS) * time.Millisecond
	c.AttemptTimeout = time.Duration(timeoutMS) * time.Millisecond
	c.State = models.CampaignState(state)
	return &c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c *models.WakeupCampaign) error {
	c.State = models.CampaignActive
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx, `
        INSERT INTO voip.campaigns (
            reminder_id, attempt, max_attempts, retry_delay_ms, attempt_timeout_ms,
            sms_fallback, state, started_at
        ) VALUES ($1,$2,$3,$4,$5,$6,'active',$7)
        RETURNING id
    `,
		c.ReminderID, c.Attempt, c.MaxAttempts, c.RetryDelay.Milliseconds(), c.AttemptTimeout.Milliseconds(),
		c.SMSFallback, c.StartedAt.UTC(),
	).Scan(&c.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			s.log.Info("campaign already active", zap.Int64("reminder_id", c.ReminderID))
			return store.ErrCampaignActive
		}
		return fmt.Errorf("insert campaign: %w", err)
	}
	s.log.Info("started campaign", zap.Int64("campaign_id", c.ID), zap.Int64("reminder_id", c.ReminderID))
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (*models.WakeupCampaign, error) {
	c, err := scanCampaign(s.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM voip.campaigns WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Store) ActiveCampaign(ctx context.Context, reminderID int64) (*models.WakeupCampaign, error) {
	c, err := scanCampaign(s.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM voip.campaigns WHERE reminder_id = $1 AND state = 'active'`, reminderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("active campaign: %w", err)
	}
	return c, nil
}

func (s *Store) ActiveCampaigns(ctx context.Context) ([]models.WakeupCampaign, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+campaignColumns+` FROM voip.campaigns WHERE state = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.WakeupCampaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) ConfirmableCampaign(ctx context.Context, target string) (*models.WakeupCampaign, error) {
	c, err := scanCampaign(s.db.QueryRow(ctx, `
        SELECT c.id, c.reminder_id, c.attempt, c.max_attempts, c.retry_delay_ms, c.attempt_timeout_ms,
               c.sms_fallback, c.confirmed, c.state, c.current_call_id, c.next_attempt_at,
               c.last_error, c.started_at, c.finished_at
        FROM voip.campaigns c
        JOIN voip.reminders r ON r.id = c.reminder_id
        WHERE r.target = $1 AND c.state IN ('active', 'fallback_sent')
        ORDER BY c.id DESC
        LIMIT 1
    `, target))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("confirmable campaign: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateCampaignProgress(ctx context.Context, c *models.WakeupCampaign) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE voip.campaigns
        SET attempt = $2, current_call_id = $3, next_attempt_at = $4, last_error = $5
        WHERE id = $1 AND state = 'active' AND $2 <= max_attempts
    `, c.ID, c.Attempt, c.CurrentCallID, c.NextAttemptAt, c.LastError)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrStateConflict
	}
	return nil
}

// FinishCampaign locks the row so a concurrent confirmation either lands
// first or observes the terminal state.
func (s *Store) FinishCampaign(ctx context.Context, id int64, state models.CampaignState, lastError *string, at time.Time) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer s.finishTx(ctx, tx, &err)

	var current string
	if err = tx.QueryRow(ctx, `SELECT state FROM voip.campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("lock campaign: %w", err)
	}
	if models.CampaignState(current) != models.CampaignActive {
		s.log.Info("campaign already finished", zap.Int64("campaign_id", id), zap.String("state", current))
		return false, nil
	}

	if _, err = tx.Exec(ctx, `
        UPDATE voip.campaigns
        SET state = $2, confirmed = $3, last_error = COALESCE($4, last_error),
            next_attempt_at = NULL, finished_at = $5
        WHERE id = $1
    `, id, string(state), state == models.CampaignConfirmed, lastError, at.UTC()); err != nil {
		return false, fmt.Errorf("finish campaign: %w", err)
	}

	s.log.Info("finished campaign", zap.Int64("campaign_id", id), zap.String("state", string(state)))
	return true, nil
}

func (s *Store) ConfirmCampaign(ctx context.Context, id int64, at time.Time) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer s.finishTx(ctx, tx, &err)

	var current string
	if err = tx.QueryRow(ctx,
		`SELECT state FROM voip.campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("lock campaign: %w", err)
	}
	switch models.CampaignState(current) {
	case models.CampaignActive, models.CampaignFallbackSent:
	default:
		return false, nil
	}

	if _, err = tx.Exec(ctx, `
        UPDATE voip.campaigns
        SET state = 'confirmed', confirmed = TRUE, next_attempt_at = NULL, finished_at = $2
        WHERE id = $1
    `, id, at.UTC()); err != nil {
		return false, fmt.Errorf("confirm campaign: %w", err)
	}

	s.log.Info("confirmed campaign", zap.Int64("campaign_id", id), zap.String("previous_state", current))
	return true, nil
}

func (s *Store) finishTx(ctx context.Context, tx pgx.Tx, errp *error) {
	if *errp != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("failed to rollback transaction", zap.Error(rbErr))
		}
		return
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		*errp = fmt.Errorf("commit tx: %w", commitErr)
	}
}

const sessionColumns = `call_id, campaign_id, reminder_id, attempt, target, call_type, task_kind, task_description, state, result, error_kind, error_message, round, reprompts, initiated_at, updated_at, completed_at`

func (s *Store) CreateSession(ctx context.Context, sess *models.CallSession) error {
	tag, err := s.db.Exec(ctx, `
        INSERT INTO voip.call_sessions (
            call_id, campaign_id, reminder_id, attempt, target, call_type, task_kind,
            task_description, state, result, error_kind, error_message,
            round, reprompts, initiated_at, updated_at, completed_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
        ON CONFLICT (call_id) DO NOTHING
    `,
		sess.CallID, sess.CampaignID, sess.ReminderID, sess.Attempt, sess.Target, string(sess.CallType), string(sess.TaskKind),
		sess.TaskDescription, string(sess.State), string(sess.Result), string(sess.ErrorKind), sess.ErrorMessage,
		sess.Round, sess.Reprompts, sess.InitiatedAt.UTC(), sess.UpdatedAt.UTC(), sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Info("call session already exists", zap.String("call_id", sess.CallID))
		return store.ErrDuplicateCall
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, callID string) (*models.CallSession, error) {
	var (
		sess                                            models.CallSession
		callType, taskKind, state, result, errorKindStr string
	)
	err := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM voip.call_sessions WHERE call_id = $1`, callID).Scan(
		&sess.CallID, &sess.CampaignID, &sess.ReminderID, &sess.Attempt, &sess.Target, &callType, &taskKind,
		&sess.TaskDescription, &state, &result, &errorKindStr, &sess.ErrorMessage,
		&sess.Round, &sess.Reprompts, &sess.InitiatedAt, &sess.UpdatedAt, &sess.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get call session: %w", err)
	}
	sess.CallType = models.CallType(callType)
	sess.TaskKind = models.TaskKind(taskKind)
	sess.State = models.CallState(state)
	sess.Result = models.CallResult(result)
	sess.ErrorKind = models.ErrorKind(errorKindStr)
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.CallSession) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE voip.call_sessions
        SET state = $2, result = $3, error_kind = $4, error_message = $5,
            round = $6, reprompts = $7, updated_at = $8, completed_at = $9
        WHERE call_id = $1
    `,
		sess.CallID, string(sess.State), string(sess.Result), string(sess.ErrorKind), sess.ErrorMessage,
		sess.Round, sess.Reprompts, sess.UpdatedAt.UTC(), sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update call session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RecordEvent(ctx context.Context, callID, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        INSERT INTO voip.call_events (call_id, event_key)
        VALUES ($1, $2)
        ON CONFLICT (call_id, event_key) DO NOTHING
    `, callID, key)
	if err != nil {
		return false, fmt.Errorf("record call event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("duplicate call event", zap.String("call_id", callID), zap.String("event_key", key))
		return false, nil
	}
	return true, nil
}

func (s *Store) AppendTurn(ctx context.Context, t models.Turn) (bool, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `
        INSERT INTO voip.turns (call_id, seq, speaker, modality, content, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (call_id, seq) DO NOTHING
    `, t.CallID, t.Seq, string(t.Speaker), string(t.Modality), t.Content, t.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("append turn: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListTurns(ctx context.Context, callID string) ([]models.Turn, error) {
	rows, err := s.db.Query(ctx, `
        SELECT call_id, seq, speaker, modality, content, created_at
        FROM voip.turns
        WHERE call_id = $1
        ORDER BY seq
    `, callID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var (
			t                 models.Turn
			speaker, modality string
		)
		if err := rows.Scan(&t.CallID, &t.Seq, &speaker, &modality, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Speaker = models.Speaker(speaker)
		t.Modality = models.Modality(modality)
		out = append(out, t)
	}
	return out, rows.Err()
}
