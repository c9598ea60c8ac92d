package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestClaimReminder(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(pgxmock.PgxPoolIface)
		want      bool
		wantErr   error
	}{
		{
			name: "claims pending reminder",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE voip\.reminders\s+SET status = 'dispatching'`).
					WithArgs(int64(1), now).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
			want: true,
		},
		{
			name: "already claimed",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE voip\.reminders\s+SET status = 'dispatching'`).
					WithArgs(int64(1), now).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectQuery(`SELECT 1 FROM voip\.reminders WHERE id = \$1`).
					WithArgs(int64(1)).
					WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
			},
			want: false,
		},
		{
			name: "unknown reminder",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE voip\.reminders\s+SET status = 'dispatching'`).
					WithArgs(int64(1), now).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectQuery(`SELECT 1 FROM voip\.reminders WHERE id = \$1`).
					WithArgs(int64(1)).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: store.ErrNotFound,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			tc.setupMock(mock)

			got, err := New(mock, nil).ClaimReminder(context.Background(), 1, now)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if got != tc.want {
				t.Fatalf("expected claimed=%v, got %v", tc.want, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestCreateCampaign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		result  func(*pgxmock.ExpectedQuery)
		wantID  int64
		wantErr error
	}{
		{
			name: "inserts active campaign",
			result: func(q *pgxmock.ExpectedQuery) {
				q.WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
			},
			wantID: 42,
		},
		{
			name: "second active campaign rejected",
			result: func(q *pgxmock.ExpectedQuery) {
				q.WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "campaigns_one_active_idx"})
			},
			wantErr: store.ErrCampaignActive,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			q := mock.ExpectQuery(`INSERT INTO voip\.campaigns`).
				WithArgs(int64(9), 0, 5, int64(300000), int64(120000), true, pgxmock.AnyArg())
			tc.result(q)

			c := &models.WakeupCampaign{
				ReminderID:     9,
				MaxAttempts:    5,
				RetryDelay:     5 * time.Minute,
				AttemptTimeout: 2 * time.Minute,
				SMSFallback:    true,
			}
			err := New(mock, nil).CreateCampaign(context.Background(), c)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if c.ID != tc.wantID {
				t.Fatalf("expected id %d, got %d", tc.wantID, c.ID)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestFinishCampaign(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 1, 7, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(pgxmock.PgxPoolIface)
		want      bool
		wantErr   error
	}{
		{
			name: "active campaign finishes",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT state FROM voip\.campaigns WHERE id = \$1 FOR UPDATE`).
					WithArgs(int64(3)).
					WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("active"))
				mock.ExpectExec(`UPDATE voip\.campaigns`).
					WithArgs(int64(3), "fallback_sent", false, pgxmock.AnyArg(), at).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				mock.ExpectCommit()
			},
			want: true,
		},
		{
			name: "confirmed campaign left alone",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT state FROM voip\.campaigns WHERE id = \$1 FOR UPDATE`).
					WithArgs(int64(3)).
					WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("confirmed"))
				mock.ExpectCommit()
			},
			want: false,
		},
		{
			name: "missing campaign rolls back",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT state FROM voip\.campaigns WHERE id = \$1 FOR UPDATE`).
					WithArgs(int64(3)).
					WillReturnError(pgx.ErrNoRows)
				mock.ExpectRollback()
			},
			wantErr: store.ErrNotFound,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			tc.setupMock(mock)

			got, err := New(mock, nil).FinishCampaign(context.Background(), 3, models.CampaignFallbackSent, nil, at)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if got != tc.want {
				t.Fatalf("expected finished=%v, got %v", tc.want, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestConfirmCampaign(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 1, 7, 5, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state string
		want  bool
	}{
		{name: "active", state: "active", want: true},
		{name: "late confirmation after fallback", state: "fallback_sent", want: true},
		{name: "already confirmed", state: "confirmed", want: false},
		{name: "cancelled", state: "cancelled", want: false},
		{name: "exhausted stays exhausted", state: "exhausted", want: false},
		{name: "aborted stays aborted", state: "aborted", want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT state FROM voip\.campaigns WHERE id = \$1 FOR UPDATE`).
				WithArgs(int64(5)).
				WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(tc.state))
			if tc.want {
				mock.ExpectExec(`UPDATE voip\.campaigns\s+SET state = 'confirmed'`).
					WithArgs(int64(5), at).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			}
			mock.ExpectCommit()

			got, err := New(mock, nil).ConfirmCampaign(context.Background(), 5, at)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected confirmed=%v, got %v", tc.want, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec(`INSERT INTO voip\.call_sessions`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	sess := &models.CallSession{CallID: "CA1", State: models.CallInitiated, CallType: models.CallTypeWakeup}
	err := New(mock, nil).CreateSession(context.Background(), sess)
	if !errors.Is(err, store.ErrDuplicateCall) {
		t.Fatalf("expected %v, got %v", store.ErrDuplicateCall, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows int64
		want bool
	}{
		{name: "first delivery", rows: 1, want: true},
		{name: "redelivery", rows: 0, want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectExec(`INSERT INTO voip\.call_events`).
				WithArgs("CA1", "input:1").
				WillReturnResult(pgxmock.NewResult("INSERT", tc.rows))

			got, err := New(mock, nil).RecordEvent(context.Background(), "CA1", "input:1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestListTurns(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)
	mock := newMock(t)
	mock.ExpectQuery(`SELECT call_id, seq, speaker, modality, content, created_at\s+FROM voip\.turns`).
		WithArgs("CA1").
		WillReturnRows(pgxmock.NewRows([]string{"call_id", "seq", "speaker", "modality", "content", "created_at"}).
			AddRow("CA1", 1, "system", "speech", "Good morning!", created).
			AddRow("CA1", 2, "human", "keypress", "1", created))

	turns, err := New(mock, nil).ListTurns(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[1].Speaker != models.SpeakerHuman || turns[1].Modality != models.ModalityKeypress {
		t.Fatalf("unexpected second turn: %+v", turns[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetReminderNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM voip\.reminders WHERE id = \$1`).
		WithArgs(int64(77)).
		WillReturnError(pgx.ErrNoRows)

	_, err := New(mock, nil).GetReminder(context.Background(), 77)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected %v, got %v", store.ErrNotFound, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirmableCampaign(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)
	columns := []string{
		"id", "reminder_id", "attempt", "max_attempts", "retry_delay_ms", "attempt_timeout_ms",
		"sms_fallback", "confirmed", "state", "current_call_id", "next_attempt_at",
		"last_error", "started_at", "finished_at",
	}

	t.Run("newest open campaign for target", func(t *testing.T) {
		mock := newMock(t)
		finished := started.Add(15 * time.Minute)
		mock.ExpectQuery(`JOIN voip\.reminders r ON r\.id = c\.reminder_id\s+WHERE r\.target = \$1`).
			WithArgs("+15550001111").
			WillReturnRows(pgxmock.NewRows(columns).AddRow(
				int64(9), int64(3), 3, 3, int64(300000), int64(120000),
				true, false, "fallback_sent", (*string)(nil), (*time.Time)(nil),
				(*string)(nil), started, &finished,
			))

		got, err := New(mock, nil).ConfirmableCampaign(context.Background(), "+15550001111")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ID != 9 || got.State != models.CampaignFallbackSent {
			t.Fatalf("unexpected campaign: %+v", got)
		}
		if got.RetryDelay != 5*time.Minute {
			t.Fatalf("retry delay = %v", got.RetryDelay)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})

	t.Run("no campaign", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM voip\.campaigns c`).
			WithArgs("+15550001111").
			WillReturnError(pgx.ErrNoRows)

		_, err := New(mock, nil).ConfirmableCampaign(context.Background(), "+15550001111")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestSetReminderStatusGuardsCurrentState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupMock func(pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "dispatching reminder is marked sent",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE voip\.reminders SET status = \$2`).
					WithArgs(int64(1), "sent", []string{"dispatching"}).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name: "cancelled while dispatching",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE voip\.reminders SET status = \$2`).
					WithArgs(int64(1), "sent", []string{"dispatching"}).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectQuery(`SELECT 1 FROM voip\.reminders WHERE id = \$1`).
					WithArgs(int64(1)).
					WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
			},
			wantErr: store.ErrStateConflict,
		},
		{
			name: "unknown reminder",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`UPDATE voip\.reminders SET status = \$2`).
					WithArgs(int64(1), "sent", []string{"dispatching"}).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				mock.ExpectQuery(`SELECT 1 FROM voip\.reminders WHERE id = \$1`).
					WithArgs(int64(1)).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: store.ErrNotFound,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			tc.setupMock(mock)

			err := New(mock, nil).SetReminderStatus(context.Background(), 1, models.ReminderSent, models.ReminderDispatching)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}
