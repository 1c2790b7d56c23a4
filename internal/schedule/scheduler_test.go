package schedule

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func testScheduler(db *sql.DB, now time.Time) *Scheduler {
	s := NewScheduler(db, nil)
	s.now = func() time.Time { return now }
	s.jitter = func(max time.Duration) time.Duration { return 0 }
	return s
}

func settingsRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"sending_days", "start_hour", "end_hour", "timezone", "daily_quota",
		"ramp_up", "from_name", "signature",
	}).AddRow([]byte("{1,2,3,4,5}"), 9, 18, "UTC", 300, true, "Alice", "")
}

func TestScheduleCampaignNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`FROM campaigns`).
		WithArgs("c-missing").
		WillReturnError(sql.ErrNoRows)

	s := testScheduler(db, time.Now())
	result, err := s.ScheduleEmailsForCampaign(context.Background(), "c-missing")
	if err == nil {
		t.Fatal("expected error for missing campaign")
	}
	if result == nil || len(result.Errors) != 1 {
		t.Fatalf("expected result with one error, got %+v", result)
	}
	if !strings.Contains(result.Errors[0], "not found") {
		t.Errorf("error = %q, want mention of not found", result.Errors[0])
	}
}

func TestScheduleCampaignNotRunning(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`FROM campaigns`).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "sequence_id", "status", "started_at"}).
			AddRow("c-1", "ws-1", "seq-1", "DRAFT", nil))

	s := testScheduler(db, time.Now())
	result, err := s.ScheduleEmailsForCampaign(context.Background(), "c-1")
	if err == nil {
		t.Fatal("expected error for non-running campaign")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "not running") {
		t.Errorf("errors = %v, want not-running validation error", result.Errors)
	}
	if result.Scheduled != 0 {
		t.Errorf("scheduled = %d, want 0 (no partial state)", result.Scheduled)
	}
}

func TestScheduleCampaignNoSteps(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	started := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "sequence_id", "status", "started_at"}).
			AddRow("c-1", "ws-1", "seq-1", "RUNNING", started))
	mock.ExpectQuery(`FROM sequence_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "step_order", "delay_days"}))

	s := testScheduler(db, started)
	result, err := s.ScheduleEmailsForCampaign(context.Background(), "c-1")
	if err == nil {
		t.Fatal("expected error for sequence with no steps")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "no steps") {
		t.Errorf("errors = %v, want no-steps validation error", result.Errors)
	}
}

func TestScheduleCampaignNoSendingDays(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	started := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "sequence_id", "status", "started_at"}).
			AddRow("c-1", "ws-1", "seq-1", "RUNNING", started))
	mock.ExpectQuery(`FROM sequence_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "step_order", "delay_days"}).
			AddRow("st-1", "seq-1", 1, 0))
	mock.ExpectQuery(`FROM sending_settings`).
		WillReturnRows(sqlmock.NewRows([]string{
			"sending_days", "start_hour", "end_hour", "timezone", "daily_quota",
			"ramp_up", "from_name", "signature",
		}).AddRow([]byte("{}"), 9, 18, "UTC", 300, true, "", ""))

	s := testScheduler(db, started)
	_, err := s.ScheduleEmailsForCampaign(context.Background(), "c-1")
	if !errors.Is(err, ErrNoSendingDays) {
		t.Fatalf("expected ErrNoSendingDays, got %v", err)
	}
}

func TestScheduleCampaignLockHeld(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	started := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "sequence_id", "status", "started_at"}).
			AddRow("c-1", "ws-1", "seq-1", "RUNNING", started))
	mock.ExpectQuery(`FROM sequence_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "step_order", "delay_days"}).
			AddRow("st-1", "seq-1", 1, 0))
	mock.ExpectQuery(`FROM sending_settings`).
		WillReturnRows(settingsRow())
	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	s := testScheduler(db, started)
	result, err := s.ScheduleEmailsForCampaign(context.Background(), "c-1")
	if err == nil {
		t.Fatal("expected error when scheduling lock is held")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "already being scheduled") {
		t.Errorf("errors = %v, want already-being-scheduled error", result.Errors)
	}
}

func TestScheduleCampaignHappyPath(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// 2025-06-04 is a Wednesday; the campaign started the same morning.
	started := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "sequence_id", "status", "started_at"}).
			AddRow("c-1", "ws-1", "seq-1", "RUNNING", started))
	mock.ExpectQuery(`FROM sequence_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "step_order", "delay_days"}).
			AddRow("st-1", "seq-1", 1, 0).
			AddRow("st-2", "seq-1", 2, 3))
	mock.ExpectQuery(`FROM sending_settings`).
		WillReturnRows(settingsRow())
	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	// Cursor seeding: today has no committed sends.
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM campaign_prospects`).
		WithArgs("c-1", "", ProspectBatchSize).
		WillReturnRows(sqlmock.NewRows([]string{"id", "prospect_id"}).
			AddRow("e-1", "p-1"))
	// Per-day committed seeding for the two step placements (Wed and the
	// following Monday, since Wed+3d lands on Saturday).
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO scheduled_emails`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := testScheduler(db, now)
	result, err := s.ScheduleEmailsForCampaign(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("ScheduleEmailsForCampaign: %v", err)
	}
	if result.Scheduled != 2 {
		t.Errorf("scheduled = %d, want 2", result.Scheduled)
	}
	if result.Skipped != 0 {
		t.Errorf("skipped = %d, want 0", result.Skipped)
	}
	if len(result.Errors) != 0 {
		t.Errorf("errors = %v, want none", result.Errors)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestScheduleCampaignCustomBatchSize(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	started := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "sequence_id", "status", "started_at"}).
			AddRow("c-1", "ws-1", "seq-1", "RUNNING", started))
	mock.ExpectQuery(`FROM sequence_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "step_order", "delay_days"}).
			AddRow("st-1", "seq-1", 1, 0))
	mock.ExpectQuery(`FROM sending_settings`).
		WillReturnRows(settingsRow())
	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	// First page carries the configured limit; a full page forces a second
	// fetch keyed after the last prospect id.
	mock.ExpectQuery(`FROM campaign_prospects`).
		WithArgs("c-1", "", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "prospect_id"}).
			AddRow("e-1", "p-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO scheduled_emails`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM campaign_prospects`).
		WithArgs("c-1", "p-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "prospect_id"}))
	mock.ExpectExec(`pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := testScheduler(db, now)
	s.SetBatchSize(1)
	result, err := s.ScheduleEmailsForCampaign(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("ScheduleEmailsForCampaign: %v", err)
	}
	if result.Scheduled != 1 {
		t.Errorf("scheduled = %d, want 1", result.Scheduled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestScheduleCampaignCountsDuplicatesAsSkipped(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	started := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "sequence_id", "status", "started_at"}).
			AddRow("c-1", "ws-1", "seq-1", "RUNNING", started))
	mock.ExpectQuery(`FROM sequence_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "step_order", "delay_days"}).
			AddRow("st-1", "seq-1", 1, 0))
	mock.ExpectQuery(`FROM sending_settings`).
		WillReturnRows(settingsRow())
	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM campaign_prospects`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "prospect_id"}).
			AddRow("e-1", "p-1").
			AddRow("e-2", "p-2"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	// Two rows attempted, only one actually inserted: the other pairing was
	// already scheduled by a previous run.
	mock.ExpectExec(`INSERT INTO scheduled_emails`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := testScheduler(db, now)
	result, err := s.ScheduleEmailsForCampaign(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("ScheduleEmailsForCampaign: %v", err)
	}
	if result.Scheduled != 1 {
		t.Errorf("scheduled = %d, want 1", result.Scheduled)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
}
