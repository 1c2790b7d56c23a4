package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/outreach-engine/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestGetThreadContextFirstStepSkipsQuery(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	s := NewStore(db)
	tc, err := s.GetThreadContext(context.Background(), "c-1", "p-1", 1)
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if tc != nil {
		t.Errorf("first step has no thread context, got %+v", tc)
	}
	// No expectations were registered; any query would fail the mock.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}

func TestGetThreadContextBuildsReferencesChain(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`status = 'SENT'`).
		WithArgs("c-1", "p-1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "thread_id", "workspace_id"}).
			AddRow("m-1", "t-1", "ws-1").
			AddRow("m-2", "t-1", "ws-1"))
	mock.ExpectQuery(`FROM conversations`).
		WithArgs("ws-1", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"subject"}).AddRow("Quick question"))

	s := NewStore(db)
	tc, err := s.GetThreadContext(context.Background(), "c-1", "p-1", 3)
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if tc == nil {
		t.Fatal("expected a thread context")
	}
	if tc.ThreadID != "t-1" {
		t.Errorf("thread id = %q", tc.ThreadID)
	}
	if tc.References != "<m-1> <m-2>" {
		t.Errorf("references = %q, want the full chain in step order", tc.References)
	}
	if tc.InReplyTo != "<m-2>" {
		t.Errorf("in-reply-to = %q, want the most recent message", tc.InReplyTo)
	}
	if tc.OriginalSubject != "Quick question" {
		t.Errorf("subject = %q", tc.OriginalSubject)
	}
}

func TestGetThreadContextNoSentPriorStep(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`status = 'SENT'`).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "thread_id", "workspace_id"}))

	s := NewStore(db)
	tc, err := s.GetThreadContext(context.Background(), "c-1", "p-1", 2)
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if tc != nil {
		t.Errorf("no prior send means no context, got %+v", tc)
	}
}

func TestGetThreadContextMissingConversationSubject(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`status = 'SENT'`).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "thread_id", "workspace_id"}).
			AddRow("m-1", "t-1", "ws-1"))
	mock.ExpectQuery(`FROM conversations`).
		WillReturnError(sql.ErrNoRows)

	s := NewStore(db)
	tc, err := s.GetThreadContext(context.Background(), "c-1", "p-1", 2)
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if tc == nil || tc.OriginalSubject != "" {
		t.Errorf("missing conversation row should leave the subject empty, got %+v", tc)
	}
}

func TestAdvanceEnrollmentIntermediateStep(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec(`SET current_step`).
		WithArgs("e-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	if err := s.AdvanceEnrollment(context.Background(), "e-1", 2, 3); err != nil {
		t.Fatalf("AdvanceEnrollment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAdvanceEnrollmentFinalStepCompletes(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec(`status = 'COMPLETED'`).
		WithArgs("e-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	if err := s.AdvanceEnrollment(context.Background(), "e-1", 3, 3); err != nil {
		t.Fatalf("AdvanceEnrollment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDueEmails(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`FROM scheduled_emails`).
		WithArgs(25).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workspace_id", "campaign_id", "enrollment_id", "prospect_id", "sequence_id",
			"step_order", "idempotency_key", "status", "scheduled_for", "attempts",
			"last_error", "next_retry_at", "message_id", "thread_id", "sent_at",
		}).
			AddRow("email-1", "ws-1", "c-1", "e-1", "p-1", "seq-1", 1, "p-1:seq-1:step:1",
				"SCHEDULED", now.Add(-time.Minute), 0, "", nil, "", "", nil).
			AddRow("email-2", "ws-1", "c-1", "e-2", "p-2", "seq-1", 2, "p-2:seq-1:step:2",
				"RETRY_SCHEDULED", now.Add(-time.Hour), 1, "Backend Error", now.Add(-time.Minute), "", "", nil))

	s := NewStore(db)
	due, err := s.DueEmails(context.Background(), 25)
	if err != nil {
		t.Fatalf("DueEmails: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len = %d, want 2", len(due))
	}
	if due[0].ID != "email-1" || due[0].Status != domain.EmailScheduled {
		t.Errorf("first row = %+v", due[0])
	}
	if due[1].Attempts != 1 || due[1].LastError != "Backend Error" {
		t.Errorf("retry row = %+v", due[1])
	}
}

func TestRecordSendOutcome(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	sentAt := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)
	email := &domain.ScheduledEmail{
		ID:          "email-1",
		WorkspaceID: "ws-1",
		CampaignID:  "c-1",
		ProspectID:  "p-1",
		SequenceID:  "seq-1",
		StepOrder:   1,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "ws-1", "c-1", "p-1", "email-1", 1, "m-1", "t-1", sentAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO conversations`).
		WithArgs(sqlmock.AnyArg(), "ws-1", "t-1", "c-1", "seq-1", "p-1", "Quick question", sentAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	// The inbox message must carry the conversation id the upsert returned.
	mock.ExpectExec(`INSERT INTO inbox_messages`).
		WithArgs(sqlmock.AnyArg(), "ws-1", "conv-1", "m-1", "Quick question", "Hello Bob", sentAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewStore(db)
	err := s.RecordSendOutcome(context.Background(), &SendOutcome{
		Email:     email,
		MessageID: "m-1",
		ThreadID:  "t-1",
		Subject:   "Quick question",
		Snippet:   "Hello Bob",
		SentAt:    sentAt,
	})
	if err != nil {
		t.Fatalf("RecordSendOutcome: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordSendOutcomeRollsBackOnUpsertFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO conversations`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	s := NewStore(db)
	err := s.RecordSendOutcome(context.Background(), &SendOutcome{
		Email:  &domain.ScheduledEmail{ID: "email-1", WorkspaceID: "ws-1"},
		SentAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected the upsert failure to abort the transaction")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCompleteFinishedCampaigns(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`UPDATE campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-1").AddRow("c-2"))

	s := NewStore(db)
	ids, err := s.CompleteFinishedCampaigns(context.Background())
	if err != nil {
		t.Fatalf("CompleteFinishedCampaigns: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c-1" || ids[1] != "c-2" {
		t.Errorf("ids = %v", ids)
	}
}
