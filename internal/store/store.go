// Package store is the raw-SQL persistence layer for the delivery engine:
// the scheduled_emails durable queue, campaign and enrollment lookups for
// the pre-send guards, thread context for follow-ups, and the transactional
// recording of send outcomes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Store provides database operations for the delivery engine.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share it.
func (s *Store) DB() *sql.DB { return s.db }

// DueEmails pulls up to limit pending rows whose send time has arrived,
// oldest first. RETRY_SCHEDULED rows are due once next_retry_at has passed.
func (s *Store) DueEmails(ctx context.Context, limit int) ([]*domain.ScheduledEmail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, campaign_id, enrollment_id, prospect_id, sequence_id,
			step_order, idempotency_key, status, scheduled_for, attempts,
			COALESCE(last_error, ''), next_retry_at, COALESCE(message_id, ''),
			COALESCE(thread_id, ''), sent_at
		FROM scheduled_emails
		WHERE (status = 'SCHEDULED' AND scheduled_for <= NOW())
		   OR (status = 'RETRY_SCHEDULED' AND next_retry_at <= NOW())
		ORDER BY scheduled_for ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load due emails: %w", err)
	}
	defer rows.Close()

	var out []*domain.ScheduledEmail
	for rows.Next() {
		e := &domain.ScheduledEmail{}
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.CampaignID, &e.EnrollmentID,
			&e.ProspectID, &e.SequenceID, &e.StepOrder, &e.IdempotencyKey, &e.Status,
			&e.ScheduledFor, &e.Attempts, &e.LastError, &e.NextRetryAt,
			&e.MessageID, &e.ThreadID, &e.SentAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCampaign loads the fields the pre-send guard needs.
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, sequence_id, status, COALESCE(auto_pause_reason, ''), started_at, paused_at
		FROM campaigns WHERE id = $1
	`, campaignID).Scan(&c.ID, &c.WorkspaceID, &c.SequenceID, &c.Status,
		&c.AutoPauseReason, &c.StartedAt, &c.PausedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	return c, nil
}

// GetEnrollment loads one enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, enrollmentID string) (*domain.CampaignProspect, error) {
	e := &domain.CampaignProspect{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, prospect_id, status, current_step, enrolled_at, paused_at, completed_at
		FROM campaign_prospects WHERE id = $1
	`, enrollmentID).Scan(&e.ID, &e.CampaignID, &e.ProspectID, &e.Status,
		&e.CurrentStep, &e.EnrolledAt, &e.PausedAt, &e.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("enrollment %s not found", enrollmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load enrollment %s: %w", enrollmentID, err)
	}
	return e, nil
}

// GetProspect loads the personalization fields for rendering.
func (s *Store) GetProspect(ctx context.Context, prospectID string) (*domain.Prospect, error) {
	p := &domain.Prospect{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, COALESCE(first_name, ''), COALESCE(last_name, ''),
			COALESCE(company, ''), COALESCE(title, ''), unsubscribed
		FROM prospects WHERE id = $1
	`, prospectID).Scan(&p.ID, &p.WorkspaceID, &p.Email, &p.FirstName,
		&p.LastName, &p.Company, &p.Title, &p.Unsubscribed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("prospect %s not found", prospectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load prospect %s: %w", prospectID, err)
	}
	return p, nil
}

// GetStep loads one sequence step's template.
func (s *Store) GetStep(ctx context.Context, sequenceID string, stepOrder int) (*domain.SequenceStep, error) {
	st := &domain.SequenceStep{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, step_order, delay_days, subject, body
		FROM sequence_steps WHERE sequence_id = $1 AND step_order = $2
	`, sequenceID, stepOrder).Scan(&st.ID, &st.SequenceID, &st.StepOrder,
		&st.DelayDays, &st.Subject, &st.Body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %d of sequence %s not found", stepOrder, sequenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load step %d of sequence %s: %w", stepOrder, sequenceID, err)
	}
	return st, nil
}

// GetOpenerCache returns the cached personalization fragment for a
// prospect, or empty when enrichment never produced one.
func (s *Store) GetOpenerCache(ctx context.Context, campaignID, prospectID string) (string, error) {
	var opener string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(opener, '') FROM prospect_opener_cache
		WHERE campaign_id = $1 AND prospect_id = $2
	`, campaignID, prospectID).Scan(&opener)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load opener cache for prospect %s: %w", prospectID, err)
	}
	return opener, nil
}

// ThreadContext is the provider threading metadata linking a follow-up to
// its originating message.
type ThreadContext struct {
	ThreadID        string
	InReplyTo       string
	References      string
	OriginalSubject string
}

// GetThreadContext resolves the thread a follow-up step continues.
// Returns nil for the first step or when no prior step was sent.
func (s *Store) GetThreadContext(ctx context.Context, campaignID, prospectID string, stepNumber int) (*ThreadContext, error) {
	if stepNumber <= 1 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, thread_id, workspace_id
		FROM scheduled_emails
		WHERE campaign_id = $1 AND prospect_id = $2 AND step_order < $3 AND status = 'SENT'
		ORDER BY step_order ASC
	`, campaignID, prospectID, stepNumber)
	if err != nil {
		return nil, fmt.Errorf("load thread context: %w", err)
	}
	defer rows.Close()

	var messageIDs []string
	var threadID, workspaceID string
	for rows.Next() {
		var msgID, thrID, wsID string
		if err := rows.Scan(&msgID, &thrID, &wsID); err != nil {
			return nil, err
		}
		if threadID == "" && thrID != "" {
			threadID = thrID
			workspaceID = wsID
		}
		if msgID != "" {
			messageIDs = append(messageIDs, "<"+msgID+">")
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if threadID == "" {
		return nil, nil
	}

	tc := &ThreadContext{
		ThreadID:   threadID,
		References: strings.Join(messageIDs, " "),
	}
	if len(messageIDs) > 0 {
		tc.InReplyTo = messageIDs[len(messageIDs)-1]
	}

	var subject string
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(subject, '') FROM conversations
		WHERE workspace_id = $1 AND thread_id = $2
	`, workspaceID, threadID).Scan(&subject)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load conversation subject: %w", err)
	}
	tc.OriginalSubject = subject
	return tc, nil
}

// AdvanceEnrollment records that a step was sent: bumps current_step and,
// when it was the last step, completes the enrollment.
func (s *Store) AdvanceEnrollment(ctx context.Context, enrollmentID string, stepOrder, totalSteps int) error {
	if stepOrder >= totalSteps {
		_, err := s.db.ExecContext(ctx, `
			UPDATE campaign_prospects
			SET current_step = $2, status = 'COMPLETED', completed_at = NOW()
			WHERE id = $1 AND status = 'ENROLLED'
		`, enrollmentID, stepOrder)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_prospects SET current_step = $2
		WHERE id = $1 AND current_step < $2
	`, enrollmentID, stepOrder)
	return err
}

// CountSteps returns the number of steps in a sequence.
func (s *Store) CountSteps(ctx context.Context, sequenceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sequence_steps WHERE sequence_id = $1
	`, sequenceID).Scan(&n)
	return n, err
}

// CompleteFinishedCampaigns flips RUNNING campaigns with no pending rows
// and no active enrollments to COMPLETED. Returns the ids completed.
func (s *Store) CompleteFinishedCampaigns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE campaigns c
		SET status = 'COMPLETED', completed_at = NOW(), updated_at = NOW()
		WHERE c.status = 'RUNNING'
		  AND NOT EXISTS (
			SELECT 1 FROM scheduled_emails e
			WHERE e.campaign_id = c.id AND e.status IN ('SCHEDULED', 'RETRY_SCHEDULED', 'SENDING')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_prospects p
			WHERE p.campaign_id = c.id AND p.status IN ('ENROLLED', 'PAUSED')
		  )
		  AND EXISTS (
			SELECT 1 FROM scheduled_emails e WHERE e.campaign_id = c.id
		  )
		RETURNING c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("complete finished campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
