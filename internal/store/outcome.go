package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// SendOutcome is everything RecordSendOutcome persists about a successful
// send: the analytics event, the conversation linkage, and the outbound
// inbox message.
type SendOutcome struct {
	Email     *domain.ScheduledEmail
	MessageID string
	ThreadID  string
	Subject   string
	Snippet   string
	SentAt    time.Time
}

// RecordSendOutcome writes the three-way record of a successful send in one
// transaction: (a) an analytics event, (b) the conversation keyed by
// (workspace, provider thread id), created on first contact and bumped on
// follow-ups, and (c) the outbound inbox message, marked already-read.
// A crash can therefore never leave an analytics event without its
// conversation or vice versa.
func (s *Store) RecordSendOutcome(ctx context.Context, o *SendOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	e := o.Email
	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_events
			(id, workspace_id, campaign_id, prospect_id, scheduled_email_id,
			 event_type, step_order, message_id, thread_id, created_at)
		VALUES ($1, $2, $3, $4, $5, 'SENT', $6, $7, $8, $9)
	`, uuid.New().String(), e.WorkspaceID, e.CampaignID, e.ProspectID, e.ID,
		e.StepOrder, o.MessageID, o.ThreadID, o.SentAt)
	if err != nil {
		return fmt.Errorf("insert send event: %w", err)
	}

	var conversationID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations
			(id, workspace_id, thread_id, campaign_id, sequence_id, prospect_id,
			 subject, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (workspace_id, thread_id) DO UPDATE SET
			last_message_at = EXCLUDED.last_message_at,
			campaign_id = EXCLUDED.campaign_id,
			sequence_id = EXCLUDED.sequence_id,
			prospect_id = EXCLUDED.prospect_id
		RETURNING id
	`, uuid.New().String(), e.WorkspaceID, o.ThreadID, e.CampaignID, e.SequenceID,
		e.ProspectID, o.Subject, o.SentAt).Scan(&conversationID)
	if err != nil {
		return fmt.Errorf("upsert conversation for thread %s: %w", o.ThreadID, err)
	}

	// Outbound leg of the conversation; already read since we wrote it.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inbox_messages
			(id, workspace_id, conversation_id, message_id, direction, is_read,
			 subject, snippet, sent_at, created_at)
		VALUES ($1, $2, $3, $4, 'OUTBOUND', TRUE, $5, $6, $7, NOW())
		ON CONFLICT (message_id) DO NOTHING
	`, uuid.New().String(), e.WorkspaceID, conversationID, o.MessageID,
		o.Subject, o.Snippet, o.SentAt)
	if err != nil {
		return fmt.Errorf("insert inbox message %s: %w", o.MessageID, err)
	}

	return tx.Commit()
}
