// Package control implements the pause / resume / stop state machines for
// campaigns and for individual enrollments.
//
// Pausing never touches scheduled_emails rows; the sending worker's
// pre-send guards skip them. Campaign-level resume shifts every pending
// send forward by the pause duration so relative spacing is preserved.
// Prospect-level resume deliberately does not shift: an individually
// paused prospect catches up to the campaign's timeline instead of
// dragging its own. Stop is terminal and cancels pending rows, rewriting
// their idempotency keys so the same (prospect, sequence, step) triple can
// be scheduled again by a future campaign.
package control

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Action is a control verb applied to a campaign or an enrollment.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

// CampaignChange reports the outcome of a campaign control action.
type CampaignChange struct {
	Campaign        *domain.Campaign `json:"campaign"`
	EmailsCancelled int              `json:"emails_cancelled,omitempty"`
}

// ProspectChange reports the outcome of an enrollment control action.
type ProspectChange struct {
	Prospect        *domain.CampaignProspect `json:"prospect"`
	EmailsCancelled int                      `json:"emails_cancelled,omitempty"`
}

// Controller executes control actions against the database.
type Controller struct {
	db  *sql.DB
	now func() time.Time
}

// NewController creates a controller.
func NewController(db *sql.DB) *Controller {
	return &Controller{db: db, now: time.Now}
}

// UpdateCampaignStatus applies a pause, resume, or stop to a campaign.
// Resume through this path refuses auto-paused campaigns; those must go
// through ResumeAutoPausedCampaign with explicit risk acknowledgment.
func (c *Controller) UpdateCampaignStatus(ctx context.Context, campaignID, workspaceID string, action Action) (*CampaignChange, error) {
	switch action {
	case ActionPause:
		return c.pauseCampaign(ctx, campaignID, workspaceID)
	case ActionResume:
		return c.resumeCampaign(ctx, campaignID, workspaceID, false)
	case ActionStop:
		return c.stopCampaign(ctx, campaignID, workspaceID)
	default:
		return nil, ErrUnknownAction
	}
}

// ResumeAutoPausedCampaign resumes a campaign the anomaly detector paused.
// Without acknowledgeRisk the call is refused; with it, the resume performs
// the same date shifting as a user resume and clears the auto-pause reason.
func (c *Controller) ResumeAutoPausedCampaign(ctx context.Context, campaignID, workspaceID string, acknowledgeRisk bool) (*domain.Campaign, error) {
	campaign, err := c.loadCampaign(ctx, c.db, campaignID, workspaceID, false)
	if err != nil {
		return nil, err
	}
	if campaign.IsAutoPaused() && !acknowledgeRisk {
		return nil, ErrRiskNotAcknowledged
	}
	change, err := c.resumeCampaign(ctx, campaignID, workspaceID, true)
	if err != nil {
		return nil, err
	}
	return change.Campaign, nil
}

func (c *Controller) pauseCampaign(ctx context.Context, campaignID, workspaceID string) (*CampaignChange, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	campaign, err := c.loadCampaign(ctx, tx, campaignID, workspaceID, true)
	if err != nil {
		return nil, err
	}
	switch campaign.Status {
	case domain.CampaignPaused:
		return nil, ErrAlreadyPaused
	case domain.CampaignRunning:
	default:
		return nil, ErrNotRunning
	}

	now := c.now()
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET status = 'PAUSED', paused_at = $2, updated_at = NOW()
		WHERE id = $1
	`, campaignID, now)
	if err != nil {
		return nil, fmt.Errorf("pause campaign %s: %w", campaignID, err)
	}
	if err := c.audit(ctx, tx, campaignID, "pause", "user", ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	campaign.Status = domain.CampaignPaused
	campaign.PausedAt = &now
	logger.Info("campaign paused", "campaign_id", campaignID)
	return &CampaignChange{Campaign: campaign}, nil
}

// resumeCampaign shifts every pending send forward by the pause duration and
// flips the campaign back to RUNNING, atomically, so the sending worker never
// observes a half-shifted queue.
func (c *Controller) resumeCampaign(ctx context.Context, campaignID, workspaceID string, clearAutoPause bool) (*CampaignChange, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	campaign, err := c.loadCampaign(ctx, tx, campaignID, workspaceID, true)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignPaused {
		return nil, ErrNotPaused
	}
	if campaign.PausedAt == nil {
		return nil, ErrMissingPausedAt
	}
	if campaign.IsAutoPaused() && !clearAutoPause {
		return nil, ErrRiskNotAcknowledged
	}

	now := c.now()
	pauseDuration := now.Sub(*campaign.PausedAt)

	_, err = tx.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET scheduled_for = scheduled_for + $2::interval,
			next_retry_at = next_retry_at + $2::interval,
			updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ('SCHEDULED', 'RETRY_SCHEDULED')
	`, campaignID, fmt.Sprintf("%d milliseconds", pauseDuration.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("shift pending sends for campaign %s: %w", campaignID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'RUNNING', paused_at = NULL, auto_pause_reason = '', updated_at = NOW()
		WHERE id = $1
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("resume campaign %s: %w", campaignID, err)
	}
	if err := c.audit(ctx, tx, campaignID, "resume", "user",
		fmt.Sprintf("pause duration %s", pauseDuration.Round(time.Second))); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	campaign.Status = domain.CampaignRunning
	campaign.PausedAt = nil
	campaign.AutoPauseReason = ""
	logger.Info("campaign resumed", "campaign_id", campaignID, "pause_duration", pauseDuration.String())
	return &CampaignChange{Campaign: campaign}, nil
}

func (c *Controller) stopCampaign(ctx context.Context, campaignID, workspaceID string) (*CampaignChange, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	campaign, err := c.loadCampaign(ctx, tx, campaignID, workspaceID, true)
	if err != nil {
		return nil, err
	}
	if campaign.IsTerminal() {
		return nil, ErrAlreadyStopped
	}

	now := c.now()
	cancelled, err := cancelPendingEmails(ctx, tx, "campaign_id", campaignID, campaignID, "campagne arrêtée")
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'STOPPED', stopped_at = $2, paused_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, campaignID, now)
	if err != nil {
		return nil, fmt.Errorf("stop campaign %s: %w", campaignID, err)
	}
	if err := c.audit(ctx, tx, campaignID, "stop", "user",
		fmt.Sprintf("%d pending emails cancelled", cancelled)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	campaign.Status = domain.CampaignStopped
	campaign.StoppedAt = &now
	campaign.PausedAt = nil
	logger.Info("campaign stopped", "campaign_id", campaignID, "emails_cancelled", cancelled)
	return &CampaignChange{Campaign: campaign, EmailsCancelled: cancelled}, nil
}

// UpdateProspectStatus applies a pause, resume, or stop to one enrollment.
func (c *Controller) UpdateProspectStatus(ctx context.Context, campaignID, prospectID, workspaceID string, action Action) (*ProspectChange, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	enrollment, err := c.loadEnrollment(ctx, tx, campaignID, prospectID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	cancelled := 0
	switch action {
	case ActionPause:
		switch enrollment.Status {
		case domain.EnrollmentPaused:
			return nil, ErrProspectAlreadyPaused
		case domain.EnrollmentEnrolled:
		default:
			return nil, ErrProspectNotEnrolled
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_prospects SET status = 'PAUSED', paused_at = $3
			WHERE campaign_id = $1 AND prospect_id = $2
		`, campaignID, prospectID, now)
		if err == nil {
			enrollment.Status = domain.EnrollmentPaused
			enrollment.PausedAt = &now
		}

	case ActionResume:
		// No date shifting here: the prospect's queued emails stay anchored
		// to the campaign's overall timeline.
		if enrollment.Status != domain.EnrollmentPaused {
			return nil, ErrProspectNotPaused
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_prospects SET status = 'ENROLLED', paused_at = NULL
			WHERE campaign_id = $1 AND prospect_id = $2
		`, campaignID, prospectID)
		if err == nil {
			enrollment.Status = domain.EnrollmentEnrolled
			enrollment.PausedAt = nil
		}

	case ActionStop:
		switch enrollment.Status {
		case domain.EnrollmentEnrolled, domain.EnrollmentPaused:
		default:
			return nil, ErrProspectTerminal
		}
		cancelled, err = cancelPendingEmails(ctx, tx, "enrollment_id", enrollment.ID, enrollment.ID, "prospect retiré de la campagne")
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_prospects SET status = 'STOPPED', paused_at = NULL, completed_at = $3
			WHERE campaign_id = $1 AND prospect_id = $2
		`, campaignID, prospectID, now)
		if err == nil {
			enrollment.Status = domain.EnrollmentStopped
			enrollment.PausedAt = nil
			enrollment.CompletedAt = &now
		}

	default:
		return nil, ErrUnknownAction
	}
	if err != nil {
		return nil, fmt.Errorf("%s prospect %s in campaign %s: %w", action, prospectID, campaignID, err)
	}

	if err := c.audit(ctx, tx, campaignID, fmt.Sprintf("prospect_%s", action), "user",
		fmt.Sprintf("prospect %s", prospectID)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ProspectChange{Prospect: enrollment, EmailsCancelled: cancelled}, nil
}

// cancelPendingEmails cancels every pending row in the given scope. The
// idempotency key is rewritten with a ::CANCELLED:: suffix because the
// unique constraint would otherwise block the same (prospect, sequence,
// step) triple from ever being scheduled again.
func cancelPendingEmails(ctx context.Context, tx *sql.Tx, scopeColumn, scopeValue, scopeID, reason string) (int, error) {
	if scopeColumn != "campaign_id" && scopeColumn != "enrollment_id" {
		return 0, fmt.Errorf("unsupported cancellation scope %q", scopeColumn)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE scheduled_emails
		SET status = 'CANCELLED',
			last_error = $2,
			idempotency_key = idempotency_key || '::CANCELLED::' || $3,
			next_retry_at = NULL,
			updated_at = NOW()
		WHERE %s = $1 AND status IN ('SCHEDULED', 'RETRY_SCHEDULED')
	`, scopeColumn), scopeValue, reason, scopeID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending emails for %s %s: %w", scopeColumn, scopeValue, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (c *Controller) loadCampaign(ctx context.Context, q queryer, campaignID, workspaceID string, forUpdate bool) (*domain.Campaign, error) {
	query := `
		SELECT id, workspace_id, sequence_id, status, COALESCE(auto_pause_reason, ''),
			started_at, paused_at, stopped_at, completed_at
		FROM campaigns WHERE id = $1 AND workspace_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	campaign := &domain.Campaign{}
	err := q.QueryRowContext(ctx, query, campaignID, workspaceID).Scan(
		&campaign.ID, &campaign.WorkspaceID, &campaign.SequenceID, &campaign.Status,
		&campaign.AutoPauseReason, &campaign.StartedAt, &campaign.PausedAt,
		&campaign.StoppedAt, &campaign.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	return campaign, nil
}

func (c *Controller) loadEnrollment(ctx context.Context, tx *sql.Tx, campaignID, prospectID string) (*domain.CampaignProspect, error) {
	enrollment := &domain.CampaignProspect{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, campaign_id, prospect_id, status, current_step, enrolled_at, paused_at, completed_at
		FROM campaign_prospects
		WHERE campaign_id = $1 AND prospect_id = $2
		FOR UPDATE
	`, campaignID, prospectID).Scan(
		&enrollment.ID, &enrollment.CampaignID, &enrollment.ProspectID, &enrollment.Status,
		&enrollment.CurrentStep, &enrollment.EnrolledAt, &enrollment.PausedAt, &enrollment.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load enrollment for prospect %s: %w", prospectID, err)
	}
	return enrollment, nil
}

func (c *Controller) audit(ctx context.Context, tx *sql.Tx, campaignID, action, actor, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_audit_log (id, campaign_id, action, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), campaignID, action, actor, detail)
	if err != nil {
		return fmt.Errorf("write audit entry for campaign %s: %w", campaignID, err)
	}
	return nil
}
