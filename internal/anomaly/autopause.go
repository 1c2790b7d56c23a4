package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// AutoPauseCampaign moves a campaign to PAUSED with the anomaly reason
// recorded. Everything happens in one transaction, and the campaign's
// status is re-verified under a row lock: detection reads racing a manual
// stop or pause must not clobber the operator's transition.
func (d *Detector) AutoPauseCampaign(ctx context.Context, campaignID string, reason domain.AnomalyReason, metrics domain.AnomalyMetrics) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var workspaceID string
	var status domain.CampaignStatus
	err = tx.QueryRowContext(ctx, `
		SELECT workspace_id, status FROM campaigns WHERE id = $1 FOR UPDATE
	`, campaignID).Scan(&workspaceID, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("campaign %s not found", campaignID)
	}
	if err != nil {
		return fmt.Errorf("lock campaign %s: %w", campaignID, err)
	}
	if status != domain.CampaignRunning {
		return fmt.Errorf("campaign %s is %s, not RUNNING; auto-pause skipped", campaignID, status)
	}

	now := d.now()
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'PAUSED', paused_at = $2, auto_pause_reason = $3, updated_at = NOW()
		WHERE id = $1
	`, campaignID, now, string(reason))
	if err != nil {
		return fmt.Errorf("pause campaign %s: %w", campaignID, err)
	}

	detail, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal anomaly metrics: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaign_audit_log
			(id, workspace_id, campaign_id, action, actor, detail, created_at)
		VALUES ($1, $2, $3, 'AUTO_PAUSE', 'anomaly-detector', $4, $5)
	`, uuid.New().String(), workspaceID, campaignID, string(detail), now)
	if err != nil {
		return fmt.Errorf("audit auto-pause for campaign %s: %w", campaignID, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info("campaign auto-paused",
		"campaign_id", campaignID,
		"workspace_id", workspaceID,
		"reason", string(reason),
		"bounce_rate", fmt.Sprintf("%.3f", metrics.BounceRate),
		"unsubscribe_rate", fmt.Sprintf("%.3f", metrics.UnsubscribeRate))
	return nil
}
