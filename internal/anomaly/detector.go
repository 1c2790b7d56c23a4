// Package anomaly watches running campaigns for bounce and unsubscribe
// spikes over a rolling window, and pauses a campaign automatically when
// volume-tiered thresholds are crossed.
package anomaly

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// WindowHours is the rolling window over which rates are computed.
const WindowHours = 24

// minDetectionVolume is the floor below which no detection happens at all:
// a handful of sends cannot produce a statistically meaningful rate.
const minDetectionVolume = 25

// tierThresholds maps each volume tier to its warn/pause thresholds. Both
// the rate and the raw count must be met, so small samples can't trip a
// tier on one unlucky bounce.
var tierThresholds = map[domain.VolumeTier]domain.TierThresholds{
	domain.TierVeryLow: {
		BounceWarn:  domain.RateThreshold{Rate: 0.08, MinCount: 2},
		BouncePause: domain.RateThreshold{Rate: 0.12, MinCount: 4},
		UnsubWarn:   domain.RateThreshold{Rate: 0.03, MinCount: 2},
		UnsubPause:  domain.RateThreshold{Rate: 0.05, MinCount: 3},
	},
	domain.TierLowMedium: {
		BounceWarn:  domain.RateThreshold{Rate: 0.06, MinCount: 5},
		BouncePause: domain.RateThreshold{Rate: 0.10, MinCount: 10},
		UnsubWarn:   domain.RateThreshold{Rate: 0.02, MinCount: 3},
		UnsubPause:  domain.RateThreshold{Rate: 0.04, MinCount: 6},
	},
	domain.TierMedium: {
		BounceWarn:  domain.RateThreshold{Rate: 0.04, MinCount: 8},
		BouncePause: domain.RateThreshold{Rate: 0.08, MinCount: 15},
		UnsubWarn:   domain.RateThreshold{Rate: 0.015, MinCount: 5},
		UnsubPause:  domain.RateThreshold{Rate: 0.03, MinCount: 10},
	},
	domain.TierHigh: {
		BounceWarn:  domain.RateThreshold{Rate: 0.03, MinCount: 15},
		BouncePause: domain.RateThreshold{Rate: 0.05, MinCount: 25},
		UnsubWarn:   domain.RateThreshold{Rate: 0.01, MinCount: 10},
		UnsubPause:  domain.RateThreshold{Rate: 0.02, MinCount: 20},
	},
}

// bounceIndicators classify a stored send error as a bounce. The engine
// has no webhook feed; bounces surface as failed sends whose error text
// carries delivery-failure signatures.
var bounceIndicators = []string{
	"bounce",
	"address not found",
	"user unknown",
	"mailbox unavailable",
	"mailbox full",
	"recipient address rejected",
	"domain not found",
	"delivery status notification (failure)",
	"undelivered",
	"550",
	"553",
}

// VolumeTierFor buckets a rolling-window total. The second return is false
// below the detection floor.
func VolumeTierFor(totalSent int) (domain.VolumeTier, bool) {
	switch {
	case totalSent < minDetectionVolume:
		return "", false
	case totalSent < 100:
		return domain.TierVeryLow, true
	case totalSent < 250:
		return domain.TierLowMedium, true
	case totalSent < 500:
		return domain.TierMedium, true
	default:
		return domain.TierHigh, true
	}
}

// IsBounceError reports whether a stored error text looks like a bounce.
func IsBounceError(errText string) bool {
	msg := strings.ToLower(errText)
	for _, ind := range bounceIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}

// Notifier is the external notification sink. It is fire-and-forget:
// failures never abort a pause.
type Notifier interface {
	CreateAnomalyNotification(ctx context.Context, result *domain.AnomalyResult) error
}

// Detector computes campaign rates and drives auto-pause.
type Detector struct {
	db       *sql.DB
	notifier Notifier
	now      func() time.Time
}

// NewDetector creates a detector.
func NewDetector(db *sql.DB, notifier Notifier) *Detector {
	return &Detector{db: db, notifier: notifier, now: time.Now}
}

// rateSample is one signal's rolling-window measurement.
type rateSample struct {
	total int
	count int
	rate  float64
}

// bounceRate measures sent-or-attempted volume and bounce-classified
// failures for one campaign over the window.
func (d *Detector) bounceRate(ctx context.Context, campaignID string) (*rateSample, error) {
	since := d.now().Add(-WindowHours * time.Hour)

	var sent int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_emails
		WHERE campaign_id = $1 AND status = 'SENT' AND sent_at >= $2
	`, campaignID, since).Scan(&sent)
	if err != nil {
		return nil, fmt.Errorf("count sent in window: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT COALESCE(last_error, '') FROM scheduled_emails
		WHERE campaign_id = $1 AND status = 'PERMANENTLY_FAILED' AND updated_at >= $2
	`, campaignID, since)
	if err != nil {
		return nil, fmt.Errorf("load failures in window: %w", err)
	}
	defer rows.Close()

	failed, bounces := 0, 0
	for rows.Next() {
		var errText string
		if err := rows.Scan(&errText); err != nil {
			return nil, err
		}
		failed++
		if IsBounceError(errText) {
			bounces++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s := &rateSample{total: sent + failed, count: bounces}
	if s.total > 0 {
		s.rate = float64(bounces) / float64(s.total)
	}
	return s, nil
}

// unsubscribeRate measures enrolled prospects who unsubscribed in the
// window against sends in the window.
func (d *Detector) unsubscribeRate(ctx context.Context, campaignID string) (*rateSample, error) {
	since := d.now().Add(-WindowHours * time.Hour)

	var sent, unsubs int
	err := d.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM scheduled_emails
			 WHERE campaign_id = $1 AND status = 'SENT' AND sent_at >= $2),
			(SELECT COUNT(*) FROM prospects p
			 JOIN campaign_prospects cp ON cp.prospect_id = p.id
			 WHERE cp.campaign_id = $1 AND p.unsubscribed AND p.unsubscribed_at >= $2)
	`, campaignID, since).Scan(&sent, &unsubs)
	if err != nil {
		return nil, fmt.Errorf("count unsubscribes in window: %w", err)
	}

	s := &rateSample{total: sent, count: unsubs}
	if sent > 0 {
		s.rate = float64(unsubs) / float64(sent)
	}
	return s, nil
}

// DetectAnomalies scans one campaign. Only RUNNING campaigns are scanned;
// anything else returns a neutral result. The pause check takes priority
// over the warn check, and bounce over unsubscribe, so exactly one match
// is reported.
func (d *Detector) DetectAnomalies(ctx context.Context, campaignID string) (*domain.AnomalyResult, error) {
	var workspaceID string
	var status domain.CampaignStatus
	err := d.db.QueryRowContext(ctx, `
		SELECT workspace_id, status FROM campaigns WHERE id = $1
	`, campaignID).Scan(&workspaceID, &status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}

	neutral := &domain.AnomalyResult{CampaignID: campaignID, WorkspaceID: workspaceID}
	if status != domain.CampaignRunning {
		return neutral, nil
	}

	bounce, err := d.bounceRate(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	unsub, err := d.unsubscribeRate(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	volume := bounce.total
	if unsub.total > volume {
		volume = unsub.total
	}
	tier, ok := VolumeTierFor(volume)
	if !ok {
		return neutral, nil
	}
	thresholds := tierThresholds[tier]

	metrics := domain.AnomalyMetrics{
		WindowHours:      WindowHours,
		TotalSent:        volume,
		BounceCount:      bounce.count,
		BounceRate:       bounce.rate,
		UnsubscribeCount: unsub.count,
		UnsubscribeRate:  unsub.rate,
	}
	result := &domain.AnomalyResult{
		CampaignID:  campaignID,
		WorkspaceID: workspaceID,
		Tier:        tier,
		Metrics:     metrics,
	}

	switch {
	case exceeds(bounce, thresholds.BouncePause):
		result.ShouldPause = true
		result.Reason = domain.ReasonHighBounceRate
		result.Severity = domain.SeverityCritical
		result.Message = fmt.Sprintf("bounce rate %.1f%% (%d/%d) over the last %dh exceeds the %s-tier pause threshold",
			bounce.rate*100, bounce.count, bounce.total, WindowHours, tier)
	case exceeds(unsub, thresholds.UnsubPause):
		result.ShouldPause = true
		result.Reason = domain.ReasonHighUnsubscribeRate
		result.Severity = domain.SeverityCritical
		result.Message = fmt.Sprintf("unsubscribe rate %.1f%% (%d/%d) over the last %dh exceeds the %s-tier pause threshold",
			unsub.rate*100, unsub.count, unsub.total, WindowHours, tier)
	case exceeds(bounce, thresholds.BounceWarn):
		result.ShouldWarn = true
		result.Reason = domain.ReasonHighBounceRate
		result.Severity = domain.SeverityWarning
		result.Message = fmt.Sprintf("bounce rate %.1f%% (%d/%d) over the last %dh is elevated for the %s tier",
			bounce.rate*100, bounce.count, bounce.total, WindowHours, tier)
	case exceeds(unsub, thresholds.UnsubWarn):
		result.ShouldWarn = true
		result.Reason = domain.ReasonHighUnsubscribeRate
		result.Severity = domain.SeverityWarning
		result.Message = fmt.Sprintf("unsubscribe rate %.1f%% (%d/%d) over the last %dh is elevated for the %s tier",
			unsub.rate*100, unsub.count, unsub.total, WindowHours, tier)
	}
	return result, nil
}

func exceeds(s *rateSample, t domain.RateThreshold) bool {
	return s.rate >= t.Rate && s.count >= t.MinCount
}

// ScanWorkspace runs detection over every RUNNING campaign in a workspace.
// Pause-worthy results auto-pause the campaign and notify; warnings only
// notify. Notification failures are logged and swallowed.
func (d *Detector) ScanWorkspace(ctx context.Context, workspaceID string) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM campaigns WHERE workspace_id = $1 AND status = 'RUNNING'
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("load running campaigns for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var campaignIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		campaignIDs = append(campaignIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, campaignID := range campaignIDs {
		result, err := d.DetectAnomalies(ctx, campaignID)
		if err != nil {
			logger.Warn("anomaly detection failed", "campaign_id", campaignID, "error", err.Error())
			continue
		}
		if !result.ShouldPause && !result.ShouldWarn {
			continue
		}

		if result.ShouldPause {
			if err := d.AutoPauseCampaign(ctx, campaignID, result.Reason, result.Metrics); err != nil {
				logger.Error("auto-pause failed", "campaign_id", campaignID, "error", err.Error())
				continue
			}
		}
		if d.notifier != nil {
			if err := d.notifier.CreateAnomalyNotification(ctx, result); err != nil {
				logger.Warn("anomaly notification failed", "campaign_id", campaignID, "error", err.Error())
			}
		}
	}
	return nil
}
