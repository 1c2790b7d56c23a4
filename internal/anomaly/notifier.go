package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/domain"
)

// dedupTTL suppresses repeat notifications for the same campaign and
// reason. Detection runs after every worker batch, so without this a
// sustained warning would spam a notification every poll.
const dedupTTL = 6 * time.Hour

// DBNotifier persists anomaly notifications and deduplicates them through
// Redis when available.
type DBNotifier struct {
	db    *sql.DB
	redis *redis.Client
}

// NewDBNotifier creates a notifier. redisClient may be nil; dedup is then
// skipped and every detection writes a row.
func NewDBNotifier(db *sql.DB, redisClient *redis.Client) *DBNotifier {
	return &DBNotifier{db: db, redis: redisClient}
}

// CreateAnomalyNotification writes a notification row for the workspace.
// When Redis is configured, a SETNX key scoped to campaign, reason and
// severity suppresses duplicates within the TTL.
func (n *DBNotifier) CreateAnomalyNotification(ctx context.Context, result *domain.AnomalyResult) error {
	if n.redis != nil {
		key := fmt.Sprintf("notify:anomaly:%s:%s:%s", result.CampaignID, result.Reason, result.Severity)
		ok, err := n.redis.SetNX(ctx, key, "1", dedupTTL).Result()
		if err == nil && !ok {
			return nil
		}
		// Redis errors fall through; a duplicate notification beats a
		// missed one.
	}

	kind := "CAMPAIGN_ANOMALY_WARNING"
	if result.ShouldPause {
		kind = "CAMPAIGN_AUTO_PAUSED"
	}
	payload, err := json.Marshal(map[string]interface{}{
		"campaign_id": result.CampaignID,
		"reason":      result.Reason,
		"severity":    result.Severity,
		"tier":        result.Tier,
		"metrics":     result.Metrics,
	})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	_, err = n.db.ExecContext(ctx, `
		INSERT INTO notifications
			(id, workspace_id, kind, title, body, payload, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
	`, uuid.New().String(), result.WorkspaceID, kind, notificationTitle(result), result.Message, string(payload))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func notificationTitle(result *domain.AnomalyResult) string {
	if result.ShouldPause {
		return "Campagne mise en pause automatiquement"
	}
	return "Alerte de délivrabilité sur une campagne"
}
