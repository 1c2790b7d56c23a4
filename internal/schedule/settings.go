package schedule

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/outreach-engine/internal/domain"
)

// LoadSendingSettings reads a workspace's sending-window configuration.
// The settings are owned by workspace CRUD elsewhere; the engine only
// consumes them.
func LoadSendingSettings(ctx context.Context, db *sql.DB, workspaceID string) (*domain.SendingSettings, error) {
	s := &domain.SendingSettings{WorkspaceID: workspaceID}
	var days pq.Int64Array
	err := db.QueryRowContext(ctx, `
		SELECT sending_days, start_hour, end_hour, timezone, daily_quota, ramp_up,
			COALESCE(from_name, ''), COALESCE(signature, '')
		FROM sending_settings WHERE workspace_id = $1
	`, workspaceID).Scan(&days, &s.StartHour, &s.EndHour, &s.Timezone,
		&s.DailyQuota, &s.RampUp, &s.FromName, &s.Signature)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace %s has no sending settings", workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load sending settings for workspace %s: %w", workspaceID, err)
	}
	s.SendingDays = make([]int, len(days))
	for i, d := range days {
		s.SendingDays[i] = int(d)
	}
	return s, nil
}
