package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// QuotaTracker accounts for emails already committed to a calendar day.
//
// Quota is workspace-global, not per-campaign: all campaigns share the
// workspace's sending identity, so concurrent campaigns must not jointly
// exceed the daily cap. Counts therefore query across every campaign in
// the workspace.
type QuotaTracker struct {
	db *sql.DB
}

// NewQuotaTracker creates a quota tracker over the given database.
func NewQuotaTracker(db *sql.DB) *QuotaTracker {
	return &QuotaTracker{db: db}
}

// DailySentCount counts emails already sent on the given calendar day plus
// emails still committed to it (scheduled, retrying, or mid-send). The day
// is interpreted in the workspace timezone. Used both at scheduling time,
// to avoid overcommitting a day, and at send time for the quota guard.
func (q *QuotaTracker) DailySentCount(ctx context.Context, workspaceID string, day time.Time, settings *domain.SendingSettings) (int, error) {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return 0, fmt.Errorf("load timezone %q: %w", settings.Timezone, err)
	}
	local := day.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var count int
	err = q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_emails
		WHERE workspace_id = $1
		  AND (
			(status = 'SENT' AND sent_at >= $2 AND sent_at < $3)
			OR (status IN ('SCHEDULED', 'RETRY_SCHEDULED', 'SENDING')
				AND scheduled_for >= $2 AND scheduled_for < $3)
		  )
	`, workspaceID, dayStart.UTC(), dayEnd.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count daily sends for workspace %s: %w", workspaceID, err)
	}
	return count, nil
}

// SentToday counts only emails actually sent so far on the given calendar
// day, the number the send-time quota guard compares against: rows still
// scheduled for today must not block the row being processed right now.
func (q *QuotaTracker) SentToday(ctx context.Context, workspaceID string, day time.Time, settings *domain.SendingSettings) (int, error) {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return 0, fmt.Errorf("load timezone %q: %w", settings.Timezone, err)
	}
	local := day.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var count int
	err = q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_emails
		WHERE workspace_id = $1 AND status = 'SENT' AND sent_at >= $2 AND sent_at < $3
	`, workspaceID, dayStart.UTC(), dayEnd.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent today for workspace %s: %w", workspaceID, err)
	}
	return count, nil
}

// NextAvailableSlot returns the first sending-window instant at or after
// from whose day still has quota headroom. dayNumber is the 1-indexed
// campaign-relative day used for ramp-up; it advances as the search rolls
// to later days. Returns the slot and the day number it landed on.
func (q *QuotaTracker) NextAvailableSlot(ctx context.Context, workspaceID string, from time.Time, settings *domain.SendingSettings, dayNumber int) (time.Time, int, error) {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("load timezone %q: %w", settings.Timezone, err)
	}

	slot, err := NextSendingSlot(settings, from)
	if err != nil {
		return time.Time{}, 0, err
	}

	for i := 0; i < maxWindowSearchDays; i++ {
		quota := RampUpQuota(settings, dayNumber)
		committed, err := q.DailySentCount(ctx, workspaceID, slot, settings)
		if err != nil {
			return time.Time{}, 0, err
		}
		if committed < quota {
			return slot, dayNumber, nil
		}

		// Day is full; roll to the next valid day.
		local := slot.In(loc)
		nextDay := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
		slot, err = NextSendingSlot(settings, nextDay)
		if err != nil {
			return time.Time{}, 0, err
		}
		dayNumber++
	}
	return time.Time{}, 0, fmt.Errorf("no quota headroom found within %d days for workspace %s", maxWindowSearchDays, workspaceID)
}
