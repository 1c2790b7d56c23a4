package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/distlock"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

const (
	// ProspectBatchSize bounds memory when expanding large prospect lists.
	// Prospects are streamed in stable prospect-id order so the cursor is
	// deterministic and resumable.
	ProspectBatchSize = 100

	// maxStepJitter is the upper bound of the randomized per-step jitter
	// added to each computed slot to avoid burst patterns at the receiving
	// mail system.
	maxStepJitter = 45 * time.Second

	scheduleLockTTL = 10 * time.Minute
)

// ScheduleResult reports the outcome of one scheduling run.
type ScheduleResult struct {
	Scheduled int      `json:"scheduled"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Scheduler expands a running campaign's enrollments into scheduled_emails
// rows: every enrolled prospect crossed with every sequence step, each with
// a computed send time respecting the sending window, daily quota, ramp-up,
// and randomized jitter.
type Scheduler struct {
	db    *sql.DB
	redis *redis.Client // optional; nil falls back to PG advisory locks
	quota *QuotaTracker

	batchSize int
	lockTTL   time.Duration
	now       func() time.Time
	jitter    func(max time.Duration) time.Duration
}

// NewScheduler creates a campaign scheduler.
func NewScheduler(db *sql.DB, redisClient *redis.Client) *Scheduler {
	return &Scheduler{
		db:        db,
		redis:     redisClient,
		quota:     NewQuotaTracker(db),
		batchSize: ProspectBatchSize,
		lockTTL:   scheduleLockTTL,
		now:       time.Now,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// SetBatchSize overrides the prospect batch size. Non-positive values are
// ignored.
func (s *Scheduler) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// SetLockTTL overrides the scheduling lock TTL. Non-positive values are
// ignored.
func (s *Scheduler) SetLockTTL(d time.Duration) {
	if d > 0 {
		s.lockTTL = d
	}
}

// pendingRow is one scheduled_emails row waiting for bulk insert.
type pendingRow struct {
	enrollmentID string
	prospectID   string
	stepOrder    int
	key          string
	scheduledFor time.Time
}

// enrolledProspect is the slice of an enrollment the scheduler needs.
type enrolledProspect struct {
	enrollmentID string
	prospectID   string
}

// ScheduleEmailsForCampaign populates the send queue for a running campaign.
//
// Preconditions: the campaign exists and is RUNNING, its sequence has at
// least one step, and the workspace has sending settings with a non-empty
// day set. A precondition failure returns an empty result annotated with
// the validation error and creates no partial state.
//
// Re-running is safe: inserts use skip-duplicate semantics keyed on the
// idempotency key, so already-scheduled pairings count as skipped.
func (s *Scheduler) ScheduleEmailsForCampaign(ctx context.Context, campaignID string) (*ScheduleResult, error) {
	campaign, err := s.loadCampaign(ctx, campaignID)
	if err != nil {
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}
	if campaign.Status != domain.CampaignRunning {
		err := fmt.Errorf("campaign %s is not running (status %s)", campaignID, campaign.Status)
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}

	steps, err := s.loadSteps(ctx, campaign.SequenceID)
	if err != nil {
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}
	if len(steps) == 0 {
		err := fmt.Errorf("sequence %s has no steps", campaign.SequenceID)
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}

	settings, err := s.loadSettings(ctx, campaign.WorkspaceID)
	if err != nil {
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}
	if len(settings.SendingDays) == 0 {
		return &ScheduleResult{Errors: []string{ErrNoSendingDays.Error()}}, ErrNoSendingDays
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		err = fmt.Errorf("invalid workspace timezone %q: %w", settings.Timezone, err)
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}

	// One scheduling run per campaign at a time. Overlapping runs are safe
	// thanks to the idempotency keys, but they would double-count quota.
	lock := distlock.NewLock(s.redis, s.db, fmt.Sprintf("schedule:campaign:%s", campaignID), s.lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}
	if !acquired {
		err := fmt.Errorf("campaign %s is already being scheduled", campaignID)
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}
	defer lock.Release(ctx)

	cur, err := s.newCursor(ctx, campaign, settings, loc)
	if err != nil {
		return &ScheduleResult{Errors: []string{err.Error()}}, err
	}

	result := &ScheduleResult{}
	lastProspectID := ""
	for {
		prospects, err := s.loadEnrolledBatch(ctx, campaignID, lastProspectID, s.batchSize)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			break
		}
		if len(prospects) == 0 {
			break
		}

		var rows []pendingRow
		for _, p := range prospects {
			chain, err := s.planProspect(cur, p, steps)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("prospect %s: %v", p.prospectID, err))
				continue
			}
			rows = append(rows, chain...)
		}

		inserted, attempted, err := s.bulkInsert(ctx, campaign, rows)
		if err != nil {
			// One bad batch must not block the rest of the campaign.
			result.Errors = append(result.Errors, fmt.Sprintf("batch insert after prospect %s: %v", lastProspectID, err))
		} else {
			result.Scheduled += inserted
			result.Skipped += attempted - inserted
		}

		lastProspectID = prospects[len(prospects)-1].prospectID
		if len(prospects) < s.batchSize {
			break
		}
	}

	logger.Info("campaign scheduled",
		"campaign_id", campaignID,
		"scheduled", result.Scheduled,
		"skipped", result.Skipped,
		"errors", len(result.Errors))
	return result, nil
}

// cursor tracks the rolling scheduling position shared across prospects:
// the next candidate slot, plus per-day committed counts and campaign-
// relative day numbers for ramp-up.
type cursor struct {
	sched    *Scheduler
	ctx      context.Context
	settings *domain.SendingSettings
	loc      *time.Location

	workspaceID string
	slot        time.Time

	committed  map[string]int // local date -> committed count (seeded from DB)
	dayNumbers map[string]int // local date -> 1-indexed campaign day
	baseDay    time.Time      // campaign start, local midnight
}

func (s *Scheduler) newCursor(ctx context.Context, campaign *domain.Campaign, settings *domain.SendingSettings, loc *time.Location) (*cursor, error) {
	start := s.now()
	if campaign.StartedAt != nil {
		start = *campaign.StartedAt
	}
	startLocal := start.In(loc)
	baseDay := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 0, 0, 0, 0, loc)

	c := &cursor{
		sched:       s,
		ctx:         ctx,
		settings:    settings,
		loc:         loc,
		workspaceID: campaign.WorkspaceID,
		committed:   make(map[string]int),
		dayNumbers:  make(map[string]int),
		baseDay:     baseDay,
	}

	from := s.now()
	slot, _, err := s.quota.NextAvailableSlot(ctx, campaign.WorkspaceID, from, settings, c.dayNumberFor(from))
	if err != nil {
		return nil, err
	}
	c.slot = slot
	return c, nil
}

// dayNumberFor maps an instant to its 1-indexed campaign-relative day.
func (c *cursor) dayNumberFor(t time.Time) int {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	n := int(day.Sub(c.baseDay).Hours()/24) + 1
	if n < 1 {
		n = 1
	}
	return n
}

// place finds the first valid, non-full slot at or after from, counts one
// send against that day, and returns the slot with jitter applied.
func (c *cursor) place(from time.Time) (time.Time, error) {
	candidate := from
	for i := 0; i < maxWindowSearchDays; i++ {
		slot, err := NextSendingSlot(c.settings, candidate)
		if err != nil {
			return time.Time{}, err
		}

		local := slot.In(c.loc)
		dayKey := local.Format("2006-01-02")
		if _, ok := c.committed[dayKey]; !ok {
			seed, err := c.sched.quota.DailySentCount(c.ctx, c.workspaceID, slot, c.settings)
			if err != nil {
				return time.Time{}, err
			}
			c.committed[dayKey] = seed
		}

		quota := RampUpQuota(c.settings, c.dayNumberFor(slot))
		if c.committed[dayKey] < quota {
			c.committed[dayKey]++
			return slot.Add(c.sched.jitter(maxStepJitter)), nil
		}

		// Day is full under the ramp-adjusted quota; roll forward.
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.loc)
	}
	return time.Time{}, fmt.Errorf("no capacity within %d days of %s", maxWindowSearchDays, from.Format(time.RFC3339))
}

// planProspect computes the full step chain for one prospect. Step 1 starts
// at the shared cursor; step N>1 adds its delay to the previous step's
// scheduled time (delays chain, they are not anchored to the base time).
// Afterwards the shared cursor advances to a jittered time near the first
// step's slot so prospects start in parallel on the same day instead of
// serializing across the whole list.
func (s *Scheduler) planProspect(cur *cursor, p enrolledProspect, steps []domain.SequenceStep) ([]pendingRow, error) {
	rows := make([]pendingRow, 0, len(steps))
	var prev, first time.Time
	for i, step := range steps {
		var candidate time.Time
		if i == 0 {
			candidate = cur.slot
		} else {
			candidate = prev.AddDate(0, 0, step.DelayDays)
		}

		slot, err := cur.place(candidate)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = slot
		}
		prev = slot

		rows = append(rows, pendingRow{
			enrollmentID: p.enrollmentID,
			prospectID:   p.prospectID,
			stepOrder:    step.StepOrder,
			key:          SendKey(p.prospectID, step.SequenceID, step.StepOrder),
			scheduledFor: slot,
		})
	}

	cur.slot = first.Add(s.jitter(maxStepJitter))
	return rows, nil
}

// bulkInsert writes one prospect batch's rows with skip-duplicate semantics
// on the idempotency key. Returns (inserted, attempted, error).
func (s *Scheduler) bulkInsert(ctx context.Context, campaign *domain.Campaign, rows []pendingRow) (int, int, error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO scheduled_emails
		(id, workspace_id, campaign_id, enrollment_id, prospect_id, sequence_id,
		 step_order, idempotency_key, status, scheduled_for, attempts, created_at, updated_at)
		VALUES `)
	args := make([]interface{}, 0, len(rows)*7+3)
	args = append(args, campaign.WorkspaceID, campaign.ID, campaign.SequenceID)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := len(args)
		sb.WriteString(fmt.Sprintf("($%d, $1, $2, $%d, $%d, $3, $%d, $%d, 'SCHEDULED', $%d, 0, NOW(), NOW())",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, uuid.New().String(), r.enrollmentID, r.prospectID, r.stepOrder, r.key, r.scheduledFor.UTC())
	}
	sb.WriteString(" ON CONFLICT (idempotency_key) DO NOTHING")

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, len(rows), fmt.Errorf("bulk insert scheduled emails: %w", err)
	}
	inserted, _ := res.RowsAffected()
	return int(inserted), len(rows), nil
}

func (s *Scheduler) loadCampaign(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, sequence_id, status, started_at
		FROM campaigns WHERE id = $1
	`, campaignID).Scan(&c.ID, &c.WorkspaceID, &c.SequenceID, &c.Status, &c.StartedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	return c, nil
}

func (s *Scheduler) loadSteps(ctx context.Context, sequenceID string) ([]domain.SequenceStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence_id, step_order, delay_days
		FROM sequence_steps WHERE sequence_id = $1
		ORDER BY step_order ASC
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("load sequence steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.SequenceStep
	for rows.Next() {
		var st domain.SequenceStep
		if err := rows.Scan(&st.ID, &st.SequenceID, &st.StepOrder, &st.DelayDays); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Scheduler) loadSettings(ctx context.Context, workspaceID string) (*domain.SendingSettings, error) {
	settings, err := LoadSendingSettings(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Scheduler) loadEnrolledBatch(ctx context.Context, campaignID, afterProspectID string, limit int) ([]enrolledProspect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prospect_id FROM campaign_prospects
		WHERE campaign_id = $1 AND status = 'ENROLLED' AND prospect_id > $2
		ORDER BY prospect_id ASC
		LIMIT $3
	`, campaignID, afterProspectID, limit)
	if err != nil {
		return nil, fmt.Errorf("load enrolled prospects: %w", err)
	}
	defer rows.Close()

	var out []enrolledProspect
	for rows.Next() {
		var p enrolledProspect
		if err := rows.Scan(&p.enrollmentID, &p.prospectID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
