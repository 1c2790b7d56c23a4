package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of an outreach campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignStopped   CampaignStatus = "STOPPED"
	CampaignCompleted CampaignStatus = "COMPLETED"
)

// Campaign is an outreach campaign: one sequence sent to a set of enrolled
// prospects on a workspace's sending identity.
//
// Invariants:
//   - PausedAt is non-nil iff Status == CampaignPaused
//   - only RUNNING campaigns are eligible for scheduling, sending, and
//     anomaly scanning
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	WorkspaceID string         `json:"workspace_id" db:"workspace_id"`
	SequenceID  string         `json:"sequence_id" db:"sequence_id"`
	Name        string         `json:"name" db:"name"`
	Status      CampaignStatus `json:"status" db:"status"`

	// AutoPauseReason is set only when the system paused the campaign
	// (anomaly detection). A user-initiated pause leaves it empty, which is
	// how the resume flow knows whether to demand risk acknowledgment.
	AutoPauseReason string `json:"auto_pause_reason,omitempty" db:"auto_pause_reason"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	StoppedAt   *time.Time `json:"stopped_at" db:"stopped_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignStopped || c.Status == CampaignCompleted
}

// IsAutoPaused reports whether the current pause was machine-initiated.
func (c *Campaign) IsAutoPaused() bool {
	return c.Status == CampaignPaused && c.AutoPauseReason != ""
}

// Sequence is an ordered set of email steps owned by a campaign.
type Sequence struct {
	ID          string         `json:"id" db:"id"`
	WorkspaceID string         `json:"workspace_id" db:"workspace_id"`
	Name        string         `json:"name" db:"name"`
	Steps       []SequenceStep `json:"steps,omitempty"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// SequenceStep is one templated email within a sequence. DelayDays is
// relative to the previous step's scheduled time for the same prospect
// (chained, not anchored to enrollment time). Step 1 has DelayDays 0.
type SequenceStep struct {
	ID         string `json:"id" db:"id"`
	SequenceID string `json:"sequence_id" db:"sequence_id"`
	StepOrder  int    `json:"step_order" db:"step_order"`
	DelayDays  int    `json:"delay_days" db:"delay_days"`
	Subject    string `json:"subject" db:"subject"`
	Body       string `json:"body" db:"body"`
}
