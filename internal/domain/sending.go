package domain

import "time"

// ScheduledEmailStatus enumerates the lifecycle of one queued send.
//
// The status is monotonic except for the RETRY_SCHEDULED <-> SENDING cycle:
//
//	SCHEDULED -> SENDING -> SENT                      terminal success
//	SCHEDULED/RETRY_SCHEDULED -> SENDING -> RETRY_SCHEDULED   transient failure
//	-> PERMANENTLY_FAILED                             terminal failure
//	-> CANCELLED                                      terminal, via control
type ScheduledEmailStatus string

const (
	EmailScheduled         ScheduledEmailStatus = "SCHEDULED"
	EmailSending           ScheduledEmailStatus = "SENDING"
	EmailSent              ScheduledEmailStatus = "SENT"
	EmailRetryScheduled    ScheduledEmailStatus = "RETRY_SCHEDULED"
	EmailPermanentlyFailed ScheduledEmailStatus = "PERMANENTLY_FAILED"
	EmailCancelled         ScheduledEmailStatus = "CANCELLED"
)

// ScheduledEmail is one row of the durable send queue: a single
// (prospect, sequence-step) pairing with a computed send time.
//
// The idempotency key is unique per (prospect, sequence, step) so repeated
// scheduler runs are no-op insert-skips. Rows are never hard-deleted;
// cancellation rewrites the key with a ::CANCELLED:: suffix so the triple
// can be scheduled again by a future campaign while keeping the audit row.
type ScheduledEmail struct {
	ID             string               `json:"id" db:"id"`
	WorkspaceID    string               `json:"workspace_id" db:"workspace_id"`
	CampaignID     string               `json:"campaign_id" db:"campaign_id"`
	EnrollmentID   string               `json:"enrollment_id" db:"enrollment_id"`
	ProspectID     string               `json:"prospect_id" db:"prospect_id"`
	SequenceID     string               `json:"sequence_id" db:"sequence_id"`
	StepOrder      int                  `json:"step_order" db:"step_order"`
	IdempotencyKey string               `json:"idempotency_key" db:"idempotency_key"`
	Status         ScheduledEmailStatus `json:"status" db:"status"`
	ScheduledFor   time.Time            `json:"scheduled_for" db:"scheduled_for"`
	Attempts       int                  `json:"attempts" db:"attempts"`
	LastError      string               `json:"last_error,omitempty" db:"last_error"`
	NextRetryAt    *time.Time           `json:"next_retry_at" db:"next_retry_at"`
	MessageID      string               `json:"message_id,omitempty" db:"message_id"`
	ThreadID       string               `json:"thread_id,omitempty" db:"thread_id"`
	SentAt         *time.Time           `json:"sent_at" db:"sent_at"`
	CreatedAt      time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at" db:"updated_at"`
}

// IsPending reports whether the row is still waiting to be sent.
func (e *ScheduledEmail) IsPending() bool {
	return e.Status == EmailScheduled || e.Status == EmailRetryScheduled
}

// SendingSettings is the per-workspace sending-window configuration.
// It is read-only input to the scheduler and quota tracker; workspace
// settings CRUD owns mutation.
type SendingSettings struct {
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// SendingDays holds allowed weekdays, 0=Sunday .. 6=Saturday,
	// matching time.Weekday numbering.
	SendingDays []int `json:"sending_days" db:"sending_days"`

	StartHour  int    `json:"start_hour" db:"start_hour"`
	EndHour    int    `json:"end_hour" db:"end_hour"`
	Timezone   string `json:"timezone" db:"timezone"`
	DailyQuota int    `json:"daily_quota" db:"daily_quota"`
	RampUp     bool   `json:"ramp_up" db:"ramp_up"`
	FromName   string `json:"from_name" db:"from_name"`
	Signature  string `json:"signature" db:"signature"`
}

// AllowsWeekday reports whether the given weekday is a configured sending day.
func (s *SendingSettings) AllowsWeekday(d time.Weekday) bool {
	for _, day := range s.SendingDays {
		if time.Weekday(day) == d {
			return true
		}
	}
	return false
}
