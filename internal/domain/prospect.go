package domain

import "time"

// EnrollmentStatus enumerates the lifecycle of a prospect's participation
// in one campaign.
type EnrollmentStatus string

const (
	EnrollmentEnrolled  EnrollmentStatus = "ENROLLED"
	EnrollmentPaused    EnrollmentStatus = "PAUSED"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStopped   EnrollmentStatus = "STOPPED"
	EnrollmentReplied   EnrollmentStatus = "REPLIED"
)

// Prospect is a contact record. Personalization fields feed the template
// renderer; missing fields render blank rather than failing a send.
type Prospect struct {
	ID             string     `json:"id" db:"id"`
	WorkspaceID    string     `json:"workspace_id" db:"workspace_id"`
	Email          string     `json:"email" db:"email"`
	FirstName      string     `json:"first_name" db:"first_name"`
	LastName       string     `json:"last_name" db:"last_name"`
	Company        string     `json:"company" db:"company"`
	Title          string     `json:"title" db:"title"`
	Unsubscribed   bool       `json:"unsubscribed" db:"unsubscribed"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// CampaignProspect is an enrollment: one prospect's participation record
// within one campaign.
//
// Only ENROLLED enrollments produce sends. A PAUSED enrollment causes the
// sending worker to skip (not cancel) its pending emails; any other
// non-ENROLLED status cancels them at send time.
type CampaignProspect struct {
	ID          string           `json:"id" db:"id"`
	CampaignID  string           `json:"campaign_id" db:"campaign_id"`
	ProspectID  string           `json:"prospect_id" db:"prospect_id"`
	Status      EnrollmentStatus `json:"status" db:"status"`
	CurrentStep int              `json:"current_step" db:"current_step"`
	EnrolledAt  time.Time        `json:"enrolled_at" db:"enrolled_at"`
	PausedAt    *time.Time       `json:"paused_at" db:"paused_at"`
	CompletedAt *time.Time       `json:"completed_at" db:"completed_at"`
}
