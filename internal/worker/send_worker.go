// Package worker contains the sending pipeline: the batch entry point the
// periodic trigger invokes, the per-email pre-send guards and send
// execution, and the retry/failure status lifecycle.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/gmail"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/render"
	"github.com/ignite/outreach-engine/internal/schedule"
	"github.com/ignite/outreach-engine/internal/store"
)

// Outcome is the result kind of processing one scheduled email.
type Outcome string

const (
	OutcomeSent              Outcome = "SENT"
	OutcomeSkipped           Outcome = "SKIPPED"
	OutcomeCancelled         Outcome = "CANCELLED"
	OutcomeQuotaExceeded     Outcome = "QUOTA_EXCEEDED"
	OutcomeAlreadyProcessing Outcome = "ALREADY_PROCESSING"
	OutcomeFailed            Outcome = "FAILED"
)

// DefaultInterSendDelay spaces successful sends apart so the sending
// identity never shows a burst pattern. Applied after sends only, not
// after skips or failures.
const DefaultInterSendDelay = 3 * time.Second

// BatchResult aggregates one invocation of ProcessPendingEmails.
type BatchResult struct {
	Processed         int   `json:"processed"`
	Sent              int   `json:"sent"`
	Skipped           int   `json:"skipped"`
	SkippedQuota      int   `json:"skipped_quota"`
	Cancelled         int   `json:"cancelled"`
	AlreadyProcessing int   `json:"already_processing"`
	Failed            int   `json:"failed"`
	DurationMs        int64 `json:"duration_ms"`
}

// AnomalyScanner is invoked once per distinct workspace touched by a batch.
// Failures are logged and swallowed; anomaly scanning never aborts sending.
type AnomalyScanner interface {
	ScanWorkspace(ctx context.Context, workspaceID string) error
}

// SendWorker executes the per-email send pipeline. Rows are processed
// sequentially within one invocation; concurrency only arises across
// overlapping invocations, which the status compare-and-swap serializes.
type SendWorker struct {
	db          *sql.DB
	store       *store.Store
	lifecycle   *Lifecycle
	quota       *schedule.QuotaTracker
	credentials gmail.CredentialProvider
	sender      gmail.Sender
	renderer    *render.Renderer
	scanner     AnomalyScanner

	unsubscribeBaseURL string
	interSendDelay     time.Duration
	now                func() time.Time
	sleep              func(time.Duration)
}

// NewSendWorker wires the pipeline together.
func NewSendWorker(db *sql.DB, credentials gmail.CredentialProvider, sender gmail.Sender, scanner AnomalyScanner, unsubscribeBaseURL string) *SendWorker {
	return &SendWorker{
		db:                 db,
		store:              store.NewStore(db),
		lifecycle:          NewLifecycle(db),
		quota:              schedule.NewQuotaTracker(db),
		credentials:        credentials,
		sender:             sender,
		renderer:           render.NewRenderer(),
		scanner:            scanner,
		unsubscribeBaseURL: strings.TrimSuffix(unsubscribeBaseURL, "/"),
		interSendDelay:     DefaultInterSendDelay,
		now:                time.Now,
		sleep:              time.Sleep,
	}
}

// SetInterSendDelay overrides the pacing delay, mainly for tests.
func (w *SendWorker) SetInterSendDelay(d time.Duration) { w.interSendDelay = d }

// ProcessPendingEmails is the periodic trigger's entry point. It pulls up
// to limit due rows ordered by scheduled time, processes them sequentially,
// stops early once the workspace quota is exhausted (later rows would fail
// identically), and afterwards runs anomaly detection once per distinct
// workspace touched.
func (w *SendWorker) ProcessPendingEmails(ctx context.Context, limit int) (*BatchResult, error) {
	start := w.now()
	result := &BatchResult{}

	due, err := w.store.DueEmails(ctx, limit)
	if err != nil {
		return result, err
	}

	workspaces := make(map[string]bool)
	for _, email := range due {
		outcome, err := w.ProcessScheduledEmail(ctx, email)
		if err != nil {
			// The failure is already recorded on the row; one bad email
			// must not block the rest of the run.
			logger.Error("processing error", "scheduled_email_id", email.ID, "error", err.Error())
		}
		workspaces[email.WorkspaceID] = true
		result.Processed++

		switch outcome {
		case OutcomeSent:
			result.Sent++
			w.sleep(w.interSendDelay)
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeCancelled:
			result.Cancelled++
		case OutcomeAlreadyProcessing:
			result.AlreadyProcessing++
		case OutcomeFailed:
			result.Failed++
		case OutcomeQuotaExceeded:
			result.SkippedQuota++
		}
		if outcome == OutcomeQuotaExceeded {
			break
		}
	}

	if ids, err := w.store.CompleteFinishedCampaigns(ctx); err != nil {
		logger.Warn("completion check failed", "error", err.Error())
	} else if len(ids) > 0 {
		logger.Info("campaigns completed", "count", fmt.Sprintf("%d", len(ids)))
	}

	if w.scanner != nil {
		for workspaceID := range workspaces {
			if err := w.scanner.ScanWorkspace(ctx, workspaceID); err != nil {
				logger.Warn("anomaly scan failed", "workspace_id", workspaceID, "error", err.Error())
			}
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	logger.Info("batch processed",
		"processed", result.Processed, "sent", result.Sent,
		"cancelled", result.Cancelled, "failed", result.Failed,
		"skipped_quota", result.SkippedQuota, "duration_ms", result.DurationMs)
	return result, nil
}

// ProcessScheduledEmail runs the full per-email pipeline: pre-send guards,
// optimistic lock, credential and content resolution, the send itself, and
// outcome recording.
func (w *SendWorker) ProcessScheduledEmail(ctx context.Context, email *domain.ScheduledEmail) (Outcome, error) {
	// Campaign guard. A paused campaign leaves the row untouched for the
	// next run; any other non-running state cancels it for good.
	campaign, err := w.store.GetCampaign(ctx, email.CampaignID)
	if err != nil {
		return OutcomeFailed, err
	}
	switch campaign.Status {
	case domain.CampaignPaused:
		return OutcomeSkipped, nil
	case domain.CampaignRunning:
	default:
		if err := w.lifecycle.MarkAsCancelled(ctx, email.ID, email.CampaignID,
			fmt.Sprintf("campaign is %s", campaign.Status)); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeCancelled, nil
	}

	// Enrollment guard, same shape one level down.
	enrollment, err := w.store.GetEnrollment(ctx, email.EnrollmentID)
	if err != nil {
		return OutcomeFailed, err
	}
	switch enrollment.Status {
	case domain.EnrollmentPaused:
		return OutcomeSkipped, nil
	case domain.EnrollmentEnrolled:
	default:
		if err := w.lifecycle.MarkAsCancelled(ctx, email.ID, email.EnrollmentID,
			fmt.Sprintf("enrollment is %s", enrollment.Status)); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeCancelled, nil
	}

	// Quota guard. Soft limit: the count is read-then-compared, not
	// atomically decremented; overlapping invocations can briefly
	// overcommit, and idempotency keys keep that harmless.
	settings, err := schedule.LoadSendingSettings(ctx, w.db, email.WorkspaceID)
	if err != nil {
		return OutcomeFailed, err
	}
	sentToday, err := w.quota.SentToday(ctx, email.WorkspaceID, w.now(), settings)
	if err != nil {
		return OutcomeFailed, err
	}
	if sentToday >= w.effectiveQuota(campaign, settings) {
		return OutcomeQuotaExceeded, nil
	}

	// Optimistic lock: losing the compare-and-swap means another
	// invocation owns this row. Not an error.
	locked, err := w.lifecycle.MarkAsSending(ctx, email.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !locked {
		return OutcomeAlreadyProcessing, nil
	}

	// From here on every failure must go through HandleFailure so the row
	// never stays stranded in SENDING.
	outcome, err := w.send(ctx, email, campaign, settings)
	if err != nil {
		if ferr := w.lifecycle.HandleFailure(ctx, email.ID, err); ferr != nil {
			logger.Error("failure handling failed", "scheduled_email_id", email.ID, "error", ferr.Error())
		}
		return OutcomeFailed, err
	}
	return outcome, nil
}

// send resolves credential, content, and thread context, performs the send,
// and records the outcome. Any returned error is a failed send attempt.
func (w *SendWorker) send(ctx context.Context, email *domain.ScheduledEmail, campaign *domain.Campaign, settings *domain.SendingSettings) (Outcome, error) {
	cred, err := w.credentials.GetValidToken(ctx, email.WorkspaceID)
	if err != nil {
		return OutcomeFailed, err
	}

	prospect, err := w.store.GetProspect(ctx, email.ProspectID)
	if err != nil {
		return OutcomeFailed, err
	}
	if prospect.Unsubscribed {
		if err := w.lifecycle.MarkAsCancelled(ctx, email.ID, email.EnrollmentID, "prospect unsubscribed"); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeCancelled, nil
	}

	step, err := w.store.GetStep(ctx, email.SequenceID, email.StepOrder)
	if err != nil {
		return OutcomeFailed, err
	}
	threadCtx, err := w.store.GetThreadContext(ctx, email.CampaignID, email.ProspectID, email.StepOrder)
	if err != nil {
		return OutcomeFailed, err
	}
	opener, err := w.store.GetOpenerCache(ctx, email.CampaignID, email.ProspectID)
	if err != nil {
		return OutcomeFailed, err
	}

	rendered := w.renderer.RenderEmail(&render.Input{
		Step:           step,
		Prospect:       prospect,
		OpenerCache:    opener,
		Signature:      settings.Signature,
		UnsubscribeURL: w.unsubscribeURL(prospect.ID),
		ForSend:        true,
	})

	subject := rendered.Subject
	msg := &gmail.OutboundMessage{
		FromName:  settings.FromName,
		FromEmail: cred.FromEmail,
		To:        prospect.Email,
		HTMLBody:  rendered.Body,
	}
	var threadID string
	if threadCtx != nil {
		// Follow-up: continue the original thread under its subject.
		if threadCtx.OriginalSubject != "" {
			subject = threadCtx.OriginalSubject
		}
		subject = render.EnsureReplyPrefix(subject)
		msg.InReplyTo = threadCtx.InReplyTo
		msg.References = threadCtx.References
		threadID = threadCtx.ThreadID
	}
	msg.Subject = subject

	resp, err := w.sender.SendEmail(ctx, cred.AccessToken, &gmail.SendRequest{
		Raw:      gmail.EncodeRaw(msg),
		ThreadID: threadID,
	})
	if err != nil {
		return OutcomeFailed, err
	}

	sentAt := w.now()
	if err := w.lifecycle.MarkAsSent(ctx, email.ID, resp.MessageID, resp.ThreadID); err != nil {
		return OutcomeFailed, err
	}

	if err := w.store.RecordSendOutcome(ctx, &store.SendOutcome{
		Email:     email,
		MessageID: resp.MessageID,
		ThreadID:  resp.ThreadID,
		Subject:   subject,
		Snippet:   snippet(rendered.Body),
		SentAt:    sentAt,
	}); err != nil {
		// The send happened; the row is SENT. Surface the bookkeeping
		// failure without reclassifying the outcome.
		logger.Error("outcome recording failed", "scheduled_email_id", email.ID, "error", err.Error())
	}

	totalSteps, err := w.store.CountSteps(ctx, email.SequenceID)
	if err == nil {
		if err := w.store.AdvanceEnrollment(ctx, email.EnrollmentID, email.StepOrder, totalSteps); err != nil {
			logger.Warn("enrollment advance failed", "enrollment_id", email.EnrollmentID, "error", err.Error())
		}
	}

	logger.Info("email sent",
		"scheduled_email_id", email.ID,
		"campaign_id", email.CampaignID,
		"step", fmt.Sprintf("%d", email.StepOrder),
		"recipient", prospect.Email)
	return OutcomeSent, nil
}

// effectiveQuota applies ramp-up against the campaign-relative day number.
func (w *SendWorker) effectiveQuota(campaign *domain.Campaign, settings *domain.SendingSettings) int {
	dayNumber := 1
	if campaign.StartedAt != nil {
		if loc, err := time.LoadLocation(settings.Timezone); err == nil {
			started := campaign.StartedAt.In(loc)
			startDay := time.Date(started.Year(), started.Month(), started.Day(), 0, 0, 0, 0, loc)
			nowLocal := w.now().In(loc)
			nowDay := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, loc)
			dayNumber = int(nowDay.Sub(startDay).Hours()/24) + 1
			if dayNumber < 1 {
				dayNumber = 1
			}
		}
	}
	return schedule.RampUpQuota(settings, dayNumber)
}

func (w *SendWorker) unsubscribeURL(prospectID string) string {
	if w.unsubscribeBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/unsubscribe/%s", w.unsubscribeBaseURL, prospectID)
}

// snippet extracts a short plain preview of the body for the inbox record.
func snippet(body string) string {
	s := body
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>"} {
		s = strings.ReplaceAll(s, tag, " ")
	}
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(sb.String()), " ")
	// Truncate on a rune boundary; a split multi-byte character would make
	// the snippet invalid UTF-8 and fail the inbox insert.
	if runes := []rune(out); len(runes) > 160 {
		out = string(runes[:160])
	}
	return out
}
