package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/gmail"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// MaxSendAttempts is the retry ceiling; past it a row is permanently failed.
const MaxSendAttempts = 5

// backoffTable holds minutes of delay indexed by zero-based attempt count.
// Attempts past the end clamp to the last entry, so backoff is bounded and
// retries never stretch forever.
var backoffTable = []int{5, 15, 60, 240, 1440}

// nonRetryableKeywords terminate a send on first occurrence. They are
// checked before anything else and win ties: "invalid recipient rate
// limited" is still terminal.
var nonRetryableKeywords = []string{
	"invalid_grant",
	"invalid grant",
	"permission denied",
	"insufficient permission",
	"unauthorized_client",
	"account disabled",
	"invalid recipient",
	"invalid to header",
	"address not found",
	"recipient address rejected",
	"domain not found",
	"mail from account disabled",
	"delivery status notification (failure)",
	"quota exceeded for this account",
	"daily sending quota exceeded permanently",
}

// retryableKeywords are explicit transient signatures checked second.
var retryableKeywords = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
	"user-rate limit exceeded",
	"backend error",
	"internal error",
	"service unavailable",
	"temporarily unavailable",
	"try again later",
}

// transientPatterns is the network-shaped fallback when neither explicit
// list matched. Unrecognized errors that don't look like network failures
// stay non-retryable.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"network",
	"502",
	"503",
	"504",
	"500",
	"429",
}

// IsRetryable classifies an error message. Non-retryable keywords are
// checked first and short-circuit, then explicit retryable keywords, then
// the generic transient patterns. Total: every input yields a boolean.
func IsRetryable(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, kw := range nonRetryableKeywords {
		if strings.Contains(msg, kw) {
			return false
		}
	}
	for _, kw := range retryableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// classifySendError prefers the structured retryable hint carried by the
// send primitive's error type, falling back to message inspection for
// errors from less-controlled collaborators.
func classifySendError(err error) bool {
	if retryable, ok := gmail.RetryableHint(err); ok {
		return retryable
	}
	return IsRetryable(err.Error())
}

// BackoffMinutes returns the delay before retry attempt attemptIndex
// (zero-based). Non-decreasing and clamped to the table's last entry.
func BackoffMinutes(attemptIndex int) int {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	if attemptIndex >= len(backoffTable) {
		return backoffTable[len(backoffTable)-1]
	}
	return backoffTable[attemptIndex]
}

// Lifecycle applies status transitions to scheduled_emails rows. It is the
// single concurrency-safety mechanism for the send pipeline: MarkAsSending
// is a compare-and-swap on status, so exactly one of two overlapping worker
// invocations can move a row out of SCHEDULED/RETRY_SCHEDULED.
type Lifecycle struct {
	db  *sql.DB
	now func() time.Time
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(db *sql.DB) *Lifecycle {
	return &Lifecycle{db: db, now: time.Now}
}

// MarkAsSending acquires the optimistic lock on a row. The conditional
// update succeeds only while the row is still SCHEDULED or RETRY_SCHEDULED;
// zero rows affected means another invocation got there first.
func (l *Lifecycle) MarkAsSending(ctx context.Context, id string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'SENDING', updated_at = NOW()
		WHERE id = $1 AND status IN ('SCHEDULED', 'RETRY_SCHEDULED')
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark %s as sending: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkAsSent records the terminal success transition with the provider ids.
func (l *Lifecycle) MarkAsSent(ctx context.Context, id, messageID, threadID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'SENT', message_id = $2, thread_id = $3, sent_at = $4,
			last_error = '', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, messageID, threadID, l.now())
	if err != nil {
		return fmt.Errorf("mark %s as sent: %w", id, err)
	}
	return nil
}

// MarkAsCancelled cancels a row at send time (non-running campaign or
// non-enrolled prospect), rewriting the idempotency key so the triple
// stays schedulable by a future campaign.
func (l *Lifecycle) MarkAsCancelled(ctx context.Context, id, scopeID, reason string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'CANCELLED', last_error = $2,
			idempotency_key = idempotency_key || '::CANCELLED::' || $3,
			next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, reason, scopeID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

// HandleFailure records a failed send attempt. Retryable errors under the
// attempt ceiling schedule a retry with backoff; everything else is
// permanently failed with a reason that distinguishes exhausted retries
// from a non-retryable error. This must run exactly once per failed
// attempt so no row is ever stranded in SENDING.
func (l *Lifecycle) HandleFailure(ctx context.Context, id string, sendErr error) error {
	var attempts int
	err := l.db.QueryRowContext(ctx, `
		SELECT attempts FROM scheduled_emails WHERE id = $1
	`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("load attempts for %s: %w", id, err)
	}

	attempts++
	retryable := classifySendError(sendErr)
	errMsg := sendErr.Error()

	if retryable && attempts < MaxSendAttempts {
		nextRetry := l.now().Add(time.Duration(BackoffMinutes(attempts-1)) * time.Minute)
		_, err = l.db.ExecContext(ctx, `
			UPDATE scheduled_emails
			SET status = 'RETRY_SCHEDULED', attempts = $2, last_error = $3,
				next_retry_at = $4, updated_at = NOW()
			WHERE id = $1
		`, id, attempts, errMsg, nextRetry)
		if err != nil {
			return fmt.Errorf("schedule retry for %s: %w", id, err)
		}
		logger.Warn("send failed, retry scheduled",
			"scheduled_email_id", id, "attempts", attempts, "next_retry_at", nextRetry.Format(time.RFC3339))
		return nil
	}

	reason := "non-retryable error: " + errMsg
	if retryable {
		reason = fmt.Sprintf("max retries exceeded (%d attempts): %s", attempts, errMsg)
	}
	_, err = l.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'PERMANENTLY_FAILED', attempts = $2, last_error = $3,
			next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, reason)
	if err != nil {
		return fmt.Errorf("mark %s permanently failed: %w", id, err)
	}
	logger.Error("send permanently failed", "scheduled_email_id", id, "reason", reason)
	return nil
}
