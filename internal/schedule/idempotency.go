package schedule

import "fmt"

// SendKey builds the deterministic idempotency key for one
// (prospect, sequence, step) send. It is the uniqueness constraint on the
// scheduled_emails table and the sole de-duplication mechanism across
// scheduler re-runs, restarts, and redeploys, so its format must stay stable.
func SendKey(prospectID, sequenceID string, stepOrder int) string {
	return fmt.Sprintf("%s:%s:step:%d", prospectID, sequenceID, stepOrder)
}

// CancelledKey rewrites an idempotency key when its row is cancelled.
// The suffix frees the (prospect, sequence, step) slot for a future
// campaign while the audit row keeps its history. scopeID is the campaign
// or enrollment id whose stop action triggered the cancellation.
func CancelledKey(key, scopeID string) string {
	return fmt.Sprintf("%s::CANCELLED::%s", key, scopeID)
}
