package gmail

import (
	"errors"
	"fmt"
)

// ErrNoCredential is returned when a workspace has no connected Gmail
// account. It is terminal for the send that hit it.
var ErrNoCredential = errors.New("no gmail credential connected for workspace")

// SendError is the structured error raised by the send primitive. It
// carries an explicit retryable hint set at the raise site, so the retry
// classifier does not have to guess from message text for errors we
// control. Keyword classification remains the fallback for everything else.
type SendError struct {
	StatusCode int
	Reason     string
	Retryable  bool
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gmail send failed (%d %s): %v", e.StatusCode, e.Reason, e.Err)
	}
	return fmt.Sprintf("gmail send failed (%d %s)", e.StatusCode, e.Reason)
}

func (e *SendError) Unwrap() error { return e.Err }

// RetryableHint extracts the explicit retryable flag if err is (or wraps) a
// SendError. The second return reports whether a hint was present.
func RetryableHint(err error) (retryable, ok bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable, true
	}
	return false, false
}
