package dispatcher

import (
	"errors"
	"fmt"

	"github.com/flowcrm/nurture/pkg/models"
)

var ErrUnknownChannel = errors.New("no adapter registered for channel")

// DispatchError describes a failed delivery attempt. Retryable errors
// (throttling, timeouts, transient provider failures) may be retried with
// backoff; terminal errors (rejected recipient) must not be.
type DispatchError struct {
	Channel   models.Channel
	Recipient string
	Retryable bool
	Err       error
}

func (e *DispatchError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}

	return fmt.Sprintf("dispatch on %s failed (%s): %v", e.Channel, kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is a dispatch failure worth retrying.
func IsRetryable(err error) bool {
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Retryable
	}

	return false
}
