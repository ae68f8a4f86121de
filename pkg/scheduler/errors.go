package scheduler

import "fmt"

// RecoveryError records a queue entry that could not be restored at startup.
// The owning instance is paused for manual inspection instead of blocking the
// rest of the queue.
type RecoveryError struct {
	InstanceID string
	Reason     string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("scheduler recovery: instance %s quarantined: %s", e.InstanceID, e.Reason)
}
