// Package queue provides durable storage backends for pending instance
// transitions. Entries are keyed by (instance, node): enqueueing replaces
// whatever was scheduled for that node, and parallel branches of one
// instance can hold independent entries.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
)

// TransitionQueue is the durable store behind the scheduler. All backends
// keep one entry per (instance, node), ordered by due time.
type TransitionQueue interface {
	// Enqueue stores the transition, replacing any pending entry for the
	// same instance and node.
	Enqueue(ctx context.Context, transition *models.PendingTransition) error

	// Cancel removes every pending entry for the instance.
	Cancel(ctx context.Context, instanceID string) error

	// Due returns entries with DueAt at or before now, oldest first.
	// Corrupted entries are removed from the queue and reported by
	// instance ID so the caller can quarantine the instance.
	Due(ctx context.Context, now time.Time) ([]*models.PendingTransition, []string, error)

	// NextDue returns the earliest pending entry, or nil when the queue
	// is empty.
	NextDue(ctx context.Context) (*models.PendingTransition, error)

	// Remove deletes the node's entry only if it still carries the given
	// transition ID. A stale ID is a no-op, which keeps a fire from
	// clobbering a newer reschedule.
	Remove(ctx context.Context, instanceID, nodeID, transitionID string) error

	// Close releases backend resources.
	Close() error
}

// NewTransitionQueue builds a queue backend from a URL-style address:
// redis://... selects Redis, anything else is a filesystem root.
func NewTransitionQueue(databaseURL string) (TransitionQueue, error) {
	switch {
	case databaseURL == "":
		return nil, fmt.Errorf("queue address is required")
	case len(databaseURL) > 8 && databaseURL[:8] == "redis://":
		return NewRedisQueue(databaseURL)
	default:
		return NewFileQueue(databaseURL), nil
	}
}
