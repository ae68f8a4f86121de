package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
)

// FileQueue stores one JSON document per instance under a directory, each
// holding that instance's pending transitions. It is the development
// backend; production deployments use Redis.
type FileQueue struct {
	root string
	mu   sync.Mutex
}

func NewFileQueue(root string) *FileQueue {
	root = strings.TrimPrefix(root, "file://")

	return &FileQueue{root: root}
}

func (q *FileQueue) path(instanceID string) (string, error) {
	if strings.Contains(instanceID, "/") || strings.Contains(instanceID, "\\") || strings.Contains(instanceID, "..") {
		return "", fmt.Errorf("invalid instance id: %s", instanceID)
	}

	return filepath.Join(q.root, instanceID+".json"), nil
}

func (q *FileQueue) Enqueue(ctx context.Context, transition *models.PendingTransition) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path, err := q.path(transition.InstanceID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(q.root, 0o755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	entries, err := q.read(path)
	if err != nil {
		return err
	}

	kept := entries[:0]

	for _, entry := range entries {
		if entry.NodeID != transition.NodeID {
			kept = append(kept, entry)
		}
	}

	return q.write(path, append(kept, transition))
}

func (q *FileQueue) Cancel(ctx context.Context, instanceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path, err := q.path(instanceID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (q *FileQueue) Due(ctx context.Context, now time.Time) ([]*models.PendingTransition, []string, error) {
	entries, corrupted, err := q.loadAll()
	if err != nil {
		return nil, nil, err
	}

	var due []*models.PendingTransition

	for _, entry := range entries {
		if !entry.DueAt.After(now) {
			due = append(due, entry)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })

	return due, corrupted, nil
}

func (q *FileQueue) NextDue(ctx context.Context) (*models.PendingTransition, error) {
	entries, _, err := q.loadAll()
	if err != nil {
		return nil, err
	}

	var next *models.PendingTransition

	for _, entry := range entries {
		if next == nil || entry.DueAt.Before(next.DueAt) {
			next = entry
		}
	}

	return next, nil
}

func (q *FileQueue) Remove(ctx context.Context, instanceID, nodeID, transitionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path, err := q.path(instanceID)
	if err != nil {
		return err
	}

	entries, err := q.read(path)
	if err != nil {
		return os.Remove(path)
	}

	kept := entries[:0]

	for _, entry := range entries {
		if entry.NodeID == nodeID && entry.ID != transitionID {
			// A reschedule raced the fire; its newer entry stays.
			return nil
		}

		if entry.NodeID != nodeID {
			kept = append(kept, entry)
		}
	}

	if len(kept) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}

		return nil
	}

	return q.write(path, kept)
}

func (q *FileQueue) Close() error { return nil }

// read returns the instance's entries, or an empty slice when no file
// exists yet. Parse failures surface so the caller can prune the file.
func (q *FileQueue) read(path string) ([]*models.PendingTransition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is validated
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var entries []*models.PendingTransition
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}

	return entries, nil
}

func (q *FileQueue) write(path string, entries []*models.PendingTransition) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transitions: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// loadAll reads every entry across instances, pruning files that no longer
// parse and reporting their instance IDs.
func (q *FileQueue) loadAll() ([]*models.PendingTransition, []string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(q.root, "*.json"))
	if err != nil {
		return nil, nil, err
	}

	var (
		entries   []*models.PendingTransition
		corrupted []string
	)

	for _, match := range matches {
		loaded, err := q.read(match)
		if err == nil {
			for _, entry := range loaded {
				if entry == nil || entry.InstanceID == "" {
					err = fmt.Errorf("entry missing instance id")

					break
				}
			}
		}

		if err != nil {
			corrupted = append(corrupted, strings.TrimSuffix(filepath.Base(match), ".json"))
			_ = os.Remove(match)

			continue
		}

		entries = append(entries, loaded...)
	}

	return entries, corrupted, nil
}
