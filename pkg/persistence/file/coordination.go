package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
)

// JoinArrivalRepository persists join-node barrier state under
// <root>/join-arrivals, one document per (instance, node).
type JoinArrivalRepository struct {
	root string
}

func (r *JoinArrivalRepository) dir() string {
	return filepath.Join(r.root, "join-arrivals")
}

func joinArrivalName(instanceID, nodeID string) string {
	return instanceID + "-" + nodeID
}

func (r *JoinArrivalRepository) Get(_ context.Context, instanceID, nodeID string) (*models.JoinArrival, error) {
	if err := validateID(instanceID); err != nil {
		return nil, err
	}

	if err := validateID(nodeID); err != nil {
		return nil, err
	}

	var arrival models.JoinArrival

	err := readJSON(r.dir(), joinArrivalName(instanceID, nodeID), &arrival)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	return &arrival, nil
}

func (r *JoinArrivalRepository) Save(_ context.Context, arrival *models.JoinArrival) error {
	if err := validateID(arrival.InstanceID); err != nil {
		return err
	}

	if err := validateID(arrival.NodeID); err != nil {
		return err
	}

	return writeJSON(r.dir(), joinArrivalName(arrival.InstanceID, arrival.NodeID), arrival)
}

func (r *JoinArrivalRepository) Delete(_ context.Context, instanceID, nodeID string) error {
	err := os.Remove(filepath.Join(r.dir(), joinArrivalName(instanceID, nodeID)+".json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// ScheduleRepository stores recurring schedules under <root>/schedules.
type ScheduleRepository struct {
	root string
}

func (r *ScheduleRepository) dir() string {
	return filepath.Join(r.root, "schedules")
}

func (r *ScheduleRepository) Save(_ context.Context, schedule *models.RecurringSchedule) error {
	if err := validateID(schedule.ID); err != nil {
		return err
	}

	return writeJSON(r.dir(), schedule.ID, schedule)
}

// Due returns active schedules whose next due time has passed, oldest first.
func (r *ScheduleRepository) Due(_ context.Context, now time.Time) ([]*models.RecurringSchedule, error) {
	names, err := listJSON(r.dir())
	if err != nil {
		return nil, err
	}

	var due []*models.RecurringSchedule

	for _, name := range names {
		var schedule models.RecurringSchedule
		if err := readJSON(r.dir(), name, &schedule); err != nil {
			return nil, err
		}

		if schedule.Active && !schedule.NextDueAt.After(now) {
			due = append(due, &schedule)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextDueAt.Before(due[j].NextDueAt)
	})

	return due, nil
}

func (r *ScheduleRepository) DeleteByWorkflow(_ context.Context, workflowID string) error {
	names, err := listJSON(r.dir())
	if err != nil {
		return err
	}

	for _, name := range names {
		var schedule models.RecurringSchedule
		if err := readJSON(r.dir(), name, &schedule); err != nil {
			continue
		}

		if schedule.WorkflowID == workflowID {
			if err := os.Remove(filepath.Join(r.dir(), name+".json")); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}

	return nil
}
