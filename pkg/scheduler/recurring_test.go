package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/log"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence/file"
)

func TestSchedulePollerFiresDueSchedules(t *testing.T) {
	ctx := context.Background()
	persist := file.NewPersistence(t.TempDir())

	schedule, err := models.NewRecurringSchedule("s1", "w1", "t1", "0 9 * * 1")
	require.NoError(t, err)

	// Force the entry overdue.
	schedule.NextDueAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, persist.ScheduleRepository().Save(ctx, schedule))

	var fired []string

	poller := NewSchedulePoller(persist.ScheduleRepository(), func(_ context.Context, s *models.RecurringSchedule) error {
		fired = append(fired, s.ID)

		return nil
	}, log.WithModule("test"))

	poller.Poll(ctx)

	require.Equal(t, []string{"s1"}, fired)

	// The schedule advanced past now, so a second poll is a no-op.
	poller.Poll(ctx)
	assert.Equal(t, []string{"s1"}, fired)

	due, err := persist.ScheduleRepository().Due(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSchedulePollerSkipsInactive(t *testing.T) {
	ctx := context.Background()
	persist := file.NewPersistence(t.TempDir())

	schedule, err := models.NewRecurringSchedule("s1", "w1", "t1", "*/5 * * * *")
	require.NoError(t, err)

	schedule.Active = false
	schedule.NextDueAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, persist.ScheduleRepository().Save(ctx, schedule))

	fired := 0

	poller := NewSchedulePoller(persist.ScheduleRepository(), func(_ context.Context, _ *models.RecurringSchedule) error {
		fired++

		return nil
	}, log.WithModule("test"))

	poller.Poll(ctx)
	assert.Zero(t, fired)
}

func TestSchedulePollerKeepsScheduleOnFireError(t *testing.T) {
	ctx := context.Background()
	persist := file.NewPersistence(t.TempDir())

	schedule, err := models.NewRecurringSchedule("s1", "w1", "t1", "0 9 * * *")
	require.NoError(t, err)

	schedule.NextDueAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, persist.ScheduleRepository().Save(ctx, schedule))

	poller := NewSchedulePoller(persist.ScheduleRepository(), func(_ context.Context, _ *models.RecurringSchedule) error {
		return errors.New("bus unavailable")
	}, log.WithModule("test"))

	poller.Poll(ctx)

	// Still due: the fire failed, so the schedule was not advanced.
	due, err := persist.ScheduleRepository().Due(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
