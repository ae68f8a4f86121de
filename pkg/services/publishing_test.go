package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence/file"
)

func newTestServices(t *testing.T) (*Workflow, *Publishing, *file.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	require.NoError(t, p.HealthCheck(context.Background()))

	return NewWorkflow(p), NewPublishing(p), p
}

func draftDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name: "Trial nurture",
		Nodes: []*models.Node{
			triggerNode("t1"),
			actionNode("a1"),
		},
		Connections: []*models.Connection{
			connect("e1", "t1", "a1", ""),
		},
	}
}

func TestPublishing_Publish(t *testing.T) {
	workflows, publishing, _ := newTestServices(t)
	ctx := context.Background()

	draft, err := workflows.Create(ctx, draftDefinition())
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, draft.Status)

	published, result, err := publishing.Publish(ctx, draft.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, models.WorkflowStatusActive, published.Status)
	require.NotNil(t, published.PublishedAt)
	assert.WithinDuration(t, time.Now().UTC(), *published.PublishedAt, time.Minute)
}

func TestPublishing_RejectsInvalidGraph(t *testing.T) {
	workflows, publishing, _ := newTestServices(t)
	ctx := context.Background()

	def := draftDefinition()
	def.Connections = append(def.Connections, connect("e2", "a1", "t1", ""))

	draft, err := workflows.Create(ctx, def)
	require.NoError(t, err)

	_, result, err := publishing.Publish(ctx, draft.ID)
	require.ErrorIs(t, err, ErrInvalidGraph)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Errors)

	// Definition stays draft after a failed publish.
	reloaded, err := workflows.FetchByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, reloaded.Status)
}

func TestPublishing_RejectsNonDraft(t *testing.T) {
	workflows, publishing, _ := newTestServices(t)
	ctx := context.Background()

	draft, err := workflows.Create(ctx, draftDefinition())
	require.NoError(t, err)

	_, _, err = publishing.Publish(ctx, draft.ID)
	require.NoError(t, err)

	_, _, err = publishing.Publish(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrNotDraft)
}

func TestPublishing_RetiresPreviousVersion(t *testing.T) {
	workflows, publishing, _ := newTestServices(t)
	ctx := context.Background()

	v1, err := workflows.Create(ctx, draftDefinition())
	require.NoError(t, err)

	_, _, err = publishing.Publish(ctx, v1.ID)
	require.NoError(t, err)

	v2, err := workflows.NewDraftFrom(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.WorkflowGroupID, v2.WorkflowGroupID)

	_, _, err = publishing.Publish(ctx, v2.ID)
	require.NoError(t, err)

	oldVersion, err := workflows.FetchByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRetired, oldVersion.Status)

	newVersion, err := workflows.FetchByID(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, newVersion.Status)
}

func TestPublishing_RequiresTriggerNode(t *testing.T) {
	workflows, publishing, _ := newTestServices(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{
		Name:  "No trigger",
		Nodes: []*models.Node{actionNode("a1")},
	}

	draft, err := workflows.Create(ctx, def)
	require.NoError(t, err)

	_, _, err = publishing.Publish(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrTriggerNodeRequired)
}

func TestPublishing_RegistersRecurringSchedules(t *testing.T) {
	workflows, publishing, p := newTestServices(t)
	ctx := context.Background()

	scheduled := &models.Node{
		ID: "t1", Type: models.NodeTypeTrigger, Name: "Weekly touch", Enabled: true,
		Trigger: &models.TriggerConfig{Kind: models.TriggerKindScheduled, Schedule: "0 9 * * 1"},
	}
	def := &models.WorkflowDefinition{
		Name:        "Weekly campaign",
		Nodes:       []*models.Node{scheduled, actionNode("a1")},
		Connections: []*models.Connection{connect("e1", "t1", "a1", "")},
	}

	draft, err := workflows.Create(ctx, def)
	require.NoError(t, err)

	published, _, err := publishing.Publish(ctx, draft.ID)
	require.NoError(t, err)

	due, err := p.ScheduleRepository().Due(ctx, time.Now().UTC().Add(31*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, published.ID, due[0].WorkflowID)
	assert.Equal(t, "t1", due[0].NodeID)
}

func TestPublishing_InvalidCronExpression(t *testing.T) {
	workflows, publishing, _ := newTestServices(t)
	ctx := context.Background()

	scheduled := &models.Node{
		ID: "t1", Type: models.NodeTypeTrigger, Name: "Broken schedule", Enabled: true,
		Trigger: &models.TriggerConfig{Kind: models.TriggerKindScheduled, Schedule: ""},
	}
	def := &models.WorkflowDefinition{
		Name:        "Broken campaign",
		Nodes:       []*models.Node{scheduled, actionNode("a1")},
		Connections: []*models.Connection{connect("e1", "t1", "a1", "")},
	}

	draft, err := workflows.Create(ctx, def)
	require.NoError(t, err)

	_, result, err := publishing.Publish(ctx, draft.ID)
	require.ErrorIs(t, err, ErrInvalidGraph)
	require.NotNil(t, result)

	found := false

	for _, e := range result.Errors {
		if e.NodeID == "t1" && e.Kind == GraphErrorInvalidConfig {
			found = true
		}
	}

	assert.True(t, found)
}
