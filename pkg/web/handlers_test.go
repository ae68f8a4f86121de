package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/analytics"
	"github.com/flowcrm/nurture/pkg/log"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence/file"
	"github.com/flowcrm/nurture/pkg/services"
	"github.com/flowcrm/nurture/pkg/web"
)

type stubExecution struct {
	events      []*models.TriggerEvent
	engagements []string
	cancelled   []string
	started     []*models.ExecutionInstance
}

func (s *stubExecution) HandleEvent(_ context.Context, event *models.TriggerEvent) ([]*models.ExecutionInstance, error) {
	s.events = append(s.events, event)

	return s.started, nil
}

func (s *stubExecution) HandleEngagement(_ context.Context, leadID string, _ models.ResponseType, _ string) error {
	s.engagements = append(s.engagements, leadID)

	return nil
}

func (s *stubExecution) Cancel(_ context.Context, instanceID, _ string) error {
	s.cancelled = append(s.cancelled, instanceID)

	return nil
}

type testEnv struct {
	app       *fiber.App
	persist   *file.Persistence
	execution *stubExecution
	collector *analytics.Collector
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	execution := &stubExecution{}
	collector := analytics.NewCollector(log.WithModule("test"))

	handlers := web.NewAPIHandlers(
		services.NewWorkflow(persist),
		services.NewPublishing(persist),
		execution,
		persist.InstanceRepository(),
		collector,
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()
	handlers.RegisterRoutes(app)

	return &testEnv{app: app, persist: persist, execution: execution, collector: collector}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer

	if body != nil {
		if str, ok := body.(string); ok {
			buf.WriteString(str)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func validNodes() ([]*models.Node, []*models.Connection) {
	nodes := []*models.Node{
		{
			ID: "t1", Type: models.NodeTypeTrigger, Name: "New lead", Enabled: true,
			Trigger: &models.TriggerConfig{Kind: models.TriggerKindNewLead},
		},
		{
			ID: "a1", Type: models.NodeTypeAction, Name: "Welcome email", Enabled: true,
			Action: &models.ActionConfig{Channel: models.ChannelEmail, TemplateRef: "welcome"},
		},
	}
	conns := []*models.Connection{
		{ID: uuid.New().String(), FromNodeID: "t1", ToNodeID: "a1"},
	}

	return nodes, conns
}

func TestCreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name: "successful creation",
			requestBody: web.CreateWorkflowRequest{
				Name:        "Welcome sequence",
				Description: "New lead onboarding",
				Owner:       "growth-team",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "name too short",
			requestBody:    web.CreateWorkflowRequest{Name: "ab"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			requestBody:    "not-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestApp(t)

			resp := doJSON(t, env.app, http.MethodPost, "/workflows", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusCreated {
				var def models.WorkflowDefinition
				decodeBody(t, resp, &def)
				assert.Equal(t, "Welcome sequence", def.Name)
				assert.Equal(t, models.WorkflowStatusDraft, def.Status)
				assert.NotEmpty(t, def.ID)
				assert.NotEmpty(t, def.WorkflowGroupID)
			}
		})
	}
}

func TestPublishWorkflow(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	nodes, conns := validNodes()
	resp := doJSON(t, env.app, http.MethodPost, "/workflows", web.CreateWorkflowRequest{
		Name: "Welcome sequence", Nodes: nodes, Connections: conns,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var def models.WorkflowDefinition
	decodeBody(t, resp, &def)

	resp = doJSON(t, env.app, http.MethodPost, "/workflows/"+def.ID+"/publish", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var published models.WorkflowDefinition
	decodeBody(t, resp, &published)
	assert.Equal(t, models.WorkflowStatusActive, published.Status)
	assert.NotNil(t, published.PublishedAt)
}

func TestPublishWorkflowRejectsInvalidGraph(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	// Cycle between the two actions.
	nodes := []*models.Node{
		{
			ID: "t1", Type: models.NodeTypeTrigger, Name: "New lead", Enabled: true,
			Trigger: &models.TriggerConfig{Kind: models.TriggerKindNewLead},
		},
		{
			ID: "a1", Type: models.NodeTypeAction, Name: "First", Enabled: true,
			Action: &models.ActionConfig{Channel: models.ChannelEmail, TemplateRef: "one"},
		},
		{
			ID: "a2", Type: models.NodeTypeAction, Name: "Second", Enabled: true,
			Action: &models.ActionConfig{Channel: models.ChannelEmail, TemplateRef: "two"},
		},
	}
	conns := []*models.Connection{
		{ID: "c0", FromNodeID: "t1", ToNodeID: "a1"},
		{ID: "c1", FromNodeID: "a1", ToNodeID: "a2"},
		{ID: "c2", FromNodeID: "a2", ToNodeID: "a1", Label: models.BranchFailure},
	}

	resp := doJSON(t, env.app, http.MethodPost, "/workflows", web.CreateWorkflowRequest{
		Name: "Broken sequence", Nodes: nodes, Connections: conns,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var def models.WorkflowDefinition
	decodeBody(t, resp, &def)

	resp = doJSON(t, env.app, http.MethodPost, "/workflows/"+def.ID+"/publish", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var problem struct {
		Type   string                `json:"type"`
		Errors []services.GraphError `json:"errors"`
	}
	decodeBody(t, resp, &problem)
	assert.Equal(t, "graph_validation_failed", problem.Type)
	assert.NotEmpty(t, problem.Errors)
}

func TestCreateTrigger(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	env.execution.started = []*models.ExecutionInstance{{ID: "i1"}}

	resp := doJSON(t, env.app, http.MethodPost, "/triggers", web.TriggerRequest{
		LeadID:    "lead-1",
		EventType: "new_lead",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		InstancesStarted []string `json:"instances_started"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, []string{"i1"}, body.InstancesStarted)

	require.Len(t, env.execution.events, 1)
	assert.Equal(t, "lead-1", env.execution.events[0].LeadID)
	assert.False(t, env.execution.events[0].Timestamp.IsZero())
}

func TestCreateTriggerValidation(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp := doJSON(t, env.app, http.MethodPost, "/triggers", web.TriggerRequest{EventType: "new_lead"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.execution.events)
}

func TestEngagementWebhook(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp := doJSON(t, env.app, http.MethodPost, "/webhooks/engagement", web.EngagementRequest{
		LeadID: "lead-1", Response: "opened",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"lead-1"}, env.execution.engagements)

	resp = doJSON(t, env.app, http.MethodPost, "/webhooks/engagement", web.EngagementRequest{
		LeadID: "lead-1", Response: "forwarded",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetInstance(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	instance := &models.ExecutionInstance{
		ID:              "i1",
		WorkflowID:      "w1",
		WorkflowVersion: 1,
		LeadID:          "lead-1",
		Status:          models.InstanceStatusWaiting,
		CurrentNodeID:   "d1",
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	require.NoError(t, env.persist.InstanceRepository().Save(context.Background(), instance))

	resp := doJSON(t, env.app, http.MethodGet, "/instances/i1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body web.InstanceResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, models.InstanceStatusWaiting, body.Status)
	assert.Equal(t, "d1", body.CurrentNodeID)

	resp = doJSON(t, env.app, http.MethodGet, "/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListInstancesByLead(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	ctx := context.Background()

	require.NoError(t, env.persist.InstanceRepository().Save(ctx, &models.ExecutionInstance{
		ID: "i1", WorkflowID: "w1", WorkflowGroupID: "g1", WorkflowVersion: 1,
		LeadID: "lead-1", Status: models.InstanceStatusWaiting,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, env.persist.InstanceRepository().Save(ctx, &models.ExecutionInstance{
		ID: "i0", WorkflowID: "w0", WorkflowGroupID: "g0", WorkflowVersion: 1,
		LeadID: "lead-1", Status: models.InstanceStatusCompleted,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	// Without a workflow filter the full history comes back, terminal
	// instances included, newest first.
	resp := doJSON(t, env.app, http.MethodGet, "/instances?lead_id=lead-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Instances []web.InstanceResponse `json:"instances"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Instances, 2)
	assert.Equal(t, "i1", body.Instances[0].ID)
	assert.Equal(t, "i0", body.Instances[1].ID)

	resp = doJSON(t, env.app, http.MethodGet, "/instances?lead_id=lead-1&workflow_id=g1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	require.Len(t, body.Instances, 1)

	resp = doJSON(t, env.app, http.MethodGet, "/instances", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelInstance(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp := doJSON(t, env.app, http.MethodPost, "/instances/i1/cancel", web.CancelInstanceRequest{
		Reason: "lead unsubscribed",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"i1"}, env.execution.cancelled)
}

func TestAnalyticsEndpoints(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	env.collector.RecordDispatch("i1", models.ChannelEmail, "r1", models.OutcomeDelivered, time.Now().UTC())

	resp := doJSON(t, env.app, http.MethodGet, "/analytics/channels", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var channels struct {
		Channels []analytics.ChannelReport `json:"channels"`
	}
	decodeBody(t, resp, &channels)
	require.Len(t, channels.Channels, 1)
	assert.Equal(t, models.ChannelEmail, channels.Channels[0].Channel)

	resp = doJSON(t, env.app, http.MethodGet, "/analytics/rules", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, env.app, http.MethodGet, "/analytics/recommendations", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp := doJSON(t, env.app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
