package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/flowcrm/nurture/pkg/analytics"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
	"github.com/flowcrm/nurture/pkg/services"
)

// ExecutionService is the slice of the engine the API needs: trigger
// ingestion, engagement routing, and cancellation.
type ExecutionService interface {
	HandleEvent(ctx context.Context, event *models.TriggerEvent) ([]*models.ExecutionInstance, error)
	HandleEngagement(ctx context.Context, leadID string, response models.ResponseType, stepID string) error
	Cancel(ctx context.Context, instanceID, reason string) error
}

// AnalyticsProvider exposes the collector's read side.
type AnalyticsProvider interface {
	Channels() []analytics.ChannelReport
	Rules() []analytics.RuleReport
	Recommendations() []analytics.Recommendation
}

type APIHandlers struct {
	workflowService   *services.Workflow
	publishingService *services.Publishing
	execution         ExecutionService
	instances         persistence.InstanceRepository
	analytics         AnalyticsProvider
	validator         *validator.Validate
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	publishingService *services.Publishing,
	execution ExecutionService,
	instances persistence.InstanceRepository,
	analyticsProvider AnalyticsProvider,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflowService:   workflowService,
		publishingService: publishingService,
		execution:         execution,
		instances:         instances,
		analytics:         analyticsProvider,
		validator:         validator,
	}
}

// RegisterRoutes mounts every API route on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/workflows", h.GetWorkflows)
	app.Post("/workflows", h.CreateWorkflow)
	app.Get("/workflows/:id", h.GetWorkflow)
	app.Patch("/workflows/:id", h.UpdateWorkflow)
	app.Delete("/workflows/:id", h.DeleteWorkflow)
	app.Post("/workflows/:id/publish", h.PublishWorkflow)
	app.Post("/workflows/:id/pause", h.PauseWorkflow)
	app.Post("/workflows/:id/resume", h.ResumeWorkflow)
	app.Post("/workflows/:id/draft", h.CreateDraft)

	app.Post("/triggers", h.CreateTrigger)
	app.Post("/webhooks/engagement", h.EngagementWebhook)

	app.Get("/instances", h.ListInstances)
	app.Get("/instances/:id", h.GetInstance)
	app.Post("/instances/:id/cancel", h.CancelInstance)

	app.Get("/analytics/channels", h.AnalyticsChannels)
	app.Get("/analytics/rules", h.AnalyticsRules)
	app.Get("/analytics/recommendations", h.AnalyticsRecommendations)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	opts := persistence.ListWorkflowsOptions{
		OwnerID: c.Query("owner_id"),
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.WorkflowStatus(statusStr)
		opts.Status = &status
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit: "+err.Error())
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return badRequest(c, "Invalid offset: "+err.Error())
		}

		opts.Offset = offset
	}

	workflows, err := h.workflowService.List(c.Context(), opts)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	def := &models.WorkflowDefinition{
		Name:        req.Name,
		Description: req.Description,
		Owner:       req.Owner,
		Nodes:       req.Nodes,
		Connections: req.Connections,
	}

	created, err := h.workflowService.Create(c.Context(), def)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	def, err := h.workflowService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.workflowService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Description != nil {
		existing.Description = *req.Description
	}

	if req.Nodes != nil {
		existing.Nodes = req.Nodes
	}

	if req.Connections != nil {
		existing.Connections = req.Connections
	}

	updated, err := h.workflowService.Update(c.Context(), id, existing)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.workflowService.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PublishWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	published, result, err := h.publishingService.Publish(c.Context(), id)
	if err != nil {
		if result != nil && !result.Valid() {
			return publishRejected(c, result)
		}

		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	paused, err := h.workflowService.Pause(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(paused)
}

func (h *APIHandlers) ResumeWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	resumed, err := h.workflowService.Resume(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(resumed)
}

func (h *APIHandlers) CreateDraft(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	draft, err := h.workflowService.NewDraftFrom(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(draft)
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	var req TriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	created, err := h.execution.HandleEvent(c.Context(), &models.TriggerEvent{
		LeadID:    req.LeadID,
		EventType: req.EventType,
		Timestamp: timestamp,
		Payload:   req.Payload,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	instanceIDs := make([]string, 0, len(created))
	for _, instance := range created {
		instanceIDs = append(instanceIDs, instance.ID)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"instances_started": instanceIDs,
	})
}

func (h *APIHandlers) EngagementWebhook(c fiber.Ctx) error {
	var req EngagementRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.execution.HandleEngagement(c.Context(), req.LeadID, models.ResponseType(req.Response), req.StepID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.instances.GetByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(instance))
}

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	leadID := c.Query("lead_id")
	if leadID == "" {
		return badRequest(c, "lead_id query parameter is required")
	}

	if workflowID := c.Query("workflow_id"); workflowID != "" {
		instance, err := h.instances.FindByLeadAndWorkflow(c.Context(), leadID, workflowID)
		if err != nil {
			return handleServiceError(c, err)
		}

		if instance == nil {
			return c.JSON(fiber.Map{"instances": []InstanceResponse{}})
		}

		return c.JSON(fiber.Map{"instances": []InstanceResponse{TransformInstanceResponse(instance)}})
	}

	instances, err := h.instances.ListByLead(c.Context(), leadID)
	if err != nil {
		return handleServiceError(c, err)
	}

	responses := make([]InstanceResponse, 0, len(instances))
	for _, instance := range instances {
		responses = append(responses, TransformInstanceResponse(instance))
	}

	return c.JSON(fiber.Map{"instances": responses})
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req CancelInstanceRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.execution.Cancel(c.Context(), id, req.Reason); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) AnalyticsChannels(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"channels": h.analytics.Channels()})
}

func (h *APIHandlers) AnalyticsRules(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"rules": h.analytics.Rules()})
}

func (h *APIHandlers) AnalyticsRecommendations(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"recommendations": h.analytics.Recommendations()})
}
