// Package engine runs execution instances through their workflow graphs:
// one state machine per (lead, workflow), single-writer per instance, fully
// parallel across instances. In-process the writer is a keyed lock; across
// processes every save carries the instance revision it read, so a racing
// writer fails fast instead of clobbering state.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/eventbus"
	"github.com/flowcrm/nurture/pkg/events"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/otelhelper"
	"github.com/flowcrm/nurture/pkg/persistence"
	"github.com/flowcrm/nurture/pkg/rules"
	"github.com/flowcrm/nurture/pkg/scheduler"
)

const (
	defaultMaxDispatchAttempts = 3
	defaultRetryBackoffBase    = time.Second
	cancelMaxRetries           = 5
)

// TransitionScheduler is the slice of the scheduler the engine drives.
type TransitionScheduler interface {
	Schedule(ctx context.Context, instanceID, nodeID string, delay time.Duration, businessHoursOnly bool, timezone string) (*models.PendingTransition, error)
	Cancel(ctx context.Context, instanceID string) error
}

// Engine advances execution instances node by node. All instance mutations
// go through a per-instance lock, so concurrent triggers, engagement
// webhooks, and scheduler fires never interleave writes on one instance.
type Engine struct {
	persist     persistence.Persistence
	sender      dispatcher.Sender
	rules       *rules.Engine
	transitions TransitionScheduler
	bus         eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	hours       scheduler.BusinessHours

	maxDispatchAttempts int
	retryBackoffBase    time.Duration

	workerID string
	locks    sync.Map

	// dryRun executes a definition without persisting instance state,
	// scheduling transitions, or publishing events.
	dryRun  bool
	dryLead *models.Lead
}

func NewEngine(
	persist persistence.Persistence,
	sender dispatcher.Sender,
	ruleEngine *rules.Engine,
	transitions TransitionScheduler,
	bus eventbus.EventPublisher,
	workerID string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		persist:             persist,
		sender:              sender,
		rules:               ruleEngine,
		transitions:         transitions,
		bus:                 bus,
		tracer:              otel.Tracer("engine"),
		logger:              logger.With("module", "engine", "worker_id", workerID),
		hours:               scheduler.DefaultBusinessHours(),
		maxDispatchAttempts: defaultMaxDispatchAttempts,
		retryBackoffBase:    defaultRetryBackoffBase,
		workerID:            workerID,
	}
}

// WithDispatchRetry overrides the retry cap and backoff base for retryable
// dispatch failures.
func (e *Engine) WithDispatchRetry(attempts int, backoffBase time.Duration) *Engine {
	if attempts > 0 {
		e.maxDispatchAttempts = attempts
	}

	if backoffBase > 0 {
		e.retryBackoffBase = backoffBase
	}

	return e
}

// WithBusinessHours overrides the delivery window used by business-hours
// deferred actions.
func (e *Engine) WithBusinessHours(hours scheduler.BusinessHours) *Engine {
	e.hours = hours

	return e
}

// lockInstance serializes all processing for one instance ID.
func (e *Engine) lockInstance(instanceID string) func() {
	value, _ := e.locks.LoadOrStore(instanceID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}

// releaseLock drops the lock entry once an instance reaches a terminal
// state, so a long-lived worker does not accumulate one mutex per instance
// it ever touched. A goroutine that raced the delete re-creates the entry,
// re-checks status, and no-ops.
func (e *Engine) releaseLock(instanceID string) {
	e.locks.Delete(instanceID)
}

// HandleEvent ingests an external trigger event. Engagement-shaped events are
// routed to waiting instances first; trigger-kind events then create one
// instance per matching active definition. A lead never gets a second live
// instance of the same workflow group.
func (e *Engine) HandleEvent(ctx context.Context, event *models.TriggerEvent) ([]*models.ExecutionInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.handle_event",
		attribute.String(otelhelper.LeadIDKey, event.LeadID),
		attribute.String("nurture.event_type", event.EventType),
	)
	defer span.End()

	if response, ok := responseForEvent(event.EventType); ok {
		if err := e.HandleEngagement(ctx, event.LeadID, response, ""); err != nil {
			e.logger.ErrorContext(ctx, "Engagement routing failed",
				"lead_id", event.LeadID, "error", err)
		}
	}

	kind, ok := triggerKindForEvent(event.EventType)
	if !ok {
		return nil, nil
	}

	lead, err := e.persist.LeadRepository().GetByID(ctx, event.LeadID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	definitions, err := e.persist.WorkflowRepository().ListActive(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	var created []*models.ExecutionInstance

	for _, def := range definitions {
		for _, trigger := range def.TriggerNodes() {
			if !trigger.Enabled || trigger.Trigger == nil || trigger.Trigger.Kind != kind {
				continue
			}

			if !filtersMatch(trigger.Trigger.Filters, lead, event.Payload) {
				continue
			}

			instance, err := e.startInstance(ctx, def, trigger, lead, kind)
			if err != nil {
				e.logger.ErrorContext(ctx, "Failed to start instance",
					"workflow_id", def.ID, "lead_id", lead.ID, "error", err)

				continue
			}

			if instance != nil {
				created = append(created, instance)
			}
		}
	}

	return created, nil
}

// startInstance creates and runs a fresh instance unless the lead already has
// a live one for the workflow group.
func (e *Engine) startInstance(ctx context.Context, def *models.WorkflowDefinition, trigger *models.Node, lead *models.Lead, kind models.TriggerKind) (*models.ExecutionInstance, error) {
	existing, err := e.persist.InstanceRepository().FindByLeadAndWorkflow(ctx, lead.ID, def.WorkflowGroupID)
	if err != nil && !persistence.IsInstanceNotFound(err) {
		return nil, err
	}

	if existing != nil && !existing.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "Lead already has a live instance",
			"lead_id", lead.ID, "workflow_group_id", def.WorkflowGroupID)

		return nil, nil
	}

	now := time.Now().UTC()
	instance := &models.ExecutionInstance{
		ID:              uuid.New().String(),
		WorkflowID:      def.ID,
		WorkflowGroupID: def.WorkflowGroupID,
		WorkflowVersion: def.Version,
		LeadID:          lead.ID,
		Status:          models.InstanceStatusProcessing,
		CurrentNodeID:   trigger.ID,
		RuleUsage:       make(map[string]int),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	unlock := e.lockInstance(instance.ID)
	defer unlock()

	if err := e.saveInstance(ctx, instance); err != nil {
		return nil, err
	}

	e.publish(ctx, instance.ID, events.InstanceStarted{
		BaseEvent:   e.baseEvent(events.InstanceStartedEvent, def.ID),
		InstanceID:  instance.ID,
		LeadID:      lead.ID,
		TriggerKind: string(kind),
	})

	if err := e.runFrom(ctx, def, instance, trigger, ""); err != nil {
		return instance, err
	}

	return instance, nil
}

// HandleEngagement attaches a response to the lead's step history and
// re-fires waiting rule-driven action nodes, since a new signal may change
// rule eligibility. SignalNoReply carries no step response; it only re-fires.
func (e *Engine) HandleEngagement(ctx context.Context, leadID string, response models.ResponseType, stepID string) error {
	instances, err := e.persist.InstanceRepository().ListWaitingByLead(ctx, leadID)
	if err != nil {
		return err
	}

	for _, stale := range instances {
		if err := e.engageInstance(ctx, stale.ID, response, stepID); err != nil {
			e.logger.ErrorContext(ctx, "Engagement handling failed",
				"instance_id", stale.ID, "lead_id", leadID, "error", err)
		}
	}

	return nil
}

func (e *Engine) engageInstance(ctx context.Context, instanceID string, response models.ResponseType, stepID string) error {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	instance, err := e.persist.InstanceRepository().GetByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status.IsTerminal() {
		return nil
	}

	if response != models.SignalNoReply {
		step := findStep(instance, stepID)
		if step != nil {
			step.Response = &models.StepResponse{Type: response, Timestamp: time.Now().UTC()}

			if err := e.saveInstance(ctx, instance); err != nil {
				return err
			}

			e.publish(ctx, instance.ID, events.EngagementReceived{
				BaseEvent:  e.baseEvent(events.EngagementReceivedEvent, instance.WorkflowID),
				InstanceID: instance.ID,
				LeadID:     instance.LeadID,
				StepID:     step.ID,
				Response:   response,
			})
		}
	}

	// A waiting rule-driven action re-evaluates against the new signal.
	if instance.Status != models.InstanceStatusWaiting {
		return nil
	}

	def, err := e.persist.WorkflowRepository().GetByID(ctx, instance.WorkflowID)
	if err != nil {
		return err
	}

	node := waitingRuleNode(def, instance)
	if node == nil {
		return nil
	}

	instance.Status = models.InstanceStatusProcessing
	instance.ClearWaitingNode(node.ID)

	return e.dropLostRace(ctx, instance.ID, e.runFrom(ctx, def, instance, node, ""))
}

// waitingRuleNode finds a parked rule-driven action node, the only kind of
// parked token an engagement signal can wake.
func waitingRuleNode(def *models.WorkflowDefinition, instance *models.ExecutionInstance) *models.Node {
	for _, id := range instance.WaitingNodes {
		node, ok := def.NodeByID(id)
		if ok && node.Type == models.NodeTypeAction && node.Action != nil && node.Action.UseRules {
			return node
		}
	}

	return nil
}

// Resume is the scheduler's fire callback. A transition whose node holds no
// parked token anymore is stale and dropped, which makes double fires of the
// same transition harmless.
func (e *Engine) Resume(ctx context.Context, transition *models.PendingTransition) error {
	unlock := e.lockInstance(transition.InstanceID)
	defer unlock()

	instance, err := e.persist.InstanceRepository().GetByID(ctx, transition.InstanceID)
	if err != nil {
		return err
	}

	if instance.Status.IsTerminal() || instance.Status == models.InstanceStatusPaused {
		return nil
	}

	if !instance.IsWaitingAt(transition.NodeID) {
		e.logger.DebugContext(ctx, "Dropping stale transition",
			"instance_id", instance.ID, "node_id", transition.NodeID,
			"current_node_id", instance.CurrentNodeID)

		return nil
	}

	def, err := e.persist.WorkflowRepository().GetByID(ctx, instance.WorkflowID)
	if err != nil {
		return err
	}

	node, ok := def.NodeByID(transition.NodeID)
	if !ok {
		instance.Status = models.InstanceStatusFailed
		instance.FailureReason = "scheduled node no longer exists in bound version"
		instance.WaitingNodes = nil

		return e.saveInstance(ctx, instance)
	}

	instance.Status = models.InstanceStatusProcessing
	instance.NextScheduledAt = nil
	instance.ClearWaitingNode(node.ID)

	// A delay node's work is done once its due time arrives; everything else
	// (deferred or revisited actions) executes again.
	if node.Type == models.NodeTypeDelay {
		return e.dropLostRace(ctx, instance.ID, e.advancePast(ctx, def, instance, node, models.BranchDefault))
	}

	return e.dropLostRace(ctx, instance.ID, e.runFrom(ctx, def, instance, node, ""))
}

// dropLostRace turns a lost revision race into a logged no-op: the writer
// that won owns the instance's next step, so this fire must not retry on a
// state it no longer holds.
func (e *Engine) dropLostRace(ctx context.Context, instanceID string, err error) error {
	if err == nil || !persistence.IsStaleInstance(err) {
		return err
	}

	e.logger.WarnContext(ctx, "Abandoning work on concurrently modified instance",
		"instance_id", instanceID, "error", err)

	return nil
}

// Cancel terminates an instance and drops any pending transition. Safe to
// race with a due fire: the scheduler and Resume both re-check status, and a
// save that loses a revision race is retried against the fresh state so the
// cancellation wins.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	var instance *models.ExecutionInstance

	for attempt := 0; ; attempt++ {
		var err error

		instance, err = e.persist.InstanceRepository().GetByID(ctx, instanceID)
		if err != nil {
			return err
		}

		if instance.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		instance.Status = models.InstanceStatusCancelled
		instance.CancelledAt = &now
		instance.FailureReason = reason
		instance.WaitingNodes = nil

		err = e.saveInstance(ctx, instance)
		if err == nil {
			break
		}

		if !persistence.IsStaleInstance(err) || attempt >= cancelMaxRetries {
			return err
		}
	}

	e.releaseLock(instanceID)

	if err := e.transitions.Cancel(ctx, instanceID); err != nil {
		e.logger.ErrorContext(ctx, "Failed to cancel pending transition",
			"instance_id", instanceID, "error", err)
	}

	e.publish(ctx, instance.ID, events.InstanceCancelled{
		BaseEvent:  e.baseEvent(events.InstanceCancelledEvent, instance.WorkflowID),
		InstanceID: instance.ID,
		LeadID:     instance.LeadID,
		Reason:     reason,
	})

	return nil
}

// DryRun executes a definition for a lead without sending, persisting, or
// scheduling anything: delays are skipped, join barriers pass through, and
// every would-be touch is captured. Used to preview a workflow before
// publishing it.
func (e *Engine) DryRun(ctx context.Context, def *models.WorkflowDefinition, lead *models.Lead) ([]*dispatcher.Request, []models.StepRecord, error) {
	recorder := dispatcher.NewRecorder()

	shadow := &Engine{
		persist:             e.persist,
		sender:              recorder,
		rules:               e.rules,
		transitions:         e.transitions,
		tracer:              e.tracer,
		logger:              e.logger.With("dry_run", true),
		hours:               e.hours,
		maxDispatchAttempts: 1,
		retryBackoffBase:    e.retryBackoffBase,
		workerID:            e.workerID,
		dryRun:              true,
		dryLead:             lead,
	}

	triggers := def.TriggerNodes()
	if len(triggers) == 0 {
		return nil, nil, ErrNoTriggerNode
	}

	now := time.Now().UTC()
	instance := &models.ExecutionInstance{
		ID:              "dry-run-" + uuid.New().String(),
		WorkflowID:      def.ID,
		WorkflowGroupID: def.WorkflowGroupID,
		WorkflowVersion: def.Version,
		LeadID:          lead.ID,
		Status:          models.InstanceStatusProcessing,
		CurrentNodeID:   triggers[0].ID,
		RuleUsage:       make(map[string]int),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := shadow.runFrom(ctx, def, instance, triggers[0], ""); err != nil {
		return recorder.Requests(), instance.Steps, err
	}

	return recorder.Requests(), instance.Steps, nil
}

func (e *Engine) saveInstance(ctx context.Context, instance *models.ExecutionInstance) error {
	if e.dryRun {
		return nil
	}

	instance.UpdatedAt = time.Now().UTC()

	return e.persist.InstanceRepository().Save(ctx, instance)
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil || e.dryRun {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) baseEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, workflowID)
	base.WorkerID = e.workerID

	return base
}

// leadSnapshot fetches a fresh lead record; dry runs evaluate against the
// provided snapshot instead.
func (e *Engine) leadSnapshot(ctx context.Context, leadID string) (*models.Lead, error) {
	if e.dryRun {
		return e.dryLead, nil
	}

	return e.persist.LeadRepository().GetByID(ctx, leadID)
}

func findStep(instance *models.ExecutionInstance, stepID string) *models.StepRecord {
	if stepID != "" {
		for i := range instance.Steps {
			if instance.Steps[i].ID == stepID {
				return &instance.Steps[i]
			}
		}

		return nil
	}

	// Default to the most recent dispatched step still awaiting a response.
	for i := len(instance.Steps) - 1; i >= 0; i-- {
		if instance.Steps[i].Channel != "" && instance.Steps[i].Response == nil {
			return &instance.Steps[i]
		}
	}

	return nil
}

func triggerKindForEvent(eventType string) (models.TriggerKind, bool) {
	switch eventType {
	case "new_lead":
		return models.TriggerKindNewLead, true
	case "opened", "channel_opened":
		return models.TriggerKindChannelOpened, true
	case "clicked", "channel_clicked":
		return models.TriggerKindChannelClicked, true
	case "form_submitted":
		return models.TriggerKindFormSubmitted, true
	case "score_threshold":
		return models.TriggerKindScoreThreshold, true
	case "manual":
		return models.TriggerKindManual, true
	default:
		return "", false
	}
}

func responseForEvent(eventType string) (models.ResponseType, bool) {
	switch eventType {
	case "opened", "channel_opened":
		return models.ResponseOpened, true
	case "clicked", "channel_clicked":
		return models.ResponseClicked, true
	case "replied":
		return models.ResponseReplied, true
	case "bounced":
		return models.ResponseBounced, true
	case string(models.SignalNoReply):
		return models.SignalNoReply, true
	default:
		return "", false
	}
}

// filtersMatch checks a trigger's authored filters against the event payload
// first, falling back to the lead snapshot.
func filtersMatch(filters map[string]any, lead *models.Lead, payload map[string]any) bool {
	for field, want := range filters {
		var got any

		if payload != nil {
			if v, ok := payload[field]; ok {
				got = v
			}
		}

		if got == nil {
			if v, ok := lead.Attribute(field); ok {
				got = v
			}
		}

		if !looselyEqual(got, want) {
			return false
		}
	}

	return true
}
