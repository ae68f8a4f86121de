// Package events defines the lifecycle notifications published while
// instances move through their workflows.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/models"
)

type EventType string

// Kafka topic carrying every nurture event.
const Topic = "nurture.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowPublishedEvent     EventType = "workflow.published"
	WorkflowRetiredEvent       EventType = "workflow.retired"
	WorkflowScheduleFiredEvent EventType = "workflow.schedule_fired"

	// Instance lifecycle events.
	InstanceStartedEvent   EventType = "instance.started"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceFailedEvent    EventType = "instance.failed"
	InstanceCancelledEvent EventType = "instance.cancelled"
	InstancePausedEvent    EventType = "instance.paused"

	// Touch and engagement events.
	TouchDispatchedEvent    EventType = "touch.dispatched"
	TouchFailedEvent        EventType = "touch.failed"
	EngagementReceivedEvent EventType = "engagement.received"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

type WorkflowPublished struct {
	BaseEvent

	WorkflowGroupID string `json:"workflow_group_id"`
	Version         int    `json:"version"`
}

func (w WorkflowPublished) GetType() EventType {
	return WorkflowPublishedEvent
}

type WorkflowRetired struct {
	BaseEvent

	WorkflowGroupID string `json:"workflow_group_id"`
	Version         int    `json:"version"`
}

func (w WorkflowRetired) GetType() EventType {
	return WorkflowRetiredEvent
}

// WorkflowScheduleFired announces that a recurring schedule on a scheduled
// trigger node came due. Campaign tooling reacts by posting trigger events
// for the leads entering the sequence.
type WorkflowScheduleFired struct {
	BaseEvent

	ScheduleID string    `json:"schedule_id"`
	NodeID     string    `json:"node_id"`
	FiredAt    time.Time `json:"fired_at"`
}

func (w WorkflowScheduleFired) GetType() EventType {
	return WorkflowScheduleFiredEvent
}

type InstanceStarted struct {
	BaseEvent

	InstanceID  string `json:"instance_id"`
	LeadID      string `json:"lead_id"`
	TriggerKind string `json:"trigger_kind"`
}

func (i InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type InstanceCompleted struct {
	BaseEvent

	InstanceID string        `json:"instance_id"`
	LeadID     string        `json:"lead_id"`
	StepCount  int           `json:"step_count"`
	Duration   time.Duration `json:"duration"`
}

func (i InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	LeadID     string `json:"lead_id"`
	NodeID     string `json:"node_id"`
	Error      string `json:"error"`
}

func (i InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type InstanceCancelled struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	LeadID     string `json:"lead_id"`
	Reason     string `json:"reason,omitempty"`
}

func (i InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

type InstancePaused struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
}

func (i InstancePaused) GetType() EventType {
	return InstancePausedEvent
}

type TouchDispatched struct {
	BaseEvent

	InstanceID string                 `json:"instance_id"`
	LeadID     string                 `json:"lead_id"`
	NodeID     string                 `json:"node_id"`
	Channel    models.Channel         `json:"channel"`
	ContentRef string                 `json:"content_ref,omitempty"`
	ProviderID string                 `json:"provider_id,omitempty"`
	RuleID     string                 `json:"rule_id,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Outcome    models.DeliveryOutcome `json:"outcome"`
}

func (t TouchDispatched) GetType() EventType {
	return TouchDispatchedEvent
}

type TouchFailed struct {
	BaseEvent

	InstanceID string         `json:"instance_id"`
	LeadID     string         `json:"lead_id"`
	NodeID     string         `json:"node_id"`
	Channel    models.Channel `json:"channel"`
	Error      string         `json:"error"`
	Retryable  bool           `json:"retryable"`
	Attempt    int            `json:"attempt"`
}

func (t TouchFailed) GetType() EventType {
	return TouchFailedEvent
}

type EngagementReceived struct {
	BaseEvent

	InstanceID string              `json:"instance_id,omitempty"`
	LeadID     string              `json:"lead_id"`
	StepID     string              `json:"step_id,omitempty"`
	Response   models.ResponseType `json:"response"`
}

func (e EngagementReceived) GetType() EventType {
	return EngagementReceivedEvent
}
