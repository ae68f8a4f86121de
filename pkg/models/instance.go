package models

import "time"

// InstanceStatus represents the lifecycle state of an execution instance.
type InstanceStatus string

const (
	InstanceStatusWaiting    InstanceStatus = "waiting"
	InstanceStatusProcessing InstanceStatus = "processing"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusPaused     InstanceStatus = "paused"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// ExecutionInstance is one execution of a workflow definition bound to a
// single lead. The workflow ID and version are fixed at creation; editing a
// definition never migrates in-flight instances.
type ExecutionInstance struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"      validate:"required"` // definition version document ID
	WorkflowGroupID string         `json:"workflow_group_id"`
	WorkflowVersion int            `json:"workflow_version" validate:"required,min=1"`
	LeadID          string         `json:"lead_id"          validate:"required"`
	Status          InstanceStatus `json:"status"`
	CurrentNodeID   string         `json:"current_node_id"`
	Steps           []StepRecord   `json:"steps"`
	NextScheduledAt *time.Time     `json:"next_scheduled_at,omitempty"`

	// WaitingNodes lists the nodes holding a parked token: a pending delay,
	// a deferred or rule-revisited action, or an unsatisfied join barrier.
	// A linear flow parks at most one; a fanned-out trigger can park several.
	WaitingNodes []string `json:"waiting_nodes,omitempty"`

	// Revision guards saves against concurrent writers. Every successful
	// save increments it; a save carrying a stale revision is rejected.
	Revision int64 `json:"revision"`

	// RuleUsage counts how many times each follow-up rule has been applied
	// to this instance; bounded by the rule's MaxAttempts.
	RuleUsage map[string]int `json:"rule_usage,omitempty"`

	// DispatchAttempts counts consecutive retryable dispatch failures at the
	// current node; reset on success or node advance.
	DispatchAttempts int `json:"dispatch_attempts,omitempty"`

	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsWaitingAt reports whether a parked token sits at the given node.
func (i *ExecutionInstance) IsWaitingAt(nodeID string) bool {
	for _, id := range i.WaitingNodes {
		if id == nodeID {
			return true
		}
	}

	return false
}

// AddWaitingNode marks a parked token at the node. Idempotent.
func (i *ExecutionInstance) AddWaitingNode(nodeID string) {
	if i.IsWaitingAt(nodeID) {
		return
	}

	i.WaitingNodes = append(i.WaitingNodes, nodeID)
}

// ClearWaitingNode removes the parked-token mark for the node.
func (i *ExecutionInstance) ClearWaitingNode(nodeID string) {
	for idx, id := range i.WaitingNodes {
		if id == nodeID {
			i.WaitingNodes = append(i.WaitingNodes[:idx], i.WaitingNodes[idx+1:]...)

			return
		}
	}
}

// AppendStep records a completed step. Step history is append-only.
func (i *ExecutionInstance) AppendStep(step StepRecord) {
	i.Steps = append(i.Steps, step)
}

// RuleUses returns how many times the given rule has been applied here.
func (i *ExecutionInstance) RuleUses(ruleID string) int {
	if i.RuleUsage == nil {
		return 0
	}

	return i.RuleUsage[ruleID]
}

// RecordRuleUse increments the per-instance usage counter for a rule.
func (i *ExecutionInstance) RecordRuleUse(ruleID string) {
	if i.RuleUsage == nil {
		i.RuleUsage = make(map[string]int)
	}

	i.RuleUsage[ruleID]++
}

// ResponseType enumerates engagement responses attached to a step.
type ResponseType string

const (
	ResponseOpened  ResponseType = "opened"
	ResponseClicked ResponseType = "clicked"
	ResponseReplied ResponseType = "replied"
	ResponseBounced ResponseType = "bounced"
)

// StepResponse is the lead's reaction to a dispatched step.
type StepResponse struct {
	Type      ResponseType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Sentiment string       `json:"sentiment,omitempty"`
}

// StepRecord is the append-only record of one executed node. ContentRef
// points at the rendered content, not the content itself.
type StepRecord struct {
	ID            string        `json:"id"`
	NodeID        string        `json:"node_id"`
	Channel       Channel       `json:"channel,omitempty"`
	ContentRef    string        `json:"content_ref,omitempty"`
	SentAt        time.Time     `json:"sent_at"`
	Response      *StepResponse `json:"response,omitempty"`
	AppliedRuleID string        `json:"applied_rule_id,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
}

// JoinArrival tracks which incoming branches of a join node have arrived for
// an instance. Persisted so barriers survive restarts.
type JoinArrival struct {
	InstanceID   string    `json:"instance_id"`
	NodeID       string    `json:"node_id"`
	ArrivedFrom  []string  `json:"arrived_from"` // source node IDs
	FirstArrival time.Time `json:"first_arrival"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasArrivedFrom reports whether the branch from the given node already
// recorded its arrival.
func (j *JoinArrival) HasArrivedFrom(nodeID string) bool {
	for _, from := range j.ArrivedFrom {
		if from == nodeID {
			return true
		}
	}

	return false
}
