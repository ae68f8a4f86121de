package models

import (
	"fmt"
	"time"
)

// NodeType represents the kind of work a node performs.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeJoin      NodeType = "join"
)

// Connection branch labels. An empty label is the default path; condition
// nodes use the true/false labels, and action nodes may carry a failure path.
const (
	BranchDefault = ""
	BranchTrue    = "true"
	BranchFalse   = "false"
	BranchFailure = "failure"
)

// Connection is a directed, optionally branch-labeled edge between two nodes.
type Connection struct {
	ID         string `json:"id"`
	FromNodeID string `json:"from_node_id" validate:"required"`
	ToNodeID   string `json:"to_node_id"   validate:"required"`
	Label      string `json:"label,omitempty"`
}

// Node is a unit of work or decision in a workflow graph. Exactly one config
// variant matching Type is set; the others are nil. Raw authored configs are
// decoded into these closed variants at publish time.
type Node struct {
	ID      string   `json:"id"   validate:"required"`
	Type    NodeType `json:"type" validate:"required"`
	Name    string   `json:"name" validate:"required,min=1"`
	Enabled bool     `json:"enabled"`

	Trigger   *TriggerConfig   `json:"trigger,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Action    *ActionConfig    `json:"action,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"`
	Join      *JoinConfig      `json:"join,omitempty"`
}

// Config returns the variant matching the node type, or an error when the
// variant is missing or a foreign variant is set.
func (n *Node) Config() (any, error) {
	variants := map[NodeType]any{
		NodeTypeTrigger:   n.Trigger,
		NodeTypeCondition: n.Condition,
		NodeTypeAction:    n.Action,
		NodeTypeDelay:     n.Delay,
		NodeTypeJoin:      n.Join,
	}

	for nodeType, variant := range variants {
		set := false

		switch v := variant.(type) {
		case *TriggerConfig:
			set = v != nil
		case *ConditionConfig:
			set = v != nil
		case *ActionConfig:
			set = v != nil
		case *DelayConfig:
			set = v != nil
		case *JoinConfig:
			set = v != nil
		}

		if nodeType == n.Type && !set {
			return nil, fmt.Errorf("node %s: missing %s config", n.ID, n.Type)
		}

		if nodeType != n.Type && set {
			return nil, fmt.Errorf("node %s: %s config set on %s node", n.ID, nodeType, n.Type)
		}
	}

	return variants[n.Type], nil
}

// TriggerKind enumerates the external events a trigger node reacts to.
type TriggerKind string

const (
	TriggerKindNewLead        TriggerKind = "new_lead"
	TriggerKindChannelOpened  TriggerKind = "channel_opened"
	TriggerKindChannelClicked TriggerKind = "channel_clicked"
	TriggerKindFormSubmitted  TriggerKind = "form_submitted"
	TriggerKindScoreThreshold TriggerKind = "score_threshold"
	TriggerKindManual         TriggerKind = "manual"
	TriggerKindScheduled      TriggerKind = "scheduled"
)

// TriggerConfig describes when an instance is created for a lead.
type TriggerConfig struct {
	Kind    TriggerKind    `json:"kind" validate:"required"`
	Filters map[string]any `json:"filters,omitempty"`

	// Schedule holds a 5-field cron expression for scheduled triggers;
	// empty for every other kind.
	Schedule string `json:"schedule,omitempty"`
}

// ConditionOperator enumerates the comparison operators for condition clauses.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorGreaterThan ConditionOperator = "greater_than"
	OperatorLessThan    ConditionOperator = "less_than"
	OperatorContains    ConditionOperator = "contains"
	OperatorEmpty       ConditionOperator = "empty"
)

// ConditionClause is a single field comparison against a lead snapshot.
type ConditionClause struct {
	Field    string            `json:"field"    validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required"`
	Value    any               `json:"value,omitempty"`
}

// ConditionConfig routes an instance down the true or false branch. Either a
// clause set joined by LogicalOperator, or a free-form expr expression.
type ConditionConfig struct {
	Clauses         []ConditionClause `json:"clauses,omitempty"`
	LogicalOperator string            `json:"logical_operator,omitempty" validate:"omitempty,oneof=and or"`
	Expression      string            `json:"expression,omitempty"`
}

// ActionConfig sends a message through a channel. A static action names its
// channel and template directly; a rule-driven action (UseRules) lets the
// rule engine pick both from the lead's engagement signals at fire time.
type ActionConfig struct {
	Channel           Channel `json:"channel,omitempty"`
	TemplateRef       string  `json:"template_ref,omitempty"`
	UseRules          bool    `json:"use_rules,omitempty"`
	AssignTo          string  `json:"assign_to,omitempty"`
	BusinessHoursOnly bool    `json:"business_hours_only,omitempty"`
}

// DelayUnit enumerates the units accepted by delay nodes.
type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
	DelayUnitDays    DelayUnit = "days"
)

// DelayConfig pauses an instance for a duration, optionally shifted into the
// lead's business hours.
type DelayConfig struct {
	Duration          int       `json:"duration" validate:"required,min=1"`
	Unit              DelayUnit `json:"unit"     validate:"required"`
	BusinessHoursOnly bool      `json:"business_hours_only"`
}

// AsDuration converts the configured delay into a time.Duration.
func (d *DelayConfig) AsDuration() time.Duration {
	switch d.Unit {
	case DelayUnitMinutes:
		return time.Duration(d.Duration) * time.Minute
	case DelayUnitHours:
		return time.Duration(d.Duration) * time.Hour
	case DelayUnitDays:
		return time.Duration(d.Duration) * 24 * time.Hour
	default:
		return 0
	}
}

// JoinMode controls how a join node treats its incoming branches.
type JoinMode string

const (
	JoinModeAll JoinMode = "all" // barrier: wait for every incoming branch
	JoinModeAny JoinMode = "any" // proceed on the first arrival
)

// JoinConfig makes a node wait for its incoming branches before proceeding.
type JoinConfig struct {
	Mode JoinMode `json:"mode" validate:"required,oneof=all any"`
}
