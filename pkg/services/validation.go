package services

import (
	"fmt"

	"github.com/flowcrm/nurture/pkg/models"
)

// ValidateGraph checks a workflow definition against the structural
// invariants enforced at publish time:
//
//   - the connection set forms a DAG (cycles are a hard error)
//   - every connection endpoint names an existing node
//   - condition nodes have exactly two outgoing connections labeled
//     "true" and "false"
//   - action and delay nodes have at most one default outgoing connection
//     (actions may additionally carry one "failure" connection)
//   - trigger nodes have zero incoming connections
//   - every node carries a well-formed config variant for its type
//
// All failures are collected so authors see the full list at once.
func ValidateGraph(def *models.WorkflowDefinition) *ValidationResult {
	result := &ValidationResult{}

	nodesByID := make(map[string]*models.Node, len(def.Nodes))
	for _, node := range def.Nodes {
		nodesByID[node.ID] = node
	}

	validateEdges(def, nodesByID, result)
	validateNodeConfigs(def, result)
	validateBranching(def, nodesByID, result)
	validateAcyclic(def, nodesByID, result)

	return result
}

func validateEdges(def *models.WorkflowDefinition, nodesByID map[string]*models.Node, result *ValidationResult) {
	for _, conn := range def.Connections {
		if _, ok := nodesByID[conn.FromNodeID]; !ok {
			result.add(GraphErrorDanglingEdge, "", conn.ID,
				fmt.Sprintf("source node %s does not exist", conn.FromNodeID))
		}

		if _, ok := nodesByID[conn.ToNodeID]; !ok {
			result.add(GraphErrorDanglingEdge, "", conn.ID,
				fmt.Sprintf("target node %s does not exist", conn.ToNodeID))
		}
	}
}

func validateNodeConfigs(def *models.WorkflowDefinition, result *ValidationResult) {
	for _, node := range def.Nodes {
		config, err := node.Config()
		if err != nil {
			result.add(GraphErrorInvalidConfig, node.ID, "", err.Error())

			continue
		}

		switch c := config.(type) {
		case *models.TriggerConfig:
			if c.Kind == "" {
				result.add(GraphErrorInvalidConfig, node.ID, "", "trigger kind is required")
			}

			if c.Kind == models.TriggerKindScheduled && c.Schedule == "" {
				result.add(GraphErrorInvalidConfig, node.ID, "", "scheduled trigger requires a cron expression")
			}
		case *models.ConditionConfig:
			if len(c.Clauses) == 0 && c.Expression == "" {
				result.add(GraphErrorInvalidConfig, node.ID, "", "condition needs at least one clause or an expression")
			}

			for _, clause := range c.Clauses {
				if !validOperator(clause.Operator) {
					result.add(GraphErrorInvalidConfig, node.ID, "",
						fmt.Sprintf("unknown operator %q", clause.Operator))
				}
			}
		case *models.ActionConfig:
			if c.UseRules {
				if c.Channel != "" && !c.Channel.Valid() {
					result.add(GraphErrorInvalidConfig, node.ID, "",
						fmt.Sprintf("unknown channel %q", c.Channel))
				}

				break
			}

			if !c.Channel.Valid() {
				result.add(GraphErrorInvalidConfig, node.ID, "",
					fmt.Sprintf("unknown channel %q", c.Channel))
			}

			if c.TemplateRef == "" {
				result.add(GraphErrorInvalidConfig, node.ID, "", "action requires a template reference")
			}
		case *models.DelayConfig:
			if c.Duration < 1 {
				result.add(GraphErrorInvalidConfig, node.ID, "", "delay duration must be at least 1")
			}

			if c.AsDuration() == 0 {
				result.add(GraphErrorInvalidConfig, node.ID, "",
					fmt.Sprintf("unknown delay unit %q", c.Unit))
			}
		case *models.JoinConfig:
			if c.Mode != models.JoinModeAll && c.Mode != models.JoinModeAny {
				result.add(GraphErrorInvalidConfig, node.ID, "",
					fmt.Sprintf("unknown join mode %q", c.Mode))
			}
		}
	}
}

func validateBranching(def *models.WorkflowDefinition, nodesByID map[string]*models.Node, result *ValidationResult) {
	for _, node := range def.Nodes {
		out := def.OutgoingConnections(node.ID)
		in := def.IncomingConnections(node.ID)

		switch node.Type {
		case models.NodeTypeTrigger:
			if len(in) > 0 {
				result.add(GraphErrorTriggerInbound, node.ID, "",
					"trigger nodes cannot have incoming connections")
			}
		case models.NodeTypeCondition:
			labels := make(map[string]int)
			for _, conn := range out {
				labels[conn.Label]++
			}

			if len(out) != 2 || labels[models.BranchTrue] != 1 || labels[models.BranchFalse] != 1 {
				result.add(GraphErrorBranchLabel, node.ID, "",
					"condition nodes need exactly two outgoing connections labeled true and false")
			}
		case models.NodeTypeAction:
			defaults, failures := 0, 0

			for _, conn := range out {
				switch conn.Label {
				case models.BranchDefault:
					defaults++
				case models.BranchFailure:
					failures++
				default:
					result.add(GraphErrorBranchLabel, node.ID, "",
						fmt.Sprintf("unexpected branch label %q on action node", conn.Label))
				}
			}

			if defaults > 1 || failures > 1 {
				result.add(GraphErrorBranchLabel, node.ID, "",
					"action nodes allow at most one default and one failure connection")
			}
		case models.NodeTypeDelay:
			if len(out) > 1 {
				result.add(GraphErrorBranchLabel, node.ID, "",
					"delay nodes allow at most one outgoing connection")
			}
		}
	}
}

// validateAcyclic runs Kahn's algorithm; any nodes left with inbound edges
// afterwards sit on a cycle.
func validateAcyclic(def *models.WorkflowDefinition, nodesByID map[string]*models.Node, result *ValidationResult) {
	inDegree := make(map[string]int, len(def.Nodes))
	adjacent := make(map[string][]string, len(def.Nodes))

	for _, node := range def.Nodes {
		inDegree[node.ID] = 0
	}

	for _, conn := range def.Connections {
		if _, ok := nodesByID[conn.FromNodeID]; !ok {
			continue // already reported as dangling
		}

		if _, ok := nodesByID[conn.ToNodeID]; !ok {
			continue
		}

		adjacent[conn.FromNodeID] = append(adjacent[conn.FromNodeID], conn.ToNodeID)
		inDegree[conn.ToNodeID]++
	}

	queue := make([]string, 0, len(def.Nodes))

	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range adjacent[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited < len(def.Nodes) {
		for id, degree := range inDegree {
			if degree > 0 {
				result.add(GraphErrorCycle, id, "", "node participates in a cycle")
			}
		}
	}
}

func validOperator(op models.ConditionOperator) bool {
	switch op {
	case models.OperatorEquals, models.OperatorNotEquals, models.OperatorGreaterThan,
		models.OperatorLessThan, models.OperatorContains, models.OperatorEmpty:
		return true
	default:
		return false
	}
}
