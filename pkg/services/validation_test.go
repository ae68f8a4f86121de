package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/models"
)

func triggerNode(id string) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeTrigger, Name: "Trigger", Enabled: true,
		Trigger: &models.TriggerConfig{Kind: models.TriggerKindNewLead},
	}
}

func actionNode(id string) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeAction, Name: "Action", Enabled: true,
		Action: &models.ActionConfig{Channel: models.ChannelEmail, TemplateRef: "welcome"},
	}
}

func conditionNode(id string) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeCondition, Name: "Condition", Enabled: true,
		Condition: &models.ConditionConfig{
			Clauses: []models.ConditionClause{{Field: "opened", Operator: models.OperatorEquals, Value: false}},
		},
	}
}

func delayNode(id string) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeDelay, Name: "Delay", Enabled: true,
		Delay: &models.DelayConfig{Duration: 24, Unit: models.DelayUnitHours},
	}
}

func connect(id, from, to, label string) *models.Connection {
	return &models.Connection{ID: id, FromNodeID: from, ToNodeID: to, Label: label}
}

func TestValidateGraph_ValidLinearFlow(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf-1",
		Nodes: []*models.Node{
			triggerNode("t1"), actionNode("a1"), delayNode("d1"),
			conditionNode("c1"), actionNode("a2"),
		},
		Connections: []*models.Connection{
			connect("e1", "t1", "a1", ""),
			connect("e2", "a1", "d1", ""),
			connect("e3", "d1", "c1", ""),
			connect("e4", "c1", "a2", models.BranchTrue),
			connect("e5", "c1", "a2", models.BranchFalse),
		},
	}

	result := ValidateGraph(def)
	assert.True(t, result.Valid(), "expected valid graph, got %v", result.Errors)
}

func TestValidateGraph_BackEdgeFailsValidation(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf-1",
		Nodes: []*models.Node{
			triggerNode("t1"), actionNode("a1"), delayNode("d1"),
		},
		Connections: []*models.Connection{
			connect("e1", "t1", "a1", ""),
			connect("e2", "a1", "d1", ""),
			connect("e3", "d1", "a1", ""), // back edge
		},
	}

	result := ValidateGraph(def)
	require.False(t, result.Valid())

	found := false

	for _, graphErr := range result.Errors {
		if graphErr.Kind == GraphErrorCycle {
			found = true
		}
	}

	assert.True(t, found, "expected a cycle error, got %v", result.Errors)
}

func TestValidateGraph_DanglingEdge(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:    "wf-1",
		Nodes: []*models.Node{triggerNode("t1")},
		Connections: []*models.Connection{
			connect("e1", "t1", "ghost", ""),
		},
	}

	result := ValidateGraph(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, GraphErrorDanglingEdge, result.Errors[0].Kind)
	assert.Equal(t, "e1", result.Errors[0].ConnectionID)
}

func TestValidateGraph_ConditionBranchLabels(t *testing.T) {
	tests := []struct {
		name        string
		connections []*models.Connection
		valid       bool
	}{
		{
			name: "both labels present",
			connections: []*models.Connection{
				connect("e1", "c1", "a1", models.BranchTrue),
				connect("e2", "c1", "a2", models.BranchFalse),
			},
			valid: true,
		},
		{
			name: "missing false branch",
			connections: []*models.Connection{
				connect("e1", "c1", "a1", models.BranchTrue),
			},
			valid: false,
		},
		{
			name: "duplicate true branch",
			connections: []*models.Connection{
				connect("e1", "c1", "a1", models.BranchTrue),
				connect("e2", "c1", "a2", models.BranchTrue),
			},
			valid: false,
		},
		{
			name: "unlabeled branch",
			connections: []*models.Connection{
				connect("e1", "c1", "a1", ""),
				connect("e2", "c1", "a2", models.BranchFalse),
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &models.WorkflowDefinition{
				ID:          "wf-1",
				Nodes:       []*models.Node{conditionNode("c1"), actionNode("a1"), actionNode("a2")},
				Connections: tt.connections,
			}

			result := ValidateGraph(def)
			assert.Equal(t, tt.valid, result.Valid(), "errors: %v", result.Errors)
		})
	}
}

func TestValidateGraph_TriggerInbound(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:    "wf-1",
		Nodes: []*models.Node{triggerNode("t1"), actionNode("a1")},
		Connections: []*models.Connection{
			connect("e1", "t1", "a1", ""),
			connect("e2", "a1", "t1", ""),
		},
	}

	result := ValidateGraph(def)
	require.False(t, result.Valid())

	kinds := make(map[GraphErrorKind]bool)
	for _, graphErr := range result.Errors {
		kinds[graphErr.Kind] = true
	}

	assert.True(t, kinds[GraphErrorTriggerInbound])
	assert.True(t, kinds[GraphErrorCycle])
}

func TestValidateGraph_ActionBranches(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:    "wf-1",
		Nodes: []*models.Node{actionNode("a1"), actionNode("a2"), actionNode("a3")},
		Connections: []*models.Connection{
			connect("e1", "a1", "a2", ""),
			connect("e2", "a1", "a3", models.BranchFailure),
		},
	}

	result := ValidateGraph(def)
	assert.True(t, result.Valid(), "default plus failure branch should be legal: %v", result.Errors)

	def.Connections = append(def.Connections, connect("e3", "a1", "a3", ""))
	result = ValidateGraph(def)
	assert.False(t, result.Valid(), "two default branches on an action must fail")
}

func TestValidateGraph_InvalidNodeConfigs(t *testing.T) {
	noConfig := &models.Node{ID: "a1", Type: models.NodeTypeAction, Name: "Broken"}
	badChannel := &models.Node{
		ID: "a2", Type: models.NodeTypeAction, Name: "Bad channel",
		Action: &models.ActionConfig{Channel: "carrier_pigeon", TemplateRef: "x"},
	}
	emptyCondition := &models.Node{
		ID: "c1", Type: models.NodeTypeCondition, Name: "Empty",
		Condition: &models.ConditionConfig{},
	}
	badScheduled := &models.Node{
		ID: "t1", Type: models.NodeTypeTrigger, Name: "Scheduled", Enabled: true,
		Trigger: &models.TriggerConfig{Kind: models.TriggerKindScheduled},
	}

	def := &models.WorkflowDefinition{
		ID:    "wf-1",
		Nodes: []*models.Node{noConfig, badChannel, emptyCondition, badScheduled},
	}

	result := ValidateGraph(def)
	require.False(t, result.Valid())

	nodesWithErrors := make(map[string]bool)
	for _, graphErr := range result.Errors {
		if graphErr.Kind == GraphErrorInvalidConfig {
			nodesWithErrors[graphErr.NodeID] = true
		}
	}

	assert.True(t, nodesWithErrors["a1"])
	assert.True(t, nodesWithErrors["a2"])
	assert.True(t, nodesWithErrors["c1"])
	assert.True(t, nodesWithErrors["t1"])
}
