package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/models"
)

func TestValidateRawNodeConfig(t *testing.T) {
	tests := []struct {
		name     string
		nodeType models.NodeType
		config   map[string]any
		wantErr  bool
	}{
		{
			name:     "valid trigger",
			nodeType: models.NodeTypeTrigger,
			config:   map[string]any{"kind": "new_lead"},
		},
		{
			name:     "trigger with unknown kind",
			nodeType: models.NodeTypeTrigger,
			config:   map[string]any{"kind": "telepathy"},
			wantErr:  true,
		},
		{
			name:     "trigger missing kind",
			nodeType: models.NodeTypeTrigger,
			config:   map[string]any{"filters": map[string]any{}},
			wantErr:  true,
		},
		{
			name:     "valid action",
			nodeType: models.NodeTypeAction,
			config:   map[string]any{"channel": "email", "template_ref": "welcome"},
		},
		{
			name:     "action with extra field",
			nodeType: models.NodeTypeAction,
			config:   map[string]any{"channel": "email", "template_ref": "welcome", "position_x": 100},
			wantErr:  true,
		},
		{
			name:     "rule-driven action without channel",
			nodeType: models.NodeTypeAction,
			config:   map[string]any{"use_rules": true},
		},
		{
			name:     "action without channel or rules",
			nodeType: models.NodeTypeAction,
			config:   map[string]any{"business_hours_only": true},
			wantErr:  true,
		},
		{
			name:     "valid delay",
			nodeType: models.NodeTypeDelay,
			config:   map[string]any{"duration": 24, "unit": "hours", "business_hours_only": true},
		},
		{
			name:     "delay with zero duration",
			nodeType: models.NodeTypeDelay,
			config:   map[string]any{"duration": 0, "unit": "hours"},
			wantErr:  true,
		},
		{
			name:     "valid condition with clauses",
			nodeType: models.NodeTypeCondition,
			config: map[string]any{
				"clauses": []any{
					map[string]any{"field": "score", "operator": "greater_than", "value": 50},
				},
				"logical_operator": "and",
			},
		},
		{
			name:     "condition with bad operator",
			nodeType: models.NodeTypeCondition,
			config: map[string]any{
				"clauses": []any{
					map[string]any{"field": "score", "operator": "roughly", "value": 50},
				},
			},
			wantErr: true,
		},
		{
			name:     "valid join",
			nodeType: models.NodeTypeJoin,
			config:   map[string]any{"mode": "all"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRawNodeConfig(tt.nodeType, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeNode(t *testing.T) {
	node, err := DecodeNode("d1", models.NodeTypeDelay, "Wait", true, map[string]any{
		"duration":            24,
		"unit":                "hours",
		"business_hours_only": true,
	})
	require.NoError(t, err)

	require.NotNil(t, node.Delay)
	assert.Equal(t, 24, node.Delay.Duration)
	assert.Equal(t, models.DelayUnitHours, node.Delay.Unit)
	assert.True(t, node.Delay.BusinessHoursOnly)
	assert.Nil(t, node.Action)
}

func TestDecodeNode_UnknownType(t *testing.T) {
	_, err := DecodeNode("x1", "teleport", "Nope", true, map[string]any{})
	require.Error(t, err)
}
