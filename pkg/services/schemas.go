package services

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowcrm/nurture/pkg/models"
)

// nodeConfigSchemas holds the JSON Schema for each node type's raw authored
// config. Raw configs are checked against these before being decoded into
// the closed variants, so malformed authoring payloads fail with a precise
// schema error instead of a decode error.
var nodeConfigSchemas = map[models.NodeType]map[string]any{
	models.NodeTypeTrigger: {
		"type": "object",
		"properties": map[string]any{
			"kind": map[string]any{
				"type": "string",
				"enum": []string{
					"new_lead", "channel_opened", "channel_clicked",
					"form_submitted", "score_threshold", "manual", "scheduled",
				},
			},
			"filters":  map[string]any{"type": "object"},
			"schedule": map[string]any{"type": "string"},
		},
		"required":             []string{"kind"},
		"additionalProperties": false,
	},
	models.NodeTypeCondition: {
		"type": "object",
		"properties": map[string]any{
			"clauses": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"field": map[string]any{"type": "string"},
						"operator": map[string]any{
							"type": "string",
							"enum": []string{"equals", "not_equals", "greater_than", "less_than", "contains", "empty"},
						},
						"value": map[string]any{},
					},
					"required":             []string{"field", "operator"},
					"additionalProperties": false,
				},
			},
			"logical_operator": map[string]any{"type": "string", "enum": []string{"and", "or"}},
			"expression":       map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	},
	models.NodeTypeAction: {
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{
				"type": "string",
				"enum": []string{"email", "sms", "social", "voice"},
			},
			"template_ref":        map[string]any{"type": "string", "minLength": 1},
			"use_rules":           map[string]any{"type": "boolean"},
			"assign_to":           map[string]any{"type": "string"},
			"business_hours_only": map[string]any{"type": "boolean"},
		},
		// Either a static channel+template or an explicit rule-driven action.
		"anyOf": []any{
			map[string]any{"required": []string{"channel", "template_ref"}},
			map[string]any{
				"properties": map[string]any{"use_rules": map[string]any{"const": true}},
				"required":   []string{"use_rules"},
			},
		},
		"additionalProperties": false,
	},
	models.NodeTypeDelay: {
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{"type": "integer", "minimum": 1},
			"unit": map[string]any{
				"type": "string",
				"enum": []string{"minutes", "hours", "days"},
			},
			"business_hours_only": map[string]any{"type": "boolean"},
		},
		"required":             []string{"duration", "unit"},
		"additionalProperties": false,
	},
	models.NodeTypeJoin: {
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{"type": "string", "enum": []string{"all", "any"}},
		},
		"required":             []string{"mode"},
		"additionalProperties": false,
	},
}

// ValidateRawNodeConfig checks a raw authored config against the schema for
// the node type.
func ValidateRawNodeConfig(nodeType models.NodeType, config map[string]any) error {
	schema, ok := nodeConfigSchemas[nodeType]
	if !ok {
		return fmt.Errorf("unknown node type %q", nodeType)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		detail := ""
		for _, desc := range result.Errors() {
			if detail != "" {
				detail += "; "
			}

			detail += desc.String()
		}

		return fmt.Errorf("invalid %s config: %s", nodeType, detail)
	}

	return nil
}

// DecodeNode turns an authored node (type + raw config) into a Node carrying
// the closed config variant for its type.
func DecodeNode(id string, nodeType models.NodeType, name string, enabled bool, config map[string]any) (*models.Node, error) {
	if err := ValidateRawNodeConfig(nodeType, config); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	node := &models.Node{ID: id, Type: nodeType, Name: name, Enabled: enabled}

	switch nodeType {
	case models.NodeTypeTrigger:
		node.Trigger = &models.TriggerConfig{}
		err = json.Unmarshal(raw, node.Trigger)
	case models.NodeTypeCondition:
		node.Condition = &models.ConditionConfig{}
		err = json.Unmarshal(raw, node.Condition)
	case models.NodeTypeAction:
		node.Action = &models.ActionConfig{}
		err = json.Unmarshal(raw, node.Action)
	case models.NodeTypeDelay:
		node.Delay = &models.DelayConfig{}
		err = json.Unmarshal(raw, node.Delay)
	case models.NodeTypeJoin:
		node.Join = &models.JoinConfig{}
		err = json.Unmarshal(raw, node.Join)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", nodeType, err)
	}

	return node, nil
}
