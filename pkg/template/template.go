// Package template renders outbound message content from lead and workflow
// data.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
)

// RenderContent renders a message body for the given lead. Templates see the
// lead's named fields plus the free-form attribute map, the workflow metadata
// and the step history of the instance.
func RenderContent(body string, lead *models.Lead, instance *models.ExecutionInstance) (string, error) {
	data := map[string]any{
		"lead": map[string]any{
			"id":               lead.ID,
			"email":            lead.Email,
			"phone":            lead.Phone,
			"name":             lead.Name,
			"first_name":       firstName(lead.Name),
			"company":          lead.Company,
			"industry":         lead.Industry,
			"score":            lead.Score,
			"engagement_level": lead.EngagementLevel,
			"attributes":       lead.Attributes,
		},
	}

	if instance != nil {
		data["instance"] = map[string]any{
			"id":          instance.ID,
			"workflow_id": instance.WorkflowID,
			"step_count":  len(instance.Steps),
		}
	}

	return Render(body, data)
}

// Render executes a text/template against arbitrary data.
func Render(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("content").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
			"title": func(s string) string {
				if s == "" {
					return s
				}

				return strings.ToUpper(s[:1]) + s[1:]
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// NeedsTemplating reports whether a string contains template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

func firstName(full string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(full), " ")

	return name
}
