package models

import "time"

// RuleConditions narrow a follow-up rule to a lead segment. Empty fields
// match everything; the count of non-empty fields is the rule's specificity.
type RuleConditions struct {
	Industry        string  `json:"industry,omitempty"`
	EngagementLevel string  `json:"engagement_level,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`

	// Expression is an optional expr-lang predicate over the lead snapshot
	// and signals, for segments the fixed fields cannot express.
	Expression string `json:"expression,omitempty"`
}

// Specificity counts the non-empty condition fields; used as the final
// tie-break when selecting among matching rules.
func (c RuleConditions) Specificity() int {
	count := 0
	if c.Industry != "" {
		count++
	}

	if c.EngagementLevel != "" {
		count++
	}

	if c.MinScore > 0 {
		count++
	}

	if c.Expression != "" {
		count++
	}

	return count
}

// RuleStats carries the running performance counters of a rule.
type RuleStats struct {
	TimesUsed       int           `json:"times_used"`
	SuccessRate     float64       `json:"success_rate"` // 0..1
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// FollowUpRule maps an engagement signal to the next outreach. MaxAttempts
// strictly bounds how often a rule may be applied per instance.
type FollowUpRule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"         validate:"required"`
	Trigger     ResponseType   `json:"trigger"      validate:"required"`
	Delay       time.Duration  `json:"delay"`
	Channel     Channel        `json:"channel"      validate:"required"`
	TemplateRef string         `json:"template_ref" validate:"required"`
	MaxAttempts int            `json:"max_attempts" validate:"required,min=1"`
	Conditions  RuleConditions `json:"conditions"`
	Stats       RuleStats      `json:"stats"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EngagementSignals is a lead's current engagement snapshot consumed by the
// rule engine.
type EngagementSignals struct {
	LastResponse ResponseType `json:"last_response"`
	Opened       bool         `json:"opened"`
	Clicked      bool         `json:"clicked"`
	Replied      bool         `json:"replied"`
	Sentiment    string       `json:"sentiment,omitempty"`
	NoReplyCount int          `json:"no_reply_count,omitempty"`
}

// SignalNoReply marks the absence of engagement; used as a rule trigger.
const SignalNoReply ResponseType = "no_reply"
