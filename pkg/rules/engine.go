// Package rules selects the best-matching follow-up rule for a lead's
// current engagement signals.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/flowcrm/nurture/pkg/models"
)

// ErrNoMatchingRule indicates that no rule in the catalogue matches the
// lead's signals. Non-fatal: the execution engine falls back to the node's
// default connection or leaves the instance waiting.
var ErrNoMatchingRule = errors.New("no matching rule")

// maxSpecificity is the number of condition fields a rule can narrow by.
const maxSpecificity = 4

// Selection is a chosen rule plus the engine's confidence in the choice.
type Selection struct {
	Rule       *models.FollowUpRule
	Confidence float64
}

// UsageFunc reports how many times a rule has already been applied to the
// instance under evaluation.
type UsageFunc func(ruleID string) int

// Engine matches follow-up rules against lead signals.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a rule engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger.With("module", "rule_engine")}
}

// Select returns the highest-priority eligible rule. Eligibility requires a
// trigger match, a condition match, and per-instance usage strictly below the
// rule's MaxAttempts. Ties break on higher historical success rate, then on
// more specific conditions.
func (e *Engine) Select(
	ctx context.Context,
	lead *models.Lead,
	signals models.EngagementSignals,
	catalogue []*models.FollowUpRule,
	usage UsageFunc,
) (*Selection, error) {
	var eligible []*models.FollowUpRule

	for _, rule := range catalogue {
		if !rule.Enabled {
			continue
		}

		if rule.Trigger != signals.LastResponse {
			continue
		}

		if usage != nil && usage(rule.ID) >= rule.MaxAttempts {
			e.logger.DebugContext(ctx, "Rule exhausted for instance",
				"rule_id", rule.ID, "max_attempts", rule.MaxAttempts)

			continue
		}

		match, err := e.conditionsMatch(rule, lead, signals)
		if err != nil {
			e.logger.WarnContext(ctx, "Rule condition evaluation failed",
				"rule_id", rule.ID, "error", err)

			continue
		}

		if match {
			eligible = append(eligible, rule)
		}
	}

	if len(eligible) == 0 {
		return nil, ErrNoMatchingRule
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Stats.SuccessRate != eligible[j].Stats.SuccessRate {
			return eligible[i].Stats.SuccessRate > eligible[j].Stats.SuccessRate
		}

		return eligible[i].Conditions.Specificity() > eligible[j].Conditions.Specificity()
	})

	best := eligible[0]

	return &Selection{
		Rule:       best,
		Confidence: confidence(best),
	}, nil
}

// conditionsMatch evaluates the rule's segment conditions against the lead
// snapshot. Empty fields match everything.
func (e *Engine) conditionsMatch(rule *models.FollowUpRule, lead *models.Lead, signals models.EngagementSignals) (bool, error) {
	c := rule.Conditions

	if c.Industry != "" && !strings.EqualFold(c.Industry, lead.Industry) {
		return false, nil
	}

	if c.EngagementLevel != "" && !strings.EqualFold(c.EngagementLevel, lead.EngagementLevel) {
		return false, nil
	}

	if c.MinScore > 0 && lead.Score < c.MinScore {
		return false, nil
	}

	if c.Expression != "" {
		return EvalExpression(c.Expression, lead, signals)
	}

	return true, nil
}

// EvalExpression runs an expr predicate over the lead snapshot and signals.
// Condition nodes share this evaluator so authored expressions behave the
// same in rules and in workflow conditions.
func EvalExpression(expression string, lead *models.Lead, signals models.EngagementSignals) (bool, error) {
	env := map[string]any{
		"lead": map[string]any{
			"id":               lead.ID,
			"email":            lead.Email,
			"company":          lead.Company,
			"industry":         lead.Industry,
			"score":            lead.Score,
			"engagement_level": lead.EngagementLevel,
			"attributes":       lead.Attributes,
		},
		"signals": map[string]any{
			"opened":         signals.Opened,
			"clicked":        signals.Clicked,
			"replied":        signals.Replied,
			"sentiment":      signals.Sentiment,
			"no_reply_count": signals.NoReplyCount,
		},
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to a boolean: %q", expression)
	}

	return result, nil
}

// confidence derives a 0..1 score from the rule's normalized success rate
// and the specificity of its condition match.
func confidence(rule *models.FollowUpRule) float64 {
	successRate := rule.Stats.SuccessRate
	if successRate < 0 {
		successRate = 0
	}

	if successRate > 1 {
		successRate = 1
	}

	specificity := float64(rule.Conditions.Specificity()) / maxSpecificity

	return 0.6*successRate + 0.4*specificity
}
