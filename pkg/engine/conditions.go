package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/rules"
)

// evalCondition evaluates a condition node's predicate against a fresh lead
// snapshot and the instance's engagement signals. Clause fields resolve
// against the signals first (opened, clicked, replied, no_reply_count,
// last_response), then the lead.
func evalCondition(cfg *models.ConditionConfig, lead *models.Lead, signals models.EngagementSignals) (bool, error) {
	if cfg.Expression != "" {
		return rules.EvalExpression(cfg.Expression, lead, signals)
	}

	if len(cfg.Clauses) == 0 {
		return false, fmt.Errorf("condition has no clauses or expression")
	}

	anyMode := strings.EqualFold(cfg.LogicalOperator, "or")

	for _, clause := range cfg.Clauses {
		match, err := evalClause(clause, lead, signals)
		if err != nil {
			return false, err
		}

		if anyMode && match {
			return true, nil
		}

		if !anyMode && !match {
			return false, nil
		}
	}

	return !anyMode, nil
}

func evalClause(clause models.ConditionClause, lead *models.Lead, signals models.EngagementSignals) (bool, error) {
	value := resolveField(clause.Field, lead, signals)

	switch clause.Operator {
	case models.OperatorEquals:
		return looselyEqual(value, clause.Value), nil
	case models.OperatorNotEquals:
		return !looselyEqual(value, clause.Value), nil
	case models.OperatorGreaterThan:
		got, want, err := numericPair(value, clause.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", clause.Field, err)
		}

		return got > want, nil
	case models.OperatorLessThan:
		got, want, err := numericPair(value, clause.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", clause.Field, err)
		}

		return got < want, nil
	case models.OperatorContains:
		return strings.Contains(
			strings.ToLower(stringify(value)),
			strings.ToLower(stringify(clause.Value)),
		), nil
	case models.OperatorEmpty:
		return value == nil || stringify(value) == "", nil
	default:
		return false, fmt.Errorf("unknown operator %q", clause.Operator)
	}
}

func resolveField(field string, lead *models.Lead, signals models.EngagementSignals) any {
	switch field {
	case "opened":
		return signals.Opened
	case "clicked":
		return signals.Clicked
	case "replied":
		return signals.Replied
	case "no_reply_count":
		return signals.NoReplyCount
	case "last_response":
		return string(signals.LastResponse)
	case "sentiment":
		return signals.Sentiment
	}

	value, ok := lead.Attribute(field)
	if !ok {
		return nil
	}

	return value
}

// looselyEqual compares values across the representations JSON decoding
// produces: numbers compare numerically, everything else by normalized
// string form.
func looselyEqual(got, want any) bool {
	if got == nil || want == nil {
		return got == want
	}

	gotNum, gotOk := toFloat(got)
	wantNum, wantOk := toFloat(want)

	if gotOk && wantOk {
		return gotNum == wantNum
	}

	return strings.EqualFold(stringify(got), stringify(want))
}

func numericPair(got, want any) (float64, float64, error) {
	gotNum, ok := toFloat(got)
	if !ok {
		return 0, 0, fmt.Errorf("value %v is not numeric", got)
	}

	wantNum, ok := toFloat(want)
	if !ok {
		return 0, 0, fmt.Errorf("comparison value %v is not numeric", want)
	}

	return gotNum, wantNum, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)

		return parsed, err == nil
	default:
		return 0, false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
