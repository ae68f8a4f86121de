package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/models"
)

func TestEvalConditionClauses(t *testing.T) {
	lead := &models.Lead{
		ID:       "l1",
		Email:    "ana@example.com",
		Name:     "Ana",
		Company:  "Acme Rockets",
		Industry: "SaaS",
		Score:    72,
		Attributes: map[string]any{
			"region": "latam",
		},
	}

	signals := models.EngagementSignals{
		Opened:       true,
		NoReplyCount: 2,
		LastResponse: models.SignalNoReply,
	}

	tests := []struct {
		name string
		cfg  *models.ConditionConfig
		want bool
	}{
		{
			name: "equals on lead field is case insensitive",
			cfg: &models.ConditionConfig{Clauses: []models.ConditionClause{
				{Field: "industry", Operator: models.OperatorEquals, Value: "saas"},
			}},
			want: true,
		},
		{
			name: "not equals",
			cfg: &models.ConditionConfig{Clauses: []models.ConditionClause{
				{Field: "industry", Operator: models.OperatorNotEquals, Value: "fintech"},
			}},
			want: true,
		},
		{
			name: "greater than on score",
			cfg: &models.ConditionConfig{Clauses: []models.ConditionClause{
				{Field: "score", Operator: models.OperatorGreaterThan, Value: 50},
			}},
			want: true,
		},
		{
			name: "less than fails when equal",
			cfg: &models.ConditionConfig{Clauses: []models.ConditionClause{
				{Field: "score", Operator: models.OperatorLessThan, Value: 72},
			}},
			want: false,
		},
		{
			name: "contains on company name",
			cfg: &models.ConditionConfig{Clauses: []models.ConditionClause{
				{Field: "company", Operator: models.OperatorContains, Value: "rockets"},
			}},
			want: true,
		},
		{
			name: "empty on missing attribute",
			cfg: &models.ConditionConfig{Clauses: []models.ConditionClause{
				{Field: "nickname", Operator: models.OperatorEmpty},
			}},
			want: true,
		},
		{
			name: "signal fields resolve from engagement state",
			cfg: &models.ConditionConfig{Clauses: []models.ConditionClause{
				{Field: "opened", Operator: models.OperatorEquals, Value: true},
				{Field: "no_reply_count", Operator: models.OperatorGreaterThan, Value: 1},
			}},
			want: true,
		},
		{
			name: "and requires every clause",
			cfg: &models.ConditionConfig{
				LogicalOperator: "and",
				Clauses: []models.ConditionClause{
					{Field: "score", Operator: models.OperatorGreaterThan, Value: 50},
					{Field: "industry", Operator: models.OperatorEquals, Value: "fintech"},
				},
			},
			want: false,
		},
		{
			name: "or passes on any clause",
			cfg: &models.ConditionConfig{
				LogicalOperator: "or",
				Clauses: []models.ConditionClause{
					{Field: "industry", Operator: models.OperatorEquals, Value: "fintech"},
					{Field: "region", Operator: models.OperatorEquals, Value: "latam"},
				},
			},
			want: true,
		},
		{
			name: "expression over lead and signals",
			cfg:  &models.ConditionConfig{Expression: `lead.score > 60 && signals.no_reply_count >= 2`},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalCondition(tt.cfg, lead, signals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalConditionErrors(t *testing.T) {
	lead := &models.Lead{ID: "l1", Score: 10}

	_, err := evalCondition(&models.ConditionConfig{}, lead, models.EngagementSignals{})
	assert.Error(t, err, "a condition needs clauses or an expression")

	_, err = evalCondition(&models.ConditionConfig{Expression: "lead.score +"}, lead, models.EngagementSignals{})
	assert.Error(t, err)
}

func TestSignalsFromStepHistory(t *testing.T) {
	instance := &models.ExecutionInstance{
		Steps: []models.StepRecord{
			{ID: "s1", NodeID: "a1", Channel: models.ChannelEmail,
				Response: &models.StepResponse{Type: models.ResponseOpened}},
			{ID: "s2", NodeID: "a2", Channel: models.ChannelEmail},
			{ID: "s3", NodeID: "a3", Channel: models.ChannelSMS},
		},
	}

	signals := signalsFrom(instance)
	assert.True(t, signals.Opened)
	assert.False(t, signals.Replied)
	assert.Equal(t, 2, signals.NoReplyCount)

	// Trailing silence outweighs the older open.
	assert.Equal(t, models.SignalNoReply, signals.LastResponse)
}

func TestSignalsFromEmptyHistory(t *testing.T) {
	signals := signalsFrom(&models.ExecutionInstance{})
	assert.Equal(t, models.SignalNoReply, signals.LastResponse)
	assert.Zero(t, signals.NoReplyCount)
}
