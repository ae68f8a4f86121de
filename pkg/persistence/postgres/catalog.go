package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// RuleRepository stores the follow-up rule catalogue.
type RuleRepository struct {
	db *sql.DB
}

const ruleColumns = `id, name, trigger_signal, delay_ns, channel, template_ref,
	max_attempts, conditions, stats, enabled, created_at, updated_at`

func (r *RuleRepository) Save(ctx context.Context, rule *models.FollowUpRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode rule conditions: %w", err)
	}

	stats, err := json.Marshal(rule.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode rule stats: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO follow_up_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			trigger_signal = EXCLUDED.trigger_signal,
			delay_ns = EXCLUDED.delay_ns,
			channel = EXCLUDED.channel,
			template_ref = EXCLUDED.template_ref,
			max_attempts = EXCLUDED.max_attempts,
			conditions = EXCLUDED.conditions,
			stats = EXCLUDED.stats,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Name, string(rule.Trigger), int64(rule.Delay), string(rule.Channel),
		rule.TemplateRef, rule.MaxAttempts, conditions, stats, rule.Enabled,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}

	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*models.FollowUpRule, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+ruleColumns+" FROM follow_up_rules WHERE id = $1", id)

	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRuleNotFound
		}

		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}

	return rule, nil
}

func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*models.FollowUpRule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM follow_up_rules WHERE enabled = TRUE ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rules := []*models.FollowUpRule{}

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list enabled rules: %w", err)
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}

	return rules, nil
}

func scanRule(row rowScanner) (*models.FollowUpRule, error) {
	var (
		rule       models.FollowUpRule
		delayNs    int64
		conditions []byte
		stats      []byte
	)

	err := row.Scan(&rule.ID, &rule.Name, &rule.Trigger, &delayNs, &rule.Channel,
		&rule.TemplateRef, &rule.MaxAttempts, &conditions, &stats, &rule.Enabled,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rule.Delay = time.Duration(delayNs)

	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode rule conditions: %w", err)
	}

	if err := json.Unmarshal(stats, &rule.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode rule stats: %w", err)
	}

	return &rule, nil
}

// LeadRepository stores lead snapshots.
type LeadRepository struct {
	db *sql.DB
}

const leadColumns = `id, email, phone, name, company, industry, score,
	engagement_level, timezone, attributes, created_at`

func (r *LeadRepository) Save(ctx context.Context, lead *models.Lead) error {
	attributes, err := json.Marshal(lead.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode lead attributes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			name = EXCLUDED.name,
			company = EXCLUDED.company,
			industry = EXCLUDED.industry,
			score = EXCLUDED.score,
			engagement_level = EXCLUDED.engagement_level,
			timezone = EXCLUDED.timezone,
			attributes = EXCLUDED.attributes`,
		lead.ID, lead.Email, lead.Phone, lead.Name, lead.Company, lead.Industry,
		lead.Score, lead.EngagementLevel, lead.Timezone, attributes, lead.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}

	return nil
}

func (r *LeadRepository) GetByID(ctx context.Context, id string) (*models.Lead, error) {
	var (
		lead       models.Lead
		attributes []byte
	)

	err := r.db.QueryRowContext(ctx,
		"SELECT "+leadColumns+" FROM leads WHERE id = $1", id).
		Scan(&lead.ID, &lead.Email, &lead.Phone, &lead.Name, &lead.Company,
			&lead.Industry, &lead.Score, &lead.EngagementLevel, &lead.Timezone,
			&attributes, &lead.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrLeadNotFound
		}

		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}

	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &lead.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode lead attributes: %w", err)
		}
	}

	return &lead, nil
}
