package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// RuleRepository stores the follow-up rule catalogue under <root>/rules.
type RuleRepository struct {
	root string
}

func (r *RuleRepository) dir() string {
	return filepath.Join(r.root, "rules")
}

func (r *RuleRepository) Save(_ context.Context, rule *models.FollowUpRule) error {
	if err := validateID(rule.ID); err != nil {
		return err
	}

	return writeJSON(r.dir(), rule.ID, rule)
}

func (r *RuleRepository) GetByID(_ context.Context, id string) (*models.FollowUpRule, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	var rule models.FollowUpRule

	err := readJSON(r.dir(), id, &rule)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrRuleNotFound
		}

		return nil, err
	}

	return &rule, nil
}

func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*models.FollowUpRule, error) {
	names, err := listJSON(r.dir())
	if err != nil {
		return nil, err
	}

	rules := make([]*models.FollowUpRule, 0, len(names))

	for _, name := range names {
		rule, err := r.GetByID(ctx, name)
		if err != nil {
			return nil, err
		}

		if rule.Enabled {
			rules = append(rules, rule)
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].ID < rules[j].ID
	})

	return rules, nil
}

// LeadRepository stores lead snapshots under <root>/leads.
type LeadRepository struct {
	root string
}

func (r *LeadRepository) dir() string {
	return filepath.Join(r.root, "leads")
}

func (r *LeadRepository) Save(_ context.Context, lead *models.Lead) error {
	if err := validateID(lead.ID); err != nil {
		return err
	}

	return writeJSON(r.dir(), lead.ID, lead)
}

func (r *LeadRepository) GetByID(_ context.Context, id string) (*models.Lead, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	var lead models.Lead

	err := readJSON(r.dir(), id, &lead)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrLeadNotFound
		}

		return nil, err
	}

	return &lead, nil
}
