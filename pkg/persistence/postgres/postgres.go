// Package postgres provides the PostgreSQL persistence backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/flowcrm/nurture/pkg/persistence"
	"github.com/flowcrm/nurture/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer on PostgreSQL. Nested graph
// and history structures are stored as JSONB documents; query dimensions
// (status, lead, group, due time) are lifted into columns.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	workflows *WorkflowRepository
	instances *InstanceRepository
	rules     *RuleRepository
	leads     *LeadRepository
	joins     *JoinArrivalRepository
	schedules *ScheduleRepository
}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:        database,
		logger:    logger,
		workflows: &WorkflowRepository{db: database},
		instances: &InstanceRepository{db: database},
		rules:     &RuleRepository{db: database},
		leads:     &LeadRepository{db: database},
		joins:     &JoinArrivalRepository{db: database},
		schedules: &ScheduleRepository{db: database},
	}, nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflows
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return p.instances
}

func (p *Persistence) RuleRepository() persistence.RuleRepository {
	return p.rules
}

func (p *Persistence) LeadRepository() persistence.LeadRepository {
	return p.leads
}

func (p *Persistence) JoinArrivalRepository() persistence.JoinArrivalRepository {
	return p.joins
}

func (p *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return p.schedules
}
