package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// WorkflowRepository stores definition versions with the node graph as a
// JSONB document.
type WorkflowRepository struct {
	db *sql.DB
}

const workflowColumns = `id, workflow_group_id, name, description, version, status,
	nodes, connections, owner, created_at, updated_at, published_at`

func (r *WorkflowRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return persistence.NewWorkflowError("Save", def.ID, err)
	}

	connections, err := json.Marshal(def.Connections)
	if err != nil {
		return persistence.NewWorkflowError("Save", def.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			nodes = EXCLUDED.nodes,
			connections = EXCLUDED.connections,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at`,
		def.ID, def.WorkflowGroupID, def.Name, def.Description, def.Version, def.Status,
		nodes, connections, def.Owner, def.CreatedAt, def.UpdatedAt, def.PublishedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", def.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflow_definitions WHERE id = $1", id)

	def, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return def, nil
}

func (r *WorkflowRepository) List(ctx context.Context, opts persistence.ListWorkflowsOptions) ([]*models.WorkflowDefinition, error) {
	query := "SELECT " + workflowColumns + " FROM workflow_definitions WHERE 1=1"
	args := []any{}

	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if opts.OwnerID != "" {
		args = append(args, opts.OwnerID)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.queryWorkflows(ctx, query, args...)
}

func (r *WorkflowRepository) ListActive(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return r.queryWorkflows(ctx,
		"SELECT "+workflowColumns+" FROM workflow_definitions WHERE status = $1 ORDER BY created_at DESC",
		string(models.WorkflowStatusActive))
}

func (r *WorkflowRepository) GetActiveByGroup(ctx context.Context, groupID string) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflow_definitions
		WHERE workflow_group_id = $1 AND status = $2
		ORDER BY version DESC LIMIT 1`,
		groupID, string(models.WorkflowStatusActive))

	def, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewWorkflowError("GetActiveByGroup", groupID, err)
	}

	return def, nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_definitions WHERE id = $1", id)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) queryWorkflows(ctx context.Context, query string, args ...any) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewWorkflowError("List", "", err)
	}
	defer func() { _ = rows.Close() }()

	definitions := []*models.WorkflowDefinition{}

	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			return nil, persistence.NewWorkflowError("List", "", err)
		}

		definitions = append(definitions, def)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewWorkflowError("List", "", err)
	}

	return definitions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.WorkflowDefinition, error) {
	var (
		def         models.WorkflowDefinition
		nodes       []byte
		connections []byte
	)

	err := row.Scan(&def.ID, &def.WorkflowGroupID, &def.Name, &def.Description,
		&def.Version, &def.Status, &nodes, &connections, &def.Owner,
		&def.CreatedAt, &def.UpdatedAt, &def.PublishedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}

	if err := json.Unmarshal(connections, &def.Connections); err != nil {
		return nil, fmt.Errorf("failed to decode connections: %w", err)
	}

	return &def, nil
}
