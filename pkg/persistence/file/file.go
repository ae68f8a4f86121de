// Package file provides file-based persistence for workflows, instances,
// and the rule catalogue. Entities are stored as JSON documents under the
// configured root directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowcrm/nurture/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file
// system. Suitable for development and single-process deployments.
type Persistence struct {
	root         string
	workflowRepo *WorkflowRepository
	instanceRepo *InstanceRepository
	ruleRepo     *RuleRepository
	leadRepo     *LeadRepository
	joinRepo     *JoinArrivalRepository
	scheduleRepo *ScheduleRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// Accepts plain paths and file:// URLs.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		workflowRepo: &WorkflowRepository{root: cleanRoot},
		instanceRepo: &InstanceRepository{root: cleanRoot},
		ruleRepo:     &RuleRepository{root: cleanRoot},
		leadRepo:     &LeadRepository{root: cleanRoot},
		joinRepo:     &JoinArrivalRepository{root: cleanRoot},
		scheduleRepo: &ScheduleRepository{root: cleanRoot},
	}
}

// Close performs any necessary cleanup. Nothing to release for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists and is writable.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(p.root, 0750); err != nil {
		return fmt.Errorf("persistence root not writable: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return p.instanceRepo
}

func (p *Persistence) RuleRepository() persistence.RuleRepository {
	return p.ruleRepo
}

func (p *Persistence) LeadRepository() persistence.LeadRepository {
	return p.leadRepo
}

func (p *Persistence) JoinArrivalRepository() persistence.JoinArrivalRepository {
	return p.joinRepo
}

func (p *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return p.scheduleRepo
}

// validateID guards against path traversal in IDs used as file names.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return errors.New("id contains invalid characters")
	}

	return nil
}

// writeJSON marshals an entity and writes it atomically enough for a
// single-writer store.
func writeJSON(dir, name string, entity any) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	return nil
}

// readJSON loads an entity; returns os.ErrNotExist when the file is missing.
func readJSON(dir, name string, entity any) error {
	data, err := os.ReadFile(filepath.Join(dir, name+".json")) // #nosec G304 -- name is validated
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}

	return nil
}

// listJSON returns the entity names (file names without extension) in a dir.
func listJSON(dir string) ([]string, error) {
	entries, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry, ".json"))
	}

	return names, nil
}
