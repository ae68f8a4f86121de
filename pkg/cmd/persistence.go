// Package cmd wires shared infrastructure for the nurture binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowcrm/nurture/pkg/persistence"
	"github.com/flowcrm/nurture/pkg/persistence/file"
	"github.com/flowcrm/nurture/pkg/persistence/postgres"
)

// NewPersistence selects the persistence backend from the database URL
// scheme. A postgres:// URL gets the PostgreSQL backend; anything else is
// treated as a filesystem root for the file backend.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		persist, err := postgres.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL persistence: %w", err))
		}

		return persist
	}

	return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
}
