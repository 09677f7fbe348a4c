package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/jackc/tern/v2/migrate"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const versionTable = "schema_version"

// Migrate brings the schema up to the newest embedded migration and returns the
// names of the migrations it applied. tern holds an advisory lock while it runs,
// so instances starting together apply each migration once.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	m, err := migrate.NewMigrator(ctx, conn.Conn(), versionTable)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	files, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	if err := m.LoadMigrations(files); err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	var applied []string
	m.OnStart = func(sequence int32, name, direction, _ string) {
		logger.Info("Applying migration",
			zap.Int32("sequence", sequence), zap.String("name", name), zap.String("direction", direction))
		applied = append(applied, name)
	}

	if err := m.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return applied, nil
}
