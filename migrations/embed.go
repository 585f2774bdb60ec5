// Package migrations embeds the SQL migration files into the binary so the
// bridge can create its schema without the files present on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
