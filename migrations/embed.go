// Package migrations embeds the SQL schema into the binary.
package migrations

import (
	"embed"

	"github.com/easysmart/iot-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
