package executor

import (
	"fmt"
	"os"

	"sessioncore/internal/infra/executor/memory"
	"sessioncore/internal/infra/executor/postgres"
	"sessioncore/internal/infra/executor/sqlite"
	"sessioncore/pkg/persist"
)

// OpenExecutor selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	SESSIONCORE_EXECUTOR_DRIVER: memory|sqlite|postgres (default sqlite)
//	SESSIONCORE_SQLITE_PATH: path to sqlite file (default ./sessioncore.db)
//	SESSIONCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenExecutor(schemas *persist.SchemaSet) (Executor, error) {
	driver := os.Getenv("SESSIONCORE_EXECUTOR_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch Driver(driver) {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		path := os.Getenv("SESSIONCORE_SQLITE_PATH")
		return sqlite.NewStore(path, schemas)
	case DriverPostgres:
		dsn := os.Getenv("SESSIONCORE_POSTGRES_DSN")
		return postgres.NewStore(dsn, schemas)
	default:
		return nil, fmt.Errorf("unknown executor driver %s", driver)
	}
}
