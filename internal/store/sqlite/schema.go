package sqlite

// migrationsTable is the golang-migrate version table.
const migrationsTable = "schema_migrations"

const (
	countMigrationsTable = `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`
	countUserTables      = `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`
	selectSchemaVersion  = `SELECT version, dirty FROM schema_migrations LIMIT 1`
)
