// Package database provides SQLite connectivity for CC Bridge.
//
// The sqlite store backend keeps the latest update from each computer in a
// single kv_entries table created by the embedded migrations.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - In-memory databases for tests and throwaway runs (MemoryPath)
//   - Ordered, per-transaction schema migrations
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. All queries use parameterised statements and the
// database file is created with 0600 permissions.
package database
