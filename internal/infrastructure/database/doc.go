// Package database provides SQLite connectivity for the IoT core.
//
// This package manages:
//   - Connection setup (WAL, busy timeout, foreign keys, immediate write locks)
//   - Embedded schema migrations
//   - Transaction helpers shared by every repository (Querier, WithTx)
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
