// Package database provides SQLite connectivity for graylink's message store.
//
// This package manages:
//   - Database connection with WAL mode and a configurable synchronous level
//   - Forward-only schema migrations read from an fs.FS
//   - Single-writer connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: "./data/graylink.db", WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
