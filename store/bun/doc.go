// Package bunstore implements store.Store on the Bun ORM. The same code
// runs against PostgreSQL and SQLite: queries avoid dialect-specific SQL,
// timestamps are computed in Go, and slices and maps are stored as JSON.
//
// Two lifecycles are supported. New wraps a *bun.DB the caller owns and
// never closes it:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	st := bunstore.New(db)
//
// NewSQLite and NewPostgres open their own connection, which Close
// releases:
//
//	st, err := bunstore.NewSQLite("file:cascade.db")
//	if err != nil { ... }
//	defer st.Close()
//	if err := st.Migrate(ctx); err != nil { ... }
//
// The in-memory DSN ":memory:" gives a self-contained store, handy for
// tests and local development.
package bunstore
