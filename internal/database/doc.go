// Package database provides the PostgreSQL connection pool backing the
// optional event journal.
package database
