// Package repository provides PostgreSQL data access for the compliance
// engine's aggregates. All queries run against a pgx pool; lookups that
// find nothing return (nil, nil).
package repository

// scanner abstracts over pgx.Row and pgx.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}
