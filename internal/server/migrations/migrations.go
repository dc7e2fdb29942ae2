// Package migrations embeds the goose SQL migrations for the metadata store.
// The same files run against PostgreSQL and SQLite.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
