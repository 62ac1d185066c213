// Package migrations embeds the search index schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

const Table = "search_schema_migrations"
