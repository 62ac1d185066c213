// Package migrations embeds the posts schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Table is the migrate version table owned by the posts service.
const Table = "posts_schema_migrations"
