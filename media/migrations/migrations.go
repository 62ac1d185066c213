// Package migrations embeds the media ledger schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

const Table = "media_schema_migrations"
