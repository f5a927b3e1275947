package migrations

import "embed"

// FS contains embedded SQLite migrations for sim storage.
//
//go:embed *.sql
var FS embed.FS
