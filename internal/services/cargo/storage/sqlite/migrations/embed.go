package migrations

import "embed"

// FS contains embedded SQLite migrations for cargo storage.
//
//go:embed *.sql
var FS embed.FS
