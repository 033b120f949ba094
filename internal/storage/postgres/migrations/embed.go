package migrations

import "embed"

// FS contains embedded Postgres migrations for the support chat schema.
//
//go:embed *.sql
var FS embed.FS
