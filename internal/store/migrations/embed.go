// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

// FS holds the SQL migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
