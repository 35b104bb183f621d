// Package migrations embeds the SQL migration files.
package migrations

import "embed"

// FS contains the PostgreSQL migrations, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
