// Package migrations embeds the SQL schema applied by the migrate command.
package migrations

import "embed"

// FS holds the versioned up/down scripts.
//
//go:embed *.sql
var FS embed.FS
