// Package migrations embeds the collector's SQL migration files so they work
// regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem (001_initial.sql, ...).
//
//go:embed *.sql
var FS embed.FS
