// Package migrations carries the schema migration files inside the
// binaries, so the migrator needs no filesystem mount to run.
package migrations

import "embed"

//go:embed *.up.sql
var Files embed.FS
