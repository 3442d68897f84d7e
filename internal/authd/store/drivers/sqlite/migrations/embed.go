// Package migrations embeds the SQL schema migrations so the binary carries
// its own schema and never depends on files on disk.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
