// Package dbmigrations exposes the run history schema migrations.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into runner binaries.
//
//go:embed *.sql
var Files embed.FS
