// Package migrations holds the SQL schema applied by reconcilectl migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
