// Package migrations embeds the SQL schema migrations shipped with the
// server binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
