// Package migrations embeds the form engine's SQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
