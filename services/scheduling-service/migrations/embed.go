// Package migrations embeds the scheduling schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
