// Package migrations embeds the goose scripts for the server registry
// schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
