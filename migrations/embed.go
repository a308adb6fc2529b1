// Package migrations embeds the goose SQL migrations so the binaries and
// integration tests share one schema source.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
