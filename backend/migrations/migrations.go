// Package migrations embeds the goose SQL migrations for the pgx-backed
// session store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
