// Package migrations embeds the schema applied at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Ordered lists the migration files in application order.
var Ordered = []string{
	"001_initial.up.sql",
}
