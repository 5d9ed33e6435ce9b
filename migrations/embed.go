// Package migrations embeds the message store schema into the binary.
package migrations

import "embed"

// FS holds the *.up.sql schema migrations at its root.
//
//go:embed *.sql
var FS embed.FS
