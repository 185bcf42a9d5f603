// Package migrations embeds the chat schema; files are applied in name order.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
