//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// sqliteDriver selects the pure-Go driver for cgo-less builds. Vector search
// degrades to in-process cosine ranking since the sqlite-vec extension needs
// cgo.
const sqliteDriver = "sqlite"
