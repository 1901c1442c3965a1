//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// sqliteDriver selects the cgo driver when available. The sqlite_vec build
// tag additionally links the sqlite-vec extension, see init_vec.go.
const sqliteDriver = "sqlite3"
