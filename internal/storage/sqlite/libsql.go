//go:build cgo

package sqlite

// Registers the "libsql" database/sql driver so Options.Driver can select it.
import _ "github.com/tursodatabase/go-libsql"
