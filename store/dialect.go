package store

import (
	"fmt"
	"strings"
)

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	name string
	// rebind rewrites ? placeholders into the driver's positional format.
	rebind func(string) string
	// serialPK is the DDL fragment of an auto-assigned integer primary key.
	serialPK string
	// blobType is the DDL type of binary content.
	blobType string
	// clamp wraps |expr| so that it never evaluates below zero.
	clamp func(expr string) string
}

func dialectFor(driver string) dialect {
	switch driver {
	case "pgx":
		return dialect{
			name:     "postgres",
			rebind:   rebindDollar,
			serialPK: "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY",
			blobType: "BYTEA",
			clamp:    func(expr string) string { return "GREATEST(0, " + expr + ")" },
		}
	case "sqlite3":
		return dialect{
			name:     "sqlite",
			rebind:   func(q string) string { return q },
			serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
			blobType: "BLOB",
			clamp:    func(expr string) string { return "MAX(0, " + expr + ")" },
		}
	default:
		panic(fmt.Sprintf("unknown driver %q", driver))
	}
}

// rebindDollar rewrites ? placeholders as $1..$n for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	var n int
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
