package store

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect struct {
	driver string
	schema []string
}

var sqliteDialect = dialect{
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS records (
			tbl        TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			data       BLOB    NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tbl, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			tbl          TEXT    NOT NULL,
			row_id       TEXT    NOT NULL,
			operation    TEXT    NOT NULL,
			payload      BLOB,
			status       TEXT    NOT NULL,
			scheduled_at INTEGER NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			merge_fields BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_by_status ON sync_queue (status)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_by_table ON sync_queue (tbl)`,
	},
}

var postgresDialect = dialect{
	driver: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS records (
			tbl        TEXT   NOT NULL,
			id         TEXT   NOT NULL,
			data       BYTEA  NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (tbl, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id           BIGSERIAL PRIMARY KEY,
			tbl          TEXT    NOT NULL,
			row_id       TEXT    NOT NULL,
			operation    TEXT    NOT NULL,
			payload      BYTEA,
			status       TEXT    NOT NULL,
			scheduled_at BIGINT  NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			merge_fields BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_by_status ON sync_queue (status)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_by_table ON sync_queue (tbl)`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite":
		return sqliteDialect, nil
	case "postgres":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported driver %q", driver)
}

// rebind turns ? placeholders into $n for postgres. Queries never contain
// literal question marks.
func (d dialect) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
