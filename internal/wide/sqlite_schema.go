package wide

import "fmt"

// Every family is one WITHOUT ROWID table clustered on (row, name). Row keys
// and column names are BLOBs so ordering is bytewise (memcmp).

const createPlainTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
    row BLOB NOT NULL,
    name BLOB NOT NULL,
    value BLOB NOT NULL,
    PRIMARY KEY (row, name)
) WITHOUT ROWID`

const createCounterTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
    row BLOB NOT NULL,
    name BLOB NOT NULL,
    value INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (row, name)
) WITHOUT ROWID`

const upsertPlainSQL = `
INSERT INTO %s (row, name, value) VALUES (?, ?, ?)
ON CONFLICT (row, name) DO UPDATE SET value = excluded.value`

const incrementCounterSQL = `
INSERT INTO %s (row, name, value) VALUES (?, ?, ?)
ON CONFLICT (row, name) DO UPDATE SET value = value + excluded.value`

func tableName(f Family) string {
	return "cf_" + string(f)
}

// allSchemaSQL returns the DDL for every family.
func allSchemaSQL() []string {
	stmts := make([]string, 0, len(Families))
	for _, f := range Families {
		if f.IsCounter() {
			stmts = append(stmts, fmt.Sprintf(createCounterTableSQL, tableName(f)))
		} else {
			stmts = append(stmts, fmt.Sprintf(createPlainTableSQL, tableName(f)))
		}
	}
	return stmts
}
